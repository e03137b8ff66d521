// Package metrics exports Prometheus metrics of pools and provisioners.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chiltepin"

// Metrics of an orchestrator. A nil *Metrics records nothing.
type Metrics struct {
	// blocks per pool and block state
	Blocks *prometheus.GaugeVec

	// batch submissions per pool and result ("ok" or "failed")
	Submissions *prometheus.CounterVec

	TasksQueued  *prometheus.GaugeVec
	TasksRunning *prometheus.GaugeVec

	// finished tasks per pool and terminal state
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
}

// New registers metrics to reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Blocks: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocks",
				Help:      "Number of blocks per state",
			},
			[]string{"pool", "state"},
		),
		Submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_submissions_total",
				Help:      "Total batch submissions of blocks",
			},
			[]string{"pool", "result"},
		),
		TasksQueued: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_queued",
				Help:      "Number of tasks waiting for a worker",
			},
			[]string{"pool"},
		),
		TasksRunning: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_running",
				Help:      "Number of running tasks",
			},
			[]string{"pool"},
		),
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total finished tasks per terminal state",
			},
			[]string{"pool", "state"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Wall time of tasks",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"pool"},
		),
	}
}

func (m *Metrics) SetBlocks(pool string, state string, n int) {
	if m == nil {
		return
	}
	m.Blocks.WithLabelValues(pool, state).Set(float64(n))
}

func (m *Metrics) RecordSubmission(pool string, success bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !success {
		result = "failed"
	}
	m.Submissions.WithLabelValues(pool, result).Inc()
}

func (m *Metrics) SetQueued(pool string, n int) {
	if m == nil {
		return
	}
	m.TasksQueued.WithLabelValues(pool).Set(float64(n))
}

func (m *Metrics) RecordTaskStart(pool string) {
	if m == nil {
		return
	}
	m.TasksRunning.WithLabelValues(pool).Inc()
}

func (m *Metrics) RecordTaskComplete(pool string, state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TasksRunning.WithLabelValues(pool).Dec()
	m.TasksTotal.WithLabelValues(pool, state).Inc()
	m.TaskDuration.WithLabelValues(pool).Observe(duration.Seconds())
}
