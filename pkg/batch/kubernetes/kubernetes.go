// Package kubernetes runs blocks as Kubernetes Jobs.
package kubernetes

import (
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opst/chiltepin/pkg/batch"
	xe "github.com/opst/chiltepin/pkg/errors"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapiresource "k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
)

const (
	LabelBlock = "chiltepin.opst.github.io/block"
	container  = "block"
)

type Adapter struct {
	client    k8s.Interface
	namespace string
	logger    *log.Logger
}

var _ batch.Adapter = &Adapter{}

type Option func(*Adapter)

func WithLogger(l *log.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func New(client k8s.Interface, namespace string, options ...Option) *Adapter {
	a := &Adapter{
		client:    client,
		namespace: namespace,
		logger:    log.New(io.Discard, "", 0),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

func (*Adapter) Name() string {
	return "kubernetes"
}

var reNotInName = regexp.MustCompile("[^-a-z0-9]+")

// JobName converts a block name to a DNS-1123 label.
func JobName(s string) string {
	s = reNotInName.ReplaceAllString(strings.ToLower(s), "-")
	if 63 < len(s) {
		s = s[:63]
	}
	return strings.Trim(s, "-")
}

// Job builds the manifest of a block.
//
// Each node of the block is a pod of the Job.
func Job(namespace string, spec batch.JobSpec) (*kubebatch.Job, error) {
	ref, err := name.ParseReference(spec.Image)
	if err != nil {
		return nil, xe.Kinded(xe.ErrBatchSubmitFailed, "image %q: %s", spec.Image, err)
	}

	jobName := JobName(spec.Name)
	nodes := int32(max(spec.Nodes, 1))
	backoffLimit := int32(0)
	labels := map[string]string{LabelBlock: jobName}

	resources := kubecore.ResourceRequirements{}
	if 0 < spec.CoresPerNode {
		resources.Requests = kubecore.ResourceList{
			kubecore.ResourceCPU: *kubeapiresource.NewQuantity(int64(spec.CoresPerNode), kubeapiresource.DecimalSI),
		}
	}

	job := &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      jobName,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: kubebatch.JobSpec{
			Parallelism:  &nodes,
			Completions:  &nodes,
			BackoffLimit: &backoffLimit,
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{Labels: labels},
				Spec: kubecore.PodSpec{
					RestartPolicy: kubecore.RestartPolicyNever,
					Containers: []kubecore.Container{
						{
							Name:      container,
							Image:     ref.Name(),
							Command:   []string{"bash", "-c", spec.Script},
							Resources: resources,
						},
					},
				},
			},
		},
	}
	if 0 < spec.Walltime {
		deadline := int64(spec.Walltime.Seconds())
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job, nil
}

func (a *Adapter) Submit(ctx context.Context, spec batch.JobSpec) (string, error) {
	job, err := Job(a.namespace, spec)
	if err != nil {
		return "", err
	}
	created, err := a.client.BatchV1().Jobs(a.namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
	if err != nil {
		return "", xe.Kinded(xe.ErrBatchSubmitFailed, "create job %s: %s", job.Name, err)
	}
	a.logger.Printf("created job %s/%s", a.namespace, created.Name)
	return created.Name, nil
}

func (a *Adapter) Status(ctx context.Context, jobIDs ...string) (map[string]batch.JobState, error) {
	states := map[string]batch.JobState{}
	for _, id := range jobIDs {
		job, err := a.client.BatchV1().Jobs(a.namespace).Get(ctx, id, kubeapimeta.GetOptions{})
		if kubeerr.IsNotFound(err) {
			states[id] = batch.Missing
			continue
		} else if err != nil {
			return nil, xe.WrapWithNote(fmt.Sprintf("get job %s", id), err)
		}

		switch s := a.jobState(job); s {
		case batch.Unknown:
			pods, err := a.client.CoreV1().Pods(a.namespace).List(ctx, kubeapimeta.ListOptions{
				LabelSelector: fmt.Sprintf("%s=%s", LabelBlock, id),
			})
			if err != nil {
				return nil, xe.WrapWithNote(fmt.Sprintf("pods of job %s", id), err)
			}
			states[id] = batch.Queued
			for _, p := range pods.Items {
				if p.Status.Phase == kubecore.PodRunning {
					states[id] = batch.Running
					break
				}
			}
		default:
			states[id] = s
		}
	}
	return states, nil
}

// jobState reads terminal states from the Job. Unknown means it is not ended.
func (*Adapter) jobState(job *kubebatch.Job) batch.JobState {
	for _, c := range job.Status.Conditions {
		if c.Status != kubecore.ConditionTrue {
			continue
		}
		switch c.Type {
		case kubebatch.JobComplete:
			return batch.Completed
		case kubebatch.JobFailed:
			return batch.Failed
		}
	}
	if 0 < job.Status.Failed {
		return batch.Failed
	}
	if job.Spec.Completions != nil && *job.Spec.Completions <= job.Status.Succeeded {
		return batch.Completed
	}
	return batch.Unknown
}

func (a *Adapter) Cancel(ctx context.Context, jobID string) error {
	foreground := kubeapimeta.DeletePropagationForeground
	zero := int64(0)
	err := a.client.BatchV1().Jobs(a.namespace).Delete(ctx, jobID, kubeapimeta.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &foreground,
	})
	if err != nil && !kubeerr.IsNotFound(err) {
		return xe.WrapWithNote(fmt.Sprintf("delete job %s", jobID), err)
	}
	return nil
}

// Placement runs a process in the first pod of the Job with kubectl.
func (a *Adapter) Placement(jobID string) []string {
	return []string{"kubectl", "exec", "-n", a.namespace, "job/" + jobID, "-c", container, "--"}
}

func (*Adapter) Binding(string, string) []string {
	return nil
}
