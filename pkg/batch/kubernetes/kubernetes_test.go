package kubernetes_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/opst/chiltepin/pkg/batch"
	"github.com/opst/chiltepin/pkg/batch/kubernetes"
	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/utils/try"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestJobName(t *testing.T) {
	for in, expected := range map[string]string{
		"compute-block-1":  "compute-block-1",
		"MPI_Pool.block.2": "mpi-pool-block-2",
		"-edge-":           "edge",
	} {
		if actual := kubernetes.JobName(in); actual != expected {
			t.Errorf("JobName(%q): expected %q, actual %q", in, expected, actual)
		}
	}
}

func TestJob(t *testing.T) {
	t.Run("it builds a job with one pod per node", func(t *testing.T) {
		job := try.To(kubernetes.Job("ns", batch.JobSpec{
			Name: "k8s-block-1", Script: "echo hi", Image: "ubuntu",
			Nodes: 2, CoresPerNode: 4, Walltime: 10 * time.Minute,
		})).OrFatal(t)

		if job.Name != "k8s-block-1" || job.Namespace != "ns" {
			t.Errorf("unexpected metadata: %+v", job.ObjectMeta)
		}
		if *job.Spec.Parallelism != 2 || *job.Spec.Completions != 2 || *job.Spec.BackoffLimit != 0 {
			t.Errorf("unexpected spec: %+v", job.Spec)
		}
		if *job.Spec.ActiveDeadlineSeconds != 600 {
			t.Errorf("unexpected deadline: %d", *job.Spec.ActiveDeadlineSeconds)
		}
		c := job.Spec.Template.Spec.Containers[0]
		if c.Image != "index.docker.io/library/ubuntu:latest" {
			t.Errorf("image is not normalized: %s", c.Image)
		}
		if !slices.Equal(c.Command, []string{"bash", "-c", "echo hi"}) {
			t.Errorf("unexpected command: %v", c.Command)
		}
		if cpu := c.Resources.Requests[kubecore.ResourceCPU]; cpu.Value() != 4 {
			t.Errorf("unexpected cpu request: %s", cpu.String())
		}
	})

	t.Run("a broken image reference is a submission failure", func(t *testing.T) {
		_, err := kubernetes.Job("ns", batch.JobSpec{Name: "b", Image: "UPPER CASE:::"})
		if !errors.Is(err, xe.ErrBatchSubmitFailed) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestAdapter(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	a := kubernetes.New(client, "ns")

	id := try.To(a.Submit(ctx, batch.JobSpec{Name: "block-1", Image: "busybox:1.36", Nodes: 1})).OrFatal(t)
	if id != "block-1" {
		t.Fatalf("job id: %s", id)
	}

	assertState := func(t *testing.T, expected batch.JobState) {
		t.Helper()
		states := try.To(a.Status(ctx, id)).OrFatal(t)
		if states[id] != expected {
			t.Errorf("expected %s, actual %s", expected, states[id])
		}
	}

	t.Run("a job without running pods is queued", func(t *testing.T) {
		assertState(t, batch.Queued)
	})

	t.Run("a job with a running pod is running", func(t *testing.T) {
		pod := &kubecore.Pod{
			ObjectMeta: kubeapimeta.ObjectMeta{
				Name: "block-1-abcde", Namespace: "ns",
				Labels: map[string]string{kubernetes.LabelBlock: id},
			},
			Status: kubecore.PodStatus{Phase: kubecore.PodRunning},
		}
		try.To(client.CoreV1().Pods("ns").Create(ctx, pod, kubeapimeta.CreateOptions{})).OrFatal(t)
		assertState(t, batch.Running)
	})

	t.Run("a failed job is failed", func(t *testing.T) {
		job := try.To(client.BatchV1().Jobs("ns").Get(ctx, id, kubeapimeta.GetOptions{})).OrFatal(t)
		job.Status.Conditions = append(job.Status.Conditions, kubebatch.JobCondition{
			Type: kubebatch.JobFailed, Status: kubecore.ConditionTrue,
		})
		try.To(client.BatchV1().Jobs("ns").UpdateStatus(ctx, job, kubeapimeta.UpdateOptions{})).OrFatal(t)
		assertState(t, batch.Failed)
	})

	t.Run("a cancelled job is missing", func(t *testing.T) {
		if err := a.Cancel(ctx, id); err != nil {
			t.Fatal(err)
		}
		assertState(t, batch.Missing)

		if err := a.Cancel(ctx, id); err != nil {
			t.Errorf("cancelling twice should be fine: %v", err)
		}
	})

	t.Run("placement is kubectl exec into the job", func(t *testing.T) {
		expected := []string{"kubectl", "exec", "-n", "ns", "job/block-1", "-c", "block", "--"}
		if p := a.Placement(id); !slices.Equal(p, expected) {
			t.Errorf("placement: %v", p)
		}
	})
}
