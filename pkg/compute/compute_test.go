package compute_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/opst/chiltepin/pkg/compute"
	"github.com/opst/chiltepin/pkg/compute/computetest"
	"github.com/opst/chiltepin/pkg/rest"
	"github.com/opst/chiltepin/pkg/utils/try"
)

func waitFor(t *testing.T, c compute.Client, id string) compute.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		st := try.To(c.Status(context.Background(), id)).OrFatal(t)
		if st.State.Terminal() {
			return st
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("task %s does not end: %+v", id, st)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestClient(t *testing.T) {
	server := computetest.NewServer("ep-1")
	defer server.Close()
	c := compute.New(server.URL)
	ctx := context.Background()

	t.Run("a succeeding task", func(t *testing.T) {
		id := try.To(c.Submit(ctx, compute.Task{Endpoint: "ep-1", Command: "true"})).OrFatal(t)
		if st := waitFor(t, c, id); st.State != compute.Succeeded || st.ExitCode != 0 {
			t.Errorf("status: %+v", st)
		}
	})

	t.Run("a failing task reports its exit code", func(t *testing.T) {
		id := try.To(c.Submit(ctx, compute.Task{Endpoint: "ep-1", Command: "exit 3"})).OrFatal(t)
		if st := waitFor(t, c, id); st.State != compute.Failed || st.ExitCode != 3 {
			t.Errorf("status: %+v", st)
		}
	})

	t.Run("a cancelled task", func(t *testing.T) {
		id := try.To(c.Submit(ctx, compute.Task{Endpoint: "ep-1", Command: "sleep 30"})).OrFatal(t)
		if err := c.Cancel(ctx, id); err != nil {
			t.Fatal(err)
		}
		if st := waitFor(t, c, id); st.State != compute.Cancelled {
			t.Errorf("status: %+v", st)
		}
	})

	t.Run("geometry is sent", func(t *testing.T) {
		g := &compute.Geometry{NumNodes: 2, NumRanks: 4, RanksPerNode: 2}
		try.To(c.Submit(ctx, compute.Task{Endpoint: "ep-1", Command: "true", Geometry: g})).OrFatal(t)
		sent := server.Submitted()
		last := sent[len(sent)-1]
		if last.Geometry == nil || *last.Geometry != *g {
			t.Errorf("geometry: %+v", last.Geometry)
		}
	})

	t.Run("an unknown endpoint is an error", func(t *testing.T) {
		_, err := c.Submit(ctx, compute.Task{Endpoint: "ep-2", Command: "true"})
		e := new(rest.Error)
		if !errors.As(err, &e) || e.StatusCode != http.StatusNotFound {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
