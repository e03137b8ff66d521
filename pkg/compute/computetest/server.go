// Package computetest is an in-memory compute service for tests.
//
// Tasks run as local bash processes.
package computetest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/opst/chiltepin/pkg/compute"
)

type Server struct {
	*httptest.Server

	// Endpoints which accept tasks. Others are rejected with 404.
	Endpoints map[string]bool

	mu        sync.Mutex
	tasks     map[string]*remoteTask
	submitted []compute.Task
}

type remoteTask struct {
	status compute.Status
	cancel context.CancelFunc
}

func NewServer(endpoints ...string) *Server {
	s := &Server{Endpoints: map[string]bool{}, tasks: map[string]*remoteTask{}}
	for _, ep := range endpoints {
		s.Endpoints[ep] = true
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.submit)
	mux.HandleFunc("GET /tasks/{id}", s.status)
	mux.HandleFunc("DELETE /tasks/{id}", s.cancel)
	s.Server = httptest.NewServer(mux)
	return s
}

// Close stops running tasks and the server.
func (s *Server) Close() {
	s.mu.Lock()
	for _, rt := range s.tasks {
		rt.cancel()
	}
	s.mu.Unlock()
	s.Server.Close()
}

// Submitted returns tasks received so far.
func (s *Server) Submitted() []compute.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]compute.Task{}, s.submitted...)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	t := compute.Task{}
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		reply(w, http.StatusBadRequest, map[string]string{"code": "BadRequest", "message": err.Error()})
		return
	}
	if !s.Endpoints[t.Endpoint] {
		reply(w, http.StatusNotFound, map[string]string{"code": "EndpointNotFound", "message": t.Endpoint})
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	rt := &remoteTask{status: compute.Status{TaskID: id, State: compute.Running}, cancel: cancel}
	s.mu.Lock()
	s.tasks[id] = rt
	s.submitted = append(s.submitted, t)
	s.mu.Unlock()

	go s.run(ctx, rt, t)
	reply(w, http.StatusOK, map[string]string{"task_id": id})
}

func (s *Server) run(ctx context.Context, rt *remoteTask, t compute.Task) {
	cmd := exec.CommandContext(ctx, "bash", "-c", t.Command)
	err := cmd.Run()

	s.mu.Lock()
	defer s.mu.Unlock()
	if rt.status.State == compute.Cancelled {
		return
	}
	ee := new(exec.ExitError)
	switch {
	case err == nil:
		rt.status.State = compute.Succeeded
	case errors.As(err, &ee):
		rt.status.State = compute.Failed
		rt.status.ExitCode = ee.ExitCode()
	default:
		rt.status.State = compute.Failed
		rt.status.ExitCode = -1
		rt.status.Exception = err.Error()
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rt, ok := s.tasks[r.PathValue("id")]
	var st compute.Status
	if ok {
		st = rt.status
	}
	s.mu.Unlock()
	if !ok {
		reply(w, http.StatusNotFound, map[string]string{"code": "TaskNotFound"})
		return
	}
	reply(w, http.StatusOK, st)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rt, ok := s.tasks[r.PathValue("id")]
	if ok && !rt.status.State.Terminal() {
		rt.status.State = compute.Cancelled
		rt.cancel()
	}
	s.mu.Unlock()
	if !ok {
		reply(w, http.StatusNotFound, map[string]string{"code": "TaskNotFound"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
