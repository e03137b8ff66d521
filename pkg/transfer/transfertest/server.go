// Package transfertest is an in-memory transfer service for tests.
package transfertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opst/chiltepin/pkg/transfer"
)

type Server struct {
	*httptest.Server

	mu        sync.Mutex
	endpoints []transfer.Endpoint
	polls     int
	outcome   transfer.Status
	consent   bool
	tasks     map[string]int
	submitted []transfer.Document
}

// NewServer starts a service knowing endpoints.
//
// Tasks succeed at the first poll unless configured otherwise.
func NewServer(endpoints ...transfer.Endpoint) *Server {
	s := &Server{
		endpoints: endpoints,
		outcome:   transfer.Succeeded,
		tasks:     map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /endpoint_search", s.search)
	mux.HandleFunc("POST /transfer", s.submit)
	mux.HandleFunc("POST /delete", s.submit)
	mux.HandleFunc("GET /task/{id}", s.task)
	s.Server = httptest.NewServer(mux)
	return s
}

// Outcome makes tasks end with status after polled n times.
func (s *Server) Outcome(status transfer.Status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = status
	s.polls = n
}

// RequireConsent makes submissions fail with ConsentRequired.
func (s *Server) RequireConsent(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consent = b
}

func (s *Server) Submitted() []transfer.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transfer.Document{}, s.submitted...)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("filter_fulltext")
	s.mu.Lock()
	found := []transfer.Endpoint{}
	for _, ep := range s.endpoints {
		if strings.Contains(ep.DisplayName, text) || strings.Contains(ep.ID, text) {
			found = append(found, ep)
		}
	}
	s.mu.Unlock()
	reply(w, http.StatusOK, map[string]any{"DATA": found})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	doc := transfer.Document{}
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		reply(w, http.StatusBadRequest, map[string]string{"code": "BadRequest", "message": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consent {
		reply(w, http.StatusForbidden, map[string]string{
			"code":    "ConsentRequired",
			"message": "Missing required data_access consent",
		})
		return
	}
	id := uuid.NewString()
	s.tasks[id] = 0
	s.submitted = append(s.submitted, doc)
	reply(w, http.StatusAccepted, map[string]string{"task_id": id, "code": "Accepted"})
}

func (s *Server) task(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	polled, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		reply(w, http.StatusNotFound, map[string]string{"code": "TaskNotFound"})
		return
	}
	s.tasks[id] = polled + 1
	outcome, polls := s.outcome, s.polls
	s.mu.Unlock()

	t := transfer.Task{TaskID: id, Status: transfer.Active}
	if polls <= polled {
		t.Status = outcome
	}
	if t.Status == transfer.Failed {
		t.FatalError = &transfer.FatalError{Code: "PERMISSION_DENIED", Description: "permission denied"}
	}
	reply(w, http.StatusOK, t)
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
