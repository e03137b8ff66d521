package rest_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opst/chiltepin/pkg/rest"
)

func TestStatusCodeRangeOf(t *testing.T) {
	for code, expected := range map[int]rest.StatusCodeRange{
		100: rest.Status1xx,
		204: rest.Status2xx,
		302: rest.Status3xx,
		404: rest.Status4xx,
		503: rest.Status5xx,
		600: rest.StatusUnknown,
	} {
		if actual := rest.StatusCodeRangeOf(&http.Response{StatusCode: code}); actual != expected {
			t.Errorf("%d: expected %s, actual %s", code, expected, actual)
		}
	}
}

func TestClient(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/echo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p := payload{}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload{Name: "hello " + p.Name})
	})
	mux.HandleFunc("GET /api/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code": "ConsentRequired", "message": "consent is needed"}`))
	})
	mux.HandleFunc("GET /api/plain", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := rest.New(server.URL+"/api/", rest.WithToken(func() (string, error) { return "secret", nil }))
	ctx := context.Background()

	t.Run("it builds paths under the root", func(t *testing.T) {
		if actual := c.Path("/tasks/", "x"); actual != server.URL+"/api/tasks/x" {
			t.Errorf("Path: %s", actual)
		}
	})

	t.Run("it sends and reads JSON with a token", func(t *testing.T) {
		out := payload{}
		if err := c.Do(ctx, http.MethodPost, c.Path("echo"), payload{Name: "world"}, &out); err != nil {
			t.Fatal(err)
		}
		if out.Name != "hello world" {
			t.Errorf("response: %+v", out)
		}
	})

	t.Run("it reads code and message of an error", func(t *testing.T) {
		err := c.Do(ctx, http.MethodGet, c.Path("broken"), nil, nil)
		e := new(rest.Error)
		if !errors.As(err, &e) {
			t.Fatalf("unexpected error: %v", err)
		}
		if e.StatusCode != http.StatusForbidden || e.Code != "ConsentRequired" || e.Message != "consent is needed" {
			t.Errorf("error: %+v", e)
		}
	})

	t.Run("it keeps a body which is not JSON", func(t *testing.T) {
		err := c.Do(ctx, http.MethodGet, c.Path("plain"), nil, nil)
		e := new(rest.Error)
		if !errors.As(err, &e) {
			t.Fatalf("unexpected error: %v", err)
		}
		if e.StatusCode != http.StatusInternalServerError || e.Body != "boom" {
			t.Errorf("error: %+v", e)
		}
	})
}
