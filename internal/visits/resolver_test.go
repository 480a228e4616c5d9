package visits_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-fleet/internal/visits"
)

func TestHTTPResolver_Match(t *testing.T) {
	person := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/identities/resolve" {
			t.Errorf("Wrong path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Token secret" {
			t.Errorf("Wrong auth header: %q", got)
		}

		var req struct {
			Embedding []float32 `json:"embedding"`
			StaffHint bool      `json:"staff_hint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Bad request body: %v", err)
		}
		if !req.StaffHint || len(req.Embedding) != 3 {
			t.Errorf("Request fields lost: %+v", req)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"matched":     true,
			"person_id":   person,
			"person_type": "staff",
			"confidence":  0.87,
		})
	}))
	defer srv.Close()

	r := visits.NewHTTPResolver(srv.URL, "secret", time.Second)
	identity, err := r.Resolve(context.Background(), []float32{1, 2, 3}, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if identity.PersonID != person || identity.PersonType != "staff" || identity.Confidence != 0.87 {
		t.Errorf("Unexpected identity: %+v", identity)
	}
}

func TestHTTPResolver_NoMatch(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"404": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		},
		"matched=false": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"matched": false})
		},
	}

	for name, handler := range cases {
		srv := httptest.NewServer(handler)
		r := visits.NewHTTPResolver(srv.URL, "", time.Second)
		_, err := r.Resolve(context.Background(), []float32{1}, false)
		srv.Close()
		if !errors.Is(err, visits.ErrNoMatch) {
			t.Errorf("%s: expected ErrNoMatch, got %v", name, err)
		}
	}
}

func TestHTTPResolver_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := visits.NewHTTPResolver(srv.URL, "", time.Second)
	_, err := r.Resolve(context.Background(), []float32{1}, false)
	if !errors.Is(err, visits.ErrResolverUnhealthy) {
		t.Errorf("Expected ErrResolverUnhealthy, got %v", err)
	}
}

func TestHTTPResolver_Unreachable(t *testing.T) {
	r := visits.NewHTTPResolver("http://127.0.0.1:1", "", 200*time.Millisecond)
	_, err := r.Resolve(context.Background(), []float32{1}, false)
	if !errors.Is(err, visits.ErrResolverUnhealthy) {
		t.Errorf("Expected ErrResolverUnhealthy, got %v", err)
	}
}
