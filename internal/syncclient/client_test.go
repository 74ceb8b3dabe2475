package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scolaris/scolaris/internal/sync"
)

func TestSendReturnsOutcome(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/tenants/t1/sync/push" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(req.Events))
		}
		json.NewEncoder(w).Encode(pushResponse{Outcomes: []sync.Outcome{{
			EventID: req.Events[0].ID, Kind: sync.OutcomeAck, ServerVersion: 42,
		}}})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	out, err := c.Send(context.Background(), "t1", sync.PushEvent{ID: "e1", EntityType: "students", EntityID: "s1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.Kind != sync.OutcomeAck || out.ServerVersion != 42 {
		t.Errorf("unexpected outcome %+v", out)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusInternalServerError, sync.ErrTransient},
		{http.StatusBadGateway, sync.ErrTransient},
		{http.StatusTooManyRequests, sync.ErrTransient},
		{http.StatusBadRequest, sync.ErrPermanent},
		{http.StatusUnprocessableEntity, sync.ErrPermanent},
		{http.StatusUnauthorized, sync.ErrUnauthorized},
		{http.StatusForbidden, sync.ErrUnauthorized},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
		}))
		c := New(srv.URL, "")
		_, err := c.Send(context.Background(), "t1", sync.PushEvent{ID: "e1"})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: expected %v class, got %v", tc.status, tc.want, err)
		}
		srv.Close()
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := New(srv.URL, "")
	_, err := c.Send(context.Background(), "t1", sync.PushEvent{ID: "e1"})
	if !errors.Is(err, sync.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestChangesQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("after_seq") != "7" || q.Get("limit") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(changesResponse{Changes: []sync.EntityChange{
			{Seq: 8, EntityType: "students", EntityID: "s1", Version: 100},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	changes, err := c.Changes(context.Background(), "t1", 7, 50)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 1 || changes[0].Seq != 8 {
		t.Errorf("unexpected changes %+v", changes)
	}
}

func TestHealthCheck(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}
	healthy = false
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check failure")
	}
}
