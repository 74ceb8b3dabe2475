package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/scolaris/scolaris/internal/serverdb"
	"github.com/scolaris/scolaris/internal/sync"
)

func setupServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	db, err := serverdb.OpenServerSQLite(":memory:")
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{ListenAddr: ":0", APIKey: apiKey}, db, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, apiKey string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupServer(t, "key")
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", resp.StatusCode)
	}
}

func TestPushRequiresAuth(t *testing.T) {
	ts := setupServer(t, "key")
	body := map[string]any{"events": []map[string]any{{
		"id": uuid.NewString(), "entityType": "students", "entityId": "s1",
		"operation": "update", "payload": map[string]any{"n": 1}, "localVersion": 100,
	}}}

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/tenants/t1/sync/push", "", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/tenants/t1/sync/push", "wrong", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/tenants/t1/sync/push", "key", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", resp.StatusCode)
	}
}

func TestPushValidation(t *testing.T) {
	ts := setupServer(t, "key")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/tenants/t1/sync/push", "key",
		map[string]any{"events": []map[string]any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty batch should be rejected, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/tenants/t1/sync/push", "key",
		map[string]any{"events": []map[string]any{{
			"id": uuid.NewString(), "entityType": "students", "entityId": "s1",
			"operation": "teleport", "localVersion": 100,
		}}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid operation should be rejected, got %d", resp.StatusCode)
	}
}

func TestPushAndChangesRoundTrip(t *testing.T) {
	ts := setupServer(t, "key")
	evID := uuid.NewString()

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/v1/tenants/t1/sync/push", "key",
		map[string]any{"events": []map[string]any{{
			"id": evID, "entityType": "students", "entityId": "s1",
			"operation": "create", "payload": map[string]any{"name": "Ada"}, "localVersion": 100,
		}}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push: %d %s", resp.StatusCode, data)
	}
	var pr pushResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		t.Fatalf("decode push response: %v", err)
	}
	if len(pr.Outcomes) != 1 || pr.Outcomes[0].Kind != sync.OutcomeAck {
		t.Fatalf("expected single ack, got %+v", pr.Outcomes)
	}
	if pr.Outcomes[0].EventID != evID {
		t.Errorf("outcome should reference the pushed event")
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/tenants/t1/sync/changes?after_seq=0&limit=10", "key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("changes: %d %s", resp.StatusCode, data)
	}
	var cr changesResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		t.Fatalf("decode changes response: %v", err)
	}
	if len(cr.Changes) != 1 || cr.Changes[0].EntityID != "s1" || cr.HasMore {
		t.Fatalf("unexpected changes %+v", cr)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/v1/tenants/t1/sync/status", "key", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", resp.StatusCode, data)
	}
	var st serverdb.TenantStatus
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.EntityRows != 1 || st.EventCount != 1 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestChangesRejectsBadQuery(t *testing.T) {
	ts := setupServer(t, "")
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/tenants/t1/sync/changes?after_seq=banana", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad after_seq, got %d", resp.StatusCode)
	}
}
