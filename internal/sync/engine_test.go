package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/scolaris/scolaris/internal/models"
	"github.com/scolaris/scolaris/internal/store"
)

const testTenant = "t1"

// fakeTransport scripts per-event outcomes and records send order.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []PushEvent
	send     func(ev PushEvent) (*Outcome, error)
	changes  []EntityChange
	changeFn func(afterSeq int64, limit int) ([]EntityChange, error)
}

func (f *fakeTransport) Send(_ context.Context, _ string, ev PushEvent) (*Outcome, error) {
	f.mu.Lock()
	f.sent = append(f.sent, ev)
	f.mu.Unlock()
	if f.send != nil {
		return f.send(ev)
	}
	return &Outcome{EventID: ev.ID, Kind: OutcomeAck, ServerVersion: ev.LocalVersion, State: ev.Payload}, nil
}

func (f *fakeTransport) Changes(_ context.Context, _ string, afterSeq int64, limit int) ([]EntityChange, error) {
	if f.changeFn != nil {
		return f.changeFn(afterSeq, limit)
	}
	var out []EntityChange
	for _, ch := range f.changes {
		if ch.Seq > afterSeq {
			out = append(out, ch)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeTransport) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.sent))
	for i, ev := range f.sent {
		ids[i] = ev.ID
	}
	return ids
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupEngine(t *testing.T, tr Transport) (*Engine, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	e := New(st, tr, Config{}, testLogger())
	return e, st
}

func TestRecordIsOfflineDurable(t *testing.T) {
	tr := &fakeTransport{
		send: func(PushEvent) (*Outcome, error) {
			return nil, fmt.Errorf("%w: connection refused", ErrTransient)
		},
	}
	e, st := setupEngine(t, tr)

	ev, err := e.Record(testTenant, "students", "s1", models.OpCreate, json.RawMessage(`{"name":"Ada"}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	// The mutation survives regardless of the network being down.
	got, err := st.EventByID(ev.ID)
	if err != nil {
		t.Fatalf("event by id: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("expected pending event, got %s", got.Status)
	}
	rec, err := st.GetRecord(testTenant, "students", "s1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !rec.IsDirty {
		t.Error("optimistic write should be dirty")
	}

	report, err := e.Sync(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("expected 1 failed send, got %d", report.Failed)
	}
	got, err = st.EventByID(ev.ID)
	if err != nil {
		t.Fatalf("event by id: %v", err)
	}
	if got.Status != models.StatusFailed || got.Terminal {
		t.Errorf("transient failure should leave a retryable failed event, got status=%s terminal=%v",
			got.Status, got.Terminal)
	}
	if got.NextAttemptAt == nil {
		t.Error("expected a scheduled retry time")
	}
}

func TestRecordRefreshesPendingCounter(t *testing.T) {
	e, st := setupEngine(t, &fakeTransport{})

	for i := 0; i < 2; i++ {
		if _, err := e.Record(testTenant, "grades", "g1", models.OpUpdate,
			json.RawMessage(fmt.Sprintf(`{"score":%d}`, i))); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	// The persisted counter is current without anyone recomputing it first.
	state, err := st.SyncState(testTenant)
	if err != nil {
		t.Fatalf("sync state: %v", err)
	}
	if state.PendingEventsCount != 2 {
		t.Errorf("expected pending count 2 after two records, got %d", state.PendingEventsCount)
	}
}

func TestSyncAckConvergesMirror(t *testing.T) {
	serverState := json.RawMessage(`{"name":"Ada Lovelace","normalized":true}`)
	tr := &fakeTransport{
		send: func(ev PushEvent) (*Outcome, error) {
			return &Outcome{EventID: ev.ID, Kind: OutcomeAck, ServerVersion: ev.LocalVersion, State: serverState}, nil
		},
	}
	e, st := setupEngine(t, tr)

	ev, err := e.Record(testTenant, "students", "s1", models.OpCreate, json.RawMessage(`{"name":"Ada"}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	report, err := e.Sync(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Acked != 1 {
		t.Fatalf("expected 1 ack, got %d", report.Acked)
	}

	got, err := st.EventByID(ev.ID)
	if err != nil {
		t.Fatalf("event by id: %v", err)
	}
	if got.Status != models.StatusAcknowledged {
		t.Errorf("expected acknowledged, got %s", got.Status)
	}
	rec, err := st.GetRecord(testTenant, "students", "s1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.IsDirty {
		t.Error("acked entity should be clean")
	}
	if string(rec.Payload) != string(serverState) {
		t.Errorf("mirror should hold server canonical state, got %s", rec.Payload)
	}
}

func TestDrainPreservesPerEntityOrder(t *testing.T) {
	tr := &fakeTransport{}
	e, st := setupEngine(t, tr)

	var ids []string
	for i := 0; i < 3; i++ {
		ev, err := e.Record(testTenant, "grades", "g1", models.OpUpdate,
			json.RawMessage(fmt.Sprintf(`{"score":%d}`, i)))
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		ids = append(ids, ev.ID)
	}
	if _, err := e.Sync(context.Background(), testTenant); err != nil {
		t.Fatalf("sync: %v", err)
	}

	sent := tr.sentIDs()
	if len(sent) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(sent))
	}
	for i, id := range ids {
		if sent[i] != id {
			t.Fatalf("events sent out of order: got %v, want %v", sent, ids)
		}
	}
	// After all three acks the entity holds the final state, clean.
	rec, err := st.GetRecord(testTenant, "grades", "g1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.IsDirty {
		t.Error("fully drained entity should be clean")
	}
	if string(rec.Payload) != `{"score":2}` {
		t.Errorf("expected final write to win, got %s", rec.Payload)
	}
}

func TestFailureBlocksEntityNotOthers(t *testing.T) {
	tr := &fakeTransport{}
	e, st := setupEngine(t, tr)

	bad1, err := e.Record(testTenant, "students", "s1", models.OpUpdate, json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	bad2, err := e.Record(testTenant, "students", "s1", models.OpUpdate, json.RawMessage(`{"v":2}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	good, err := e.Record(testTenant, "payments", "p1", models.OpCreate, json.RawMessage(`{"amount":10}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	tr.send = func(ev PushEvent) (*Outcome, error) {
		if ev.EntityID == "s1" {
			return nil, fmt.Errorf("%w: gateway timeout", ErrTransient)
		}
		return &Outcome{EventID: ev.ID, Kind: OutcomeAck, ServerVersion: ev.LocalVersion, State: ev.Payload}, nil
	}

	report, err := e.Sync(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Acked != 1 || report.Failed != 1 || report.Deferred != 1 {
		t.Fatalf("expected acked=1 failed=1 deferred=1, got %+v", report)
	}

	// The second event for the failed entity was never attempted.
	for _, id := range tr.sentIDs() {
		if id == bad2.ID {
			t.Fatal("later event for a failed entity must not be sent in the same pass")
		}
	}
	gotBad, _ := st.EventByID(bad1.ID)
	if gotBad.Status != models.StatusFailed {
		t.Errorf("expected failed, got %s", gotBad.Status)
	}
	gotGood, _ := st.EventByID(good.ID)
	if gotGood.Status != models.StatusAcknowledged {
		t.Errorf("independent entity should still sync, got %s", gotGood.Status)
	}
}

func TestSyncIsSingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	tr := &fakeTransport{
		send: func(ev PushEvent) (*Outcome, error) {
			close(started)
			<-release
			return &Outcome{EventID: ev.ID, Kind: OutcomeAck, ServerVersion: ev.LocalVersion}, nil
		},
	}
	e, _ := setupEngine(t, tr)
	if _, err := e.Record(testTenant, "staff", "x1", models.OpCreate, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("record: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Sync(context.Background(), testTenant)
		done <- err
	}()
	<-started

	if _, err := e.Sync(context.Background(), testTenant); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first sync: %v", err)
	}
}

func TestConflictParksEventAndBlocksEntity(t *testing.T) {
	serverState := json.RawMessage(`{"name":"Grace","room":"B2"}`)
	tr := &fakeTransport{
		send: func(ev PushEvent) (*Outcome, error) {
			return &Outcome{
				EventID: ev.ID, Kind: OutcomeConflict,
				ServerVersion: ev.LocalVersion + 500, State: serverState,
			}, nil
		},
	}
	e, st := setupEngine(t, tr)

	ev, err := e.Record(testTenant, "students", "s1", models.OpUpdate, json.RawMessage(`{"name":"Grace","room":"A1"}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	report, err := e.Sync(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Conflicts != 1 {
		t.Fatalf("expected 1 conflict, got %d", report.Conflicts)
	}

	conflicts, err := st.ListConflicts(testTenant)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected stored conflict, got %d", len(conflicts))
	}
	if conflicts[0].EventID != ev.ID {
		t.Errorf("conflict should reference the parked event")
	}

	// A follow-up event for the same entity is deferred while the
	// conflict stands.
	if _, err := e.Record(testTenant, "students", "s1", models.OpUpdate, json.RawMessage(`{"room":"C3"}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	before := len(tr.sentIDs())
	report, err = e.Sync(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(tr.sentIDs()) != before {
		t.Error("no events for a conflicted entity should be transmitted")
	}
	if report.Deferred != 1 {
		t.Errorf("expected 1 deferred event, got %d", report.Deferred)
	}
}

func TestRejectedEventIsTerminal(t *testing.T) {
	tr := &fakeTransport{
		send: func(ev PushEvent) (*Outcome, error) {
			return &Outcome{EventID: ev.ID, Kind: OutcomeRejected, Reason: "unknown guardian reference"}, nil
		},
	}
	e, st := setupEngine(t, tr)

	ev, err := e.Record(testTenant, "enrollments", "e1", models.OpCreate, json.RawMessage(`{"guardian":"nope"}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	report, err := e.Sync(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Rejected != 1 {
		t.Fatalf("expected 1 rejection, got %d", report.Rejected)
	}

	got, err := st.EventByID(ev.ID)
	if err != nil {
		t.Fatalf("event by id: %v", err)
	}
	if got.Status != models.StatusFailed || !got.Terminal {
		t.Errorf("rejection should park the event terminally, got status=%s terminal=%v", got.Status, got.Terminal)
	}
	if got.ErrorMessage != "unknown guardian reference" {
		t.Errorf("expected server reason recorded, got %q", got.ErrorMessage)
	}

	// Terminal events never come back on their own.
	before := len(tr.sentIDs())
	if _, err := e.Sync(context.Background(), testTenant); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(tr.sentIDs()) != before {
		t.Error("terminal event must not be retransmitted automatically")
	}
}

func TestStaleSentRecoveredOnSync(t *testing.T) {
	tr := &fakeTransport{}
	e, st := setupEngine(t, tr)

	ev, err := e.Record(testTenant, "incidents", "i1", models.OpCreate, json.RawMessage(`{"kind":"late"}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	// Simulate a crash mid-transmit: sent long ago, no outcome recorded.
	if err := st.MarkSent(ev.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	report, err := e.Sync(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Acked != 1 {
		t.Fatalf("recovered event should be retransmitted and acked, got %+v", report)
	}
}

func TestPullAppliesConfirmedChanges(t *testing.T) {
	tr := &fakeTransport{
		changes: []EntityChange{
			{Seq: 1, EntityType: "students", EntityID: "s9", Version: 500, State: json.RawMessage(`{"name":"Remote"}`)},
			{Seq: 2, EntityType: "students", EntityID: "s8", Version: 600, Deleted: true},
		},
	}
	e, st := setupEngine(t, tr)

	// Pre-existing local row for the entity the server deleted.
	if err := st.ApplyServer(&models.MirrorRecord{
		TenantID: testTenant, EntityType: "students", EntityID: "s8",
		Payload: json.RawMessage(`{"name":"Old"}`), Version: 100,
	}, time.Now()); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	report, err := e.Sync(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pulled != 2 {
		t.Fatalf("expected 2 pulled changes, got %d", report.Pulled)
	}

	rec, err := st.GetRecord(testTenant, "students", "s9")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.IsDirty || rec.Version != 500 {
		t.Errorf("pulled record should be clean at server version, got dirty=%v version=%d", rec.IsDirty, rec.Version)
	}
	if _, err := st.GetRecord(testTenant, "students", "s8"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("tombstone should remove the record, got %v", err)
	}

	st2, err := st.SyncState(testTenant)
	if err != nil {
		t.Fatalf("sync state: %v", err)
	}
	if st2.LastPulledServerSeq != 2 {
		t.Errorf("expected pull cursor at 2, got %d", st2.LastPulledServerSeq)
	}

	// A second pass pulls nothing new.
	report, err = e.Sync(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pulled != 0 {
		t.Errorf("expected no repeated pulls, got %d", report.Pulled)
	}
}

func TestPullSkipsEntitiesWithLocalIntent(t *testing.T) {
	local := json.RawMessage(`{"name":"Mine"}`)
	tr := &fakeTransport{
		send: func(ev PushEvent) (*Outcome, error) {
			return nil, fmt.Errorf("%w: still down", ErrTransient)
		},
		changes: []EntityChange{
			{Seq: 1, EntityType: "students", EntityID: "s1", Version: 900, State: json.RawMessage(`{"name":"Theirs"}`)},
		},
	}
	e, st := setupEngine(t, tr)

	if _, err := e.Record(testTenant, "students", "s1", models.OpUpdate, local); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Drain fails transiently, then pull runs; the dirty entity keeps its
	// local view.
	if _, err := e.Sync(context.Background(), testTenant); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rec, err := st.GetRecord(testTenant, "students", "s1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !rec.IsDirty || string(rec.Payload) != string(local) {
		t.Errorf("local intent must not be overwritten by pull, got dirty=%v payload=%s", rec.IsDirty, rec.Payload)
	}
}

func TestAckKeepsDirtyWhileNewerEventsQueued(t *testing.T) {
	// Only the first event succeeds; the second stays queued.
	first := true
	tr := &fakeTransport{}
	tr.send = func(ev PushEvent) (*Outcome, error) {
		if first {
			first = false
			return &Outcome{EventID: ev.ID, Kind: OutcomeAck, ServerVersion: ev.LocalVersion, State: ev.Payload}, nil
		}
		return nil, fmt.Errorf("%w: flaky", ErrTransient)
	}
	e, st := setupEngine(t, tr)

	if _, err := e.Record(testTenant, "grades", "g1", models.OpUpdate, json.RawMessage(`{"score":1}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := e.Record(testTenant, "grades", "g1", models.OpUpdate, json.RawMessage(`{"score":2}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := e.Sync(context.Background(), testTenant); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rec, err := st.GetRecord(testTenant, "grades", "g1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !rec.IsDirty {
		t.Error("entity with queued events must stay dirty after a partial ack")
	}
}

func TestAckOfOlderEventKeepsNewerLocalPayload(t *testing.T) {
	// The server acks the first write with its canonical state; the second
	// write stays queued behind a transient failure.
	newer := json.RawMessage(`{"score":2}`)
	first := true
	tr := &fakeTransport{}
	tr.send = func(ev PushEvent) (*Outcome, error) {
		if first {
			first = false
			return &Outcome{EventID: ev.ID, Kind: OutcomeAck, ServerVersion: 400,
				State: json.RawMessage(`{"score":1,"normalized":true}`)}, nil
		}
		return nil, fmt.Errorf("%w: flaky", ErrTransient)
	}
	e, st := setupEngine(t, tr)

	if _, err := e.Record(testTenant, "grades", "g1", models.OpUpdate, json.RawMessage(`{"score":1}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := e.Record(testTenant, "grades", "g1", models.OpUpdate, newer); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := e.Sync(context.Background(), testTenant); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// The local view never steps back to the older event's state; only the
	// confirmed version is recorded.
	rec, err := st.GetRecord(testTenant, "grades", "g1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if string(rec.Payload) != string(newer) {
		t.Errorf("ack of an older event must not overwrite the newer local payload, got %s", rec.Payload)
	}
	if !rec.IsDirty || rec.Version != 400 {
		t.Errorf("expected dirty record at confirmed version 400, got dirty=%v version=%d",
			rec.IsDirty, rec.Version)
	}
}
