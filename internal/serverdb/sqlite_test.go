package serverdb

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/scolaris/scolaris/internal/sync"
)

func setupDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := OpenServerSQLite(":memory:")
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func pushEvent(entityType, entityID string, version int64, payload string) sync.PushEvent {
	return sync.PushEvent{
		ID:           uuid.NewString(),
		EntityType:   entityType,
		EntityID:     entityID,
		Operation:    "update",
		Payload:      json.RawMessage(payload),
		LocalVersion: version,
	}
}

func TestApplyEventAckAndReplay(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	ev := pushEvent("students", "s1", 100, `{"name":"Ada"}`)
	out, err := db.ApplyEvent(ctx, "t1", ev)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Kind != sync.OutcomeAck || out.ServerVersion != 100 {
		t.Fatalf("expected ack at version 100, got %+v", out)
	}

	// Move the entity forward, then replay the first delivery. The replay
	// must re-ack without rolling the entity back.
	ev2 := pushEvent("students", "s1", 200, `{"name":"Ada Lovelace"}`)
	if _, err := db.ApplyEvent(ctx, "t1", ev2); err != nil {
		t.Fatalf("apply second: %v", err)
	}
	replay, err := db.ApplyEvent(ctx, "t1", ev)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Kind != sync.OutcomeAck {
		t.Fatalf("replay should re-ack, got %+v", replay)
	}
	if replay.ServerVersion != 200 {
		t.Errorf("replay should carry current version 200, got %d", replay.ServerVersion)
	}
	if string(replay.State) != `{"name":"Ada Lovelace"}` {
		t.Errorf("replay should carry current state, got %s", replay.State)
	}

	// Replay must not add a change row.
	changes, _, err := db.Changes(ctx, "t1", 0, 100)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 2 {
		t.Errorf("expected 2 change rows, got %d", len(changes))
	}
}

func TestApplyEventVersionConflict(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	if _, err := db.ApplyEvent(ctx, "t1", pushEvent("grades", "g1", 500, `{"score":9}`)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	stale := pushEvent("grades", "g1", 300, `{"score":7}`)
	out, err := db.ApplyEvent(ctx, "t1", stale)
	if err != nil {
		t.Fatalf("apply stale: %v", err)
	}
	if out.Kind != sync.OutcomeConflict {
		t.Fatalf("expected conflict, got %+v", out)
	}
	if out.ServerVersion != 500 || string(out.State) != `{"score":9}` {
		t.Errorf("conflict should carry server version and state, got %+v", out)
	}

	// Equal version passes: the event was produced against current state.
	equal := pushEvent("grades", "g1", 500, `{"score":10}`)
	out, err = db.ApplyEvent(ctx, "t1", equal)
	if err != nil {
		t.Fatalf("apply equal: %v", err)
	}
	if out.Kind != sync.OutcomeAck {
		t.Fatalf("equal-version event should ack, got %+v", out)
	}
}

func TestApplyEventRejectsInvalid(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	cases := []sync.PushEvent{
		{ID: uuid.NewString(), EntityType: "spaceships", EntityID: "x", Operation: "update", Payload: json.RawMessage(`{}`), LocalVersion: 1},
		{ID: uuid.NewString(), EntityType: "students", EntityID: "", Operation: "update", Payload: json.RawMessage(`{}`), LocalVersion: 1},
		{ID: uuid.NewString(), EntityType: "students", EntityID: "s1", Operation: "explode", Payload: json.RawMessage(`{}`), LocalVersion: 1},
		{ID: uuid.NewString(), EntityType: "students", EntityID: "s1", Operation: "update", Payload: json.RawMessage(`{broken`), LocalVersion: 1},
		{ID: uuid.NewString(), EntityType: "students", EntityID: "s1", Operation: "update", Payload: json.RawMessage(`{}`), LocalVersion: 0},
	}
	for i, ev := range cases {
		out, err := db.ApplyEvent(ctx, "t1", ev)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if out.Kind != sync.OutcomeRejected || out.Reason == "" {
			t.Errorf("case %d: expected rejection with reason, got %+v", i, out)
		}
	}
}

func TestDeleteProducesTombstone(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	if _, err := db.ApplyEvent(ctx, "t1", pushEvent("students", "s1", 100, `{"name":"Ada"}`)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	del := sync.PushEvent{
		ID: uuid.NewString(), EntityType: "students", EntityID: "s1",
		Operation: "delete", LocalVersion: 200,
	}
	out, err := db.ApplyEvent(ctx, "t1", del)
	if err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if out.Kind != sync.OutcomeAck || len(out.State) != 0 {
		t.Fatalf("delete ack should carry no state, got %+v", out)
	}

	changes, _, err := db.Changes(ctx, "t1", 0, 100)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	last := changes[len(changes)-1]
	if !last.Deleted {
		t.Error("expected tombstone change")
	}

	st, err := db.Status(ctx, "t1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.EntityRows != 0 {
		t.Errorf("deleted entity should not count, got %d", st.EntityRows)
	}
	if st.EventCount != 2 {
		t.Errorf("expected 2 applied events, got %d", st.EventCount)
	}
}

func TestChangesPagingAndTenantIsolation(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ev := pushEvent("students", uuid.NewString(), int64(i*100), `{"n":1}`)
		if _, err := db.ApplyEvent(ctx, "t1", ev); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if _, err := db.ApplyEvent(ctx, "t2", pushEvent("students", "other", 100, `{"n":2}`)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	page1, hasMore, err := db.Changes(ctx, "t1", 0, 3)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(page1) != 3 || !hasMore {
		t.Fatalf("expected first page of 3 with more, got %d hasMore=%v", len(page1), hasMore)
	}
	page2, hasMore, err := db.Changes(ctx, "t1", page1[2].Seq, 3)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(page2) != 2 || hasMore {
		t.Fatalf("expected final page of 2, got %d hasMore=%v", len(page2), hasMore)
	}
	for _, ch := range append(page1, page2...) {
		if ch.EntityID == "other" {
			t.Fatal("changes leaked across tenants")
		}
	}
}
