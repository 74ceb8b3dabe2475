// Package models defines the core types of the sync engine: outbox events,
// mirror records, conflicts, and per-tenant sync state. Domain payloads are
// opaque JSON; the sync core never interprets them.
package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation an outbox event carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// EventStatus is the lifecycle state of an outbox event. Status only moves
// forward: pending -> sent -> {acknowledged | failed}. Failed events may be
// retried and pass through pending/sent again; acknowledged is terminal.
type EventStatus string

const (
	StatusPending      EventStatus = "pending"
	StatusSent         EventStatus = "sent"
	StatusAcknowledged EventStatus = "acknowledged"
	StatusFailed       EventStatus = "failed"
)

// OutboxEvent is a durable record of a local mutation awaiting delivery.
// The ID is client-generated and stable across retries so the server can
// deduplicate replays.
type OutboxEvent struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	LocalVersion  int64           `json:"local_version"`
	Status        EventStatus     `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	// Terminal marks a failed event that is not retried automatically
	// (permanent validation failure). It stays failed until an operator
	// resubmits or discards it.
	Terminal  bool       `json:"terminal,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

// EntityKey returns the per-entity ordering key for the event.
func (ev *OutboxEvent) EntityKey() string {
	return ev.EntityType + "/" + ev.EntityID
}

// MirrorRecord is the local last-known-good state of one entity instance
// plus the two sync-control fields. IsDirty is true exactly while at least
// one non-acknowledged outbox event references the entity.
type MirrorRecord struct {
	TenantID   string          `json:"tenant_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	// Version is the last server-confirmed version; zero until first ack.
	Version  int64      `json:"version"`
	IsDirty  bool       `json:"is_dirty"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// Resolution is the terminal outcome chosen for a conflict.
type Resolution string

const (
	ResolveServer Resolution = "server"
	ResolveClient Resolution = "client"
	ResolveMerge  Resolution = "merge"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolveServer, ResolveClient, ResolveMerge:
		return true
	}
	return false
}

// Conflict captures a detected divergence between a held outbox event and
// the server's current state. It exists until resolved; while it exists no
// further events for the same entity are transmitted.
type Conflict struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	EventID       string          `json:"event_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	LocalVersion  int64           `json:"local_version"`
	ServerVersion int64           `json:"server_version"`
	LocalData     json.RawMessage `json:"local_data,omitempty"`
	ServerData    json.RawMessage `json:"server_data,omitempty"`
	DetectedAt    time.Time       `json:"detected_at"`
}

// EntityKey returns the per-entity blocking key for the conflict.
func (c *Conflict) EntityKey() string {
	return c.EntityType + "/" + c.EntityID
}

// SyncState is per-tenant observability state. It is recomputed after every
// outbox mutation and sync pass and is never used for correctness.
type SyncState struct {
	TenantID            string     `json:"tenant_id"`
	PendingEventsCount  int64      `json:"pending_events_count"`
	ConflictCount       int64      `json:"conflict_count"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	LastSyncSuccess     bool       `json:"last_sync_success"`
	LastPulledServerSeq int64      `json:"last_pulled_server_seq"`
}

// EntityTypes is the set of mirrored entity kinds the platform syncs.
// Payloads stay opaque; the list only scopes storage layout and validation.
var EntityTypes = []string{
	"students",
	"guardians",
	"enrollments",
	"grades",
	"payments",
	"invoices",
	"staff",
	"incidents",
}

// ValidEntityType reports whether et is a registered entity type.
func ValidEntityType(et string) bool {
	for _, t := range EntityTypes {
		if t == et {
			return true
		}
	}
	return false
}
