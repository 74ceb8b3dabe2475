// Package store provides the client-side local store: the outbox event log,
// the mirror tables, conflict records, and per-tenant sync state. Two
// backends implement the same port: a SQLite store for durable local state
// and an in-memory store for tests and capability-limited platforms.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/scolaris/scolaris/internal/models"
)

// Sentinel errors. ErrStorage wraps local persistence failures; callers that
// enqueue intent must treat it as fatal to the triggering action.
var (
	ErrStorage  = errors.New("storage error")
	ErrNotFound = errors.New("not found")
)

// storageErr tags err with ErrStorage, preserving the operation name.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// Outbox is the durable, ordered record of local mutation intent.
// All status transitions are idempotent and forward-only: applying a
// transition twice, or out of order, is a no-op rather than an error, so
// crash recovery and duplicate delivery can never corrupt state.
type Outbox interface {
	// AppendEvent adds a pending event. Never touches the network.
	AppendEvent(ev *models.OutboxEvent) error

	// PendingEvents returns events eligible for transmission for the
	// tenant, oldest first by local version: status pending, plus failed
	// non-terminal events whose retry time has come.
	PendingEvents(tenantID string, now time.Time, limit int) ([]models.OutboxEvent, error)

	// EventByID fetches a single event, ErrNotFound if absent.
	EventByID(id string) (*models.OutboxEvent, error)

	// FailedEvents returns failed events for the tenant, oldest first.
	FailedEvents(tenantID string, limit int) ([]models.OutboxEvent, error)

	// OpenEventCount counts non-acknowledged events referencing the entity.
	OpenEventCount(tenantID, entityType, entityID string) (int64, error)

	MarkSent(id string, at time.Time) error
	MarkAcknowledged(id string, at time.Time) error
	// MarkFailed records a failed attempt. nextAttempt is nil for terminal
	// (permanent) failures, which are excluded from automatic retry.
	MarkFailed(id string, errMsg string, nextAttempt *time.Time, terminal bool, at time.Time) error

	// RequeueEvent returns a failed (or stuck sent) event to pending,
	// clearing the terminal marker. Operator resubmission path.
	RequeueEvent(id string) error

	// DiscardEvent removes an event entirely. Operator discard path.
	DiscardEvent(id string) error

	// RequeueStaleSent returns events stuck in sent since before
	// staleBefore to pending (crash recovery). Returns the count requeued.
	RequeueStaleSent(tenantID string, staleBefore time.Time) (int64, error)
}

// Mirror is the local last-known-good view of entity state, readable
// offline. Writes are either optimistic (local intent, dirty) or confirmed
// (server canonical state, clean).
type Mirror interface {
	// UpsertLocal applies an optimistic local write and sets the dirty flag.
	UpsertLocal(rec *models.MirrorRecord) error

	// ApplyServer applies server-confirmed state: clears the dirty flag,
	// sets the confirmed version and refreshes the last-sync timestamp.
	ApplyServer(rec *models.MirrorRecord, at time.Time) error

	// DeleteRecord removes the entity row.
	DeleteRecord(tenantID, entityType, entityID string) error

	// SetDirty overrides the dirty flag without touching the payload.
	SetDirty(tenantID, entityType, entityID string, dirty bool) error

	// GetRecord fetches one record, ErrNotFound if absent.
	GetRecord(tenantID, entityType, entityID string) (*models.MirrorRecord, error)

	// ListRecords returns all records of one entity type for the tenant.
	ListRecords(tenantID, entityType string) ([]models.MirrorRecord, error)

	// DirtyRecords returns records whose dirty flag is set.
	DirtyRecords(tenantID, entityType string) ([]models.MirrorRecord, error)
}

// Conflicts stores detected divergences until they are resolved.
type Conflicts interface {
	AddConflict(c *models.Conflict) error
	GetConflict(id string) (*models.Conflict, error)
	ListConflicts(tenantID string) ([]models.Conflict, error)
	DeleteConflict(id string) error
}

// State tracks per-tenant sync observability counters.
type State interface {
	// SyncState returns the tenant's state, zero-valued if never synced.
	SyncState(tenantID string) (*models.SyncState, error)

	// RefreshCounters recomputes pending and conflict counts from the
	// outbox and conflict tables and persists them.
	RefreshCounters(tenantID string) (*models.SyncState, error)

	// SetSyncResult records the outcome of a sync pass.
	SetSyncResult(tenantID string, at time.Time, success bool) error

	// SetPulledSeq advances the pull cursor.
	SetPulledSeq(tenantID string, seq int64) error
}

// Store is the full local storage port.
type Store interface {
	Outbox
	Mirror
	Conflicts
	State
	Close() error
}

// Backend selects a storage implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// Config configures Open.
type Config struct {
	Backend Backend
	// Path is the SQLite database file; ignored for the memory backend.
	Path string
}

// Open creates a store for the configured backend. The set of mirror tables
// follows models.EntityTypes.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		return OpenSQLite(cfg.Path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}
