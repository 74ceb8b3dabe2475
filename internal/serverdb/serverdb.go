// Package serverdb is the sync server's authoritative store: canonical
// entity state per tenant, a sequenced change log for client pulls, and an
// applied-event ledger that makes event application idempotent.
package serverdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/scolaris/scolaris/internal/models"
	"github.com/scolaris/scolaris/internal/sync"
)

var ErrNotFound = errors.New("not found")

// TenantStatus summarizes a tenant's server-side state.
type TenantStatus struct {
	TenantID   string `json:"tenantId"`
	EntityRows int64  `json:"entityRows"`
	LatestSeq  int64  `json:"latestSeq"`
	EventCount int64  `json:"eventCount"`
}

// DB is the server storage port. ApplyEvent is the write path: it validates
// the event, detects version conflicts and applies accepted mutations,
// returning the same outcome for a replayed event ID that the first
// delivery got.
type DB interface {
	ApplyEvent(ctx context.Context, tenantID string, ev sync.PushEvent) (*sync.Outcome, error)
	Changes(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]sync.EntityChange, bool, error)
	Status(ctx context.Context, tenantID string) (*TenantStatus, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open picks a backend from the DSN: postgres URLs and key=value DSNs go to
// Postgres, anything else is treated as a SQLite file path.
func Open(dsn string) (DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database DSN")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		return OpenPostgres(dsn)
	}
	return OpenServerSQLite(dsn)
}

// validate screens an event before it can touch state. A non-empty reason
// means permanent rejection.
func validate(ev sync.PushEvent) string {
	if ev.ID == "" {
		return "missing event id"
	}
	if !models.ValidEntityType(ev.EntityType) {
		return fmt.Sprintf("unknown entity type %q", ev.EntityType)
	}
	if ev.EntityID == "" {
		return "missing entity id"
	}
	op := models.Operation(ev.Operation)
	if !op.Valid() {
		return fmt.Sprintf("invalid operation %q", ev.Operation)
	}
	if ev.LocalVersion <= 0 {
		return "missing local version"
	}
	if op != models.OpDelete {
		if len(ev.Payload) == 0 || !json.Valid(ev.Payload) {
			return "payload is not valid JSON"
		}
	}
	return ""
}
