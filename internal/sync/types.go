// Package sync implements the client-side synchronization engine: draining
// the outbox against a remote transport, pulling confirmed changes into the
// mirror, and resolving conflicts between local intent and server state.
package sync

import (
	"context"
	"encoding/json"
	"time"
)

// OutcomeKind classifies the server's response to a transmitted event.
type OutcomeKind string

const (
	// OutcomeAck means the server applied the event.
	OutcomeAck OutcomeKind = "ack"
	// OutcomeConflict means the server holds a newer version of the entity.
	OutcomeConflict OutcomeKind = "conflict"
	// OutcomeRejected means the server refused the event permanently.
	OutcomeRejected OutcomeKind = "rejected"
)

// Outcome is the server's verdict on a single event.
type Outcome struct {
	EventID       string          `json:"eventId"`
	Kind          OutcomeKind     `json:"kind"`
	ServerVersion int64           `json:"serverVersion,omitempty"`
	// State is the server's canonical entity state after (ack) or instead
	// of (conflict) applying the event. Empty for deletes.
	State  json.RawMessage `json:"state,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// EntityChange is one confirmed server-side change streamed to clients.
type EntityChange struct {
	Seq        int64           `json:"seq"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted"`
	State      json.RawMessage `json:"state,omitempty"`
}

// Transport carries events to and from the remote end. Implementations
// wrap failures in ErrTransient, ErrPermanent or ErrUnauthorized so the
// engine can schedule retries correctly.
type Transport interface {
	// Send transmits one event and returns the server's verdict.
	Send(ctx context.Context, tenantID string, ev PushEvent) (*Outcome, error)

	// Changes returns confirmed changes after the given sequence number.
	Changes(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]EntityChange, error)
}

// PushEvent is the wire form of an outbox event.
type PushEvent struct {
	ID           string          `json:"id"`
	EntityType   string          `json:"entityType"`
	EntityID     string          `json:"entityId"`
	Operation    string          `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	LocalVersion int64           `json:"localVersion"`
}

// MergeFunc combines divergent local and server states into one payload.
// Registered per entity type; the resolver refuses merge resolution for
// entity types with no registered function.
type MergeFunc func(local, server json.RawMessage) (json.RawMessage, error)

// Report summarizes one sync pass.
type Report struct {
	Acked     int
	Conflicts int
	Failed    int
	Rejected  int
	Deferred  int
	Pulled    int
	StartedAt time.Time
	Duration  time.Duration
}

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	// BatchSize caps events fetched per drain pass.
	BatchSize int
	// BackoffBase is the delay before the first retry; each subsequent
	// failure doubles it up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// SendTimeout bounds a single transmit round trip.
	SendTimeout time.Duration
	// SentStaleAfter is how long an event may sit in sent before crash
	// recovery returns it to pending.
	SentStaleAfter time.Duration
	// PullLimit caps confirmed changes fetched per page.
	PullLimit int
}

const (
	defaultBatchSize      = 100
	defaultBackoffBase    = 2 * time.Second
	defaultBackoffMax     = 5 * time.Minute
	defaultSendTimeout    = 15 * time.Second
	defaultSentStaleAfter = 5 * time.Minute
	defaultPullLimit      = 200
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.SentStaleAfter <= 0 {
		c.SentStaleAfter = defaultSentStaleAfter
	}
	if c.PullLimit <= 0 {
		c.PullLimit = defaultPullLimit
	}
	return c
}
