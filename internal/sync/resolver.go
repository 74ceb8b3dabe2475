package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/scolaris/scolaris/internal/models"
	"github.com/scolaris/scolaris/internal/store"
)

var (
	// ErrNoMergeFunc is returned when merge resolution is requested for an
	// entity type with no registered merge function.
	ErrNoMergeFunc = errors.New("no merge function registered")
)

// Resolver applies operator decisions to stored conflicts. Every path ends
// with the conflict deleted and the entity unblocked for the next pass.
type Resolver struct {
	engine *Engine

	mu     sync.RWMutex
	merges map[string]MergeFunc
}

func newResolver(e *Engine) *Resolver {
	return &Resolver{
		engine: e,
		merges: make(map[string]MergeFunc),
	}
}

// RegisterMerge installs the merge function for an entity type. Merge
// resolution is refused for types without one; there is no generic
// field-level merge.
func (r *Resolver) RegisterMerge(entityType string, fn MergeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges[entityType] = fn
}

func (r *Resolver) mergeFunc(entityType string) (MergeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.merges[entityType]
	return fn, ok
}

// Resolve settles one conflict with the chosen strategy.
//
// Server keeps the server's state: the parked event is acknowledged and the
// mirror takes the server payload. Client reasserts the local state: the
// parked event is acknowledged and a fresh event carrying the local payload
// is queued with a new version, so it wins against the version that beat
// it. Merge runs the registered merge function and queues the result the
// same way.
func (r *Resolver) Resolve(conflictID string, resolution models.Resolution) error {
	if !resolution.Valid() {
		return fmt.Errorf("invalid resolution: %q", resolution)
	}
	e := r.engine
	c, err := e.store.GetConflict(conflictID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("conflict %s: %w", conflictID, err)
		}
		return err
	}
	// A resolver in a freshly started process has a cold clock. Step it past
	// the server version first, so a reasserted local payload carries a
	// higher version and wins instead of conflicting again.
	e.clock.Observe(c.ServerVersion)

	switch resolution {
	case models.ResolveServer:
		if err := r.settleParkedEvent(c); err != nil {
			return err
		}
		if err := r.applyServerState(c); err != nil {
			return err
		}
	case models.ResolveClient:
		if err := r.settleParkedEvent(c); err != nil {
			return err
		}
		if _, err := e.Record(c.TenantID, c.EntityType, c.EntityID, models.OpUpdate, c.LocalData); err != nil {
			return fmt.Errorf("requeue local state: %w", err)
		}
	case models.ResolveMerge:
		fn, ok := r.mergeFunc(c.EntityType)
		if !ok {
			return fmt.Errorf("%w for entity type %q", ErrNoMergeFunc, c.EntityType)
		}
		merged, err := fn(c.LocalData, c.ServerData)
		if err != nil {
			return fmt.Errorf("merge %s: %w", c.EntityKey(), err)
		}
		if err := r.settleParkedEvent(c); err != nil {
			return err
		}
		if _, err := e.Record(c.TenantID, c.EntityType, c.EntityID, models.OpUpdate, merged); err != nil {
			return fmt.Errorf("queue merged state: %w", err)
		}
	}

	if err := e.store.DeleteConflict(c.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := e.store.RefreshCounters(c.TenantID); err != nil {
		e.log.Error("refresh sync counters", "tenant", c.TenantID, "error", err)
	}
	e.log.Info("conflict resolved",
		"tenant", c.TenantID, "entity", c.EntityKey(), "resolution", string(resolution))
	return nil
}

// settleParkedEvent acknowledges the event the conflict parked. The intent
// it carried is either superseded by the server state or re-expressed as a
// fresh event; either way it must never be retransmitted as-is.
func (r *Resolver) settleParkedEvent(c *models.Conflict) error {
	err := r.engine.store.MarkAcknowledged(c.EventID, r.engine.now().UTC())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (r *Resolver) applyServerState(c *models.Conflict) error {
	e := r.engine
	now := e.now().UTC()
	if len(c.ServerData) == 0 || string(c.ServerData) == "null" {
		// Server side deleted the entity.
		if err := e.store.DeleteRecord(c.TenantID, c.EntityType, c.EntityID); err != nil {
			return err
		}
	} else {
		rec := &models.MirrorRecord{
			TenantID:   c.TenantID,
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Payload:    json.RawMessage(c.ServerData),
			Version:    c.ServerVersion,
		}
		if err := e.store.ApplyServer(rec, now); err != nil {
			return err
		}
	}
	open, err := e.store.OpenEventCount(c.TenantID, c.EntityType, c.EntityID)
	if err != nil {
		return err
	}
	if open > 0 {
		return e.store.SetDirty(c.TenantID, c.EntityType, c.EntityID, true)
	}
	return nil
}
