package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scolaris/scolaris/internal/models"
	"github.com/scolaris/scolaris/internal/store"
)

// Engine drains the outbox against a Transport and pulls confirmed changes
// back into the mirror. One Engine per local database; Sync is single-flight.
type Engine struct {
	store     store.Store
	transport Transport
	cfg       Config
	clock     *VersionClock
	log       *slog.Logger
	resolver  *Resolver

	syncMu sync.Mutex
	now    func() time.Time
}

// New builds an engine and runs crash recovery: events stuck in sent from a
// previous process are returned to pending so they get retransmitted. The
// server dedupes on event ID, so retransmission of an already-applied event
// just re-acks it.
func New(st store.Store, transport Transport, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		store:     st,
		transport: transport,
		cfg:       cfg.withDefaults(),
		clock:     NewVersionClock(),
		log:       log,
		now:       time.Now,
	}
	e.resolver = newResolver(e)
	return e
}

// Clock exposes the version clock so callers stamping mirror writes and
// outbox events share one ordering source.
func (e *Engine) Clock() *VersionClock { return e.clock }

// Resolver returns the conflict resolver bound to this engine.
func (e *Engine) Resolver() *Resolver { return e.resolver }

// RecoverStaleSent requeues events stuck in sent longer than the configured
// staleness window. Called at startup and at the top of every sync pass.
func (e *Engine) RecoverStaleSent(tenantID string) error {
	n, err := e.store.RequeueStaleSent(tenantID, e.now().UTC().Add(-e.cfg.SentStaleAfter))
	if err != nil {
		return fmt.Errorf("recover stale sent events: %w", err)
	}
	if n > 0 {
		e.log.Warn("requeued stale sent events", "tenant", tenantID, "count", n)
	}
	return nil
}

// Record captures a local mutation: it appends an outbox event and applies
// the optimistic write to the mirror in the same call. Never touches the
// network; the caller decides when to sync.
func (e *Engine) Record(tenantID, entityType, entityID string, op models.Operation, payload []byte) (*models.OutboxEvent, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation: %q", op)
	}
	if !models.ValidEntityType(entityType) {
		return nil, fmt.Errorf("unknown entity type: %q", entityType)
	}
	ev := &models.OutboxEvent{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		EntityType:   entityType,
		EntityID:     entityID,
		Operation:    op,
		Payload:      payload,
		LocalVersion: e.clock.Next(),
		Status:       models.StatusPending,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.store.AppendEvent(ev); err != nil {
		return nil, fmt.Errorf("append outbox event: %w", err)
	}

	switch op {
	case models.OpDelete:
		if err := e.store.DeleteRecord(tenantID, entityType, entityID); err != nil {
			return nil, fmt.Errorf("apply local delete: %w", err)
		}
	default:
		rec := &models.MirrorRecord{
			TenantID:   tenantID,
			EntityType: entityType,
			EntityID:   entityID,
			Payload:    payload,
			Version:    ev.LocalVersion,
		}
		if err := e.store.UpsertLocal(rec); err != nil {
			return nil, fmt.Errorf("apply local write: %w", err)
		}
	}

	// The event is durable at this point; a counter refresh failure must not
	// fail the mutation.
	if _, err := e.store.RefreshCounters(tenantID); err != nil {
		e.log.Error("refresh sync counters", "tenant", tenantID, "error", err)
	}

	e.log.Debug("recorded local mutation",
		"tenant", tenantID, "entity", ev.EntityKey(), "op", string(op), "event", ev.ID)
	return ev, nil
}

// Sync runs one full pass for the tenant: crash recovery, outbox drain,
// then a pull of confirmed server changes. Single-flight; a concurrent call
// returns ErrSyncInProgress immediately.
func (e *Engine) Sync(ctx context.Context, tenantID string) (*Report, error) {
	if !e.syncMu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.syncMu.Unlock()

	started := e.now()
	report := &Report{StartedAt: started.UTC()}

	if err := e.RecoverStaleSent(tenantID); err != nil {
		return report, err
	}

	drainErr := e.drain(ctx, tenantID, report)
	var pullErr error
	if drainErr == nil {
		pullErr = e.pull(ctx, tenantID, report)
	}

	report.Duration = e.now().Sub(started)
	success := drainErr == nil && pullErr == nil &&
		report.Failed == 0 && report.Rejected == 0 && report.Conflicts == 0
	if err := e.store.SetSyncResult(tenantID, e.now().UTC(), success); err != nil {
		e.log.Error("record sync result", "tenant", tenantID, "error", err)
	}
	if _, err := e.store.RefreshCounters(tenantID); err != nil {
		e.log.Error("refresh sync counters", "tenant", tenantID, "error", err)
	}

	if drainErr != nil {
		return report, drainErr
	}
	if pullErr != nil {
		return report, pullErr
	}
	e.log.Info("sync pass finished",
		"tenant", tenantID,
		"acked", report.Acked, "conflicts", report.Conflicts,
		"failed", report.Failed, "rejected", report.Rejected,
		"deferred", report.Deferred, "pulled", report.Pulled,
		"duration", report.Duration)
	return report, nil
}

// drain transmits eligible events oldest first. Ordering is per entity: a
// failure or conflict blocks later events for the same entity until the
// next pass, while events for other entities keep flowing.
func (e *Engine) drain(ctx context.Context, tenantID string, report *Report) error {
	blocked, err := e.blockedEntities(tenantID)
	if err != nil {
		return err
	}

	for {
		events, err := e.store.PendingEvents(tenantID, e.now().UTC(), e.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("load pending events: %w", err)
		}
		progressed := false
		for i := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			ev := &events[i]
			key := ev.EntityKey()
			if blocked[key] {
				report.Deferred++
				continue
			}
			ok, err := e.transmit(ctx, ev, report)
			if err != nil {
				return err
			}
			if ok {
				progressed = true
			} else {
				blocked[key] = true
			}
		}
		if !progressed || len(events) < e.cfg.BatchSize {
			return nil
		}
	}
}

// blockedEntities seeds the per-pass block set with entities holding an
// unresolved conflict, so their queued events wait for resolution.
func (e *Engine) blockedEntities(tenantID string) (map[string]bool, error) {
	conflicts, err := e.store.ListConflicts(tenantID)
	if err != nil {
		return nil, fmt.Errorf("load conflicts: %w", err)
	}
	blocked := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		blocked[c.EntityKey()] = true
	}
	return blocked, nil
}

// transmit sends one event and applies the outcome. Returns false when the
// entity must be blocked for the rest of the pass.
func (e *Engine) transmit(ctx context.Context, ev *models.OutboxEvent, report *Report) (bool, error) {
	now := e.now().UTC()
	if err := e.store.MarkSent(ev.ID, now); err != nil {
		return false, err
	}
	attempts := ev.AttemptCount + 1

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	outcome, err := e.transport.Send(sendCtx, ev.TenantID, PushEvent{
		ID:           ev.ID,
		EntityType:   ev.EntityType,
		EntityID:     ev.EntityID,
		Operation:    string(ev.Operation),
		Payload:      ev.Payload,
		LocalVersion: ev.LocalVersion,
	})
	cancel()

	if err != nil {
		return false, e.recordSendFailure(ev, attempts, err, report)
	}

	switch outcome.Kind {
	case OutcomeAck:
		report.Acked++
		return true, e.recordAck(ev, outcome)
	case OutcomeConflict:
		report.Conflicts++
		return false, e.recordConflict(ev, outcome)
	case OutcomeRejected:
		report.Rejected++
		e.log.Warn("event rejected by server",
			"tenant", ev.TenantID, "event", ev.ID, "reason", outcome.Reason)
		return false, e.store.MarkFailed(ev.ID, outcome.Reason, nil, true, e.now().UTC())
	default:
		return false, fmt.Errorf("unknown outcome kind %q for event %s", outcome.Kind, ev.ID)
	}
}

func (e *Engine) recordSendFailure(ev *models.OutboxEvent, attempts int, sendErr error, report *Report) error {
	now := e.now().UTC()
	switch {
	case errors.Is(sendErr, ErrPermanent):
		report.Rejected++
		e.log.Warn("event permanently refused",
			"tenant", ev.TenantID, "event", ev.ID, "error", sendErr)
		return e.store.MarkFailed(ev.ID, sendErr.Error(), nil, true, now)
	case errors.Is(sendErr, ErrUnauthorized):
		report.Failed++
		e.log.Warn("sync credentials rejected", "tenant", ev.TenantID, "error", sendErr)
	default:
		// Everything else, context timeouts included, is transient.
		report.Failed++
		e.log.Debug("event send failed, will retry",
			"tenant", ev.TenantID, "event", ev.ID, "attempt", attempts, "error", sendErr)
	}
	next := now.Add(retryDelay(e.cfg.BackoffBase, e.cfg.BackoffMax, attempts))
	return e.store.MarkFailed(ev.ID, sendErr.Error(), &next, false, now)
}

// recordAck finalizes an accepted event: the event becomes acknowledged and
// the server's canonical state replaces the optimistic mirror row, unless
// newer events for the same entity are still queued, in which case the row
// keeps the later optimistic payload and stays dirty.
func (e *Engine) recordAck(ev *models.OutboxEvent, outcome *Outcome) error {
	now := e.now().UTC()
	if err := e.store.MarkAcknowledged(ev.ID, now); err != nil {
		return err
	}
	e.clock.Observe(outcome.ServerVersion)

	open, err := e.store.OpenEventCount(ev.TenantID, ev.EntityType, ev.EntityID)
	if err != nil {
		return err
	}
	if open > 0 {
		// Newer local intent is still queued; the mirror must keep showing
		// it, not step back to this older event's state. Record only the
		// confirmed version and stay dirty.
		cur, err := e.store.GetRecord(ev.TenantID, ev.EntityType, ev.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			// A queued delete already removed the row.
			return nil
		}
		if err != nil {
			return err
		}
		cur.Version = outcome.ServerVersion
		if err := e.store.ApplyServer(cur, now); err != nil {
			return err
		}
		return e.store.SetDirty(ev.TenantID, ev.EntityType, ev.EntityID, true)
	}

	if ev.Operation == models.OpDelete {
		return e.store.DeleteRecord(ev.TenantID, ev.EntityType, ev.EntityID)
	}
	state := outcome.State
	if len(state) == 0 {
		state = ev.Payload
	}
	rec := &models.MirrorRecord{
		TenantID:   ev.TenantID,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Payload:    state,
		Version:    outcome.ServerVersion,
	}
	return e.store.ApplyServer(rec, now)
}

// recordConflict parks the event and files a conflict for the operator.
// The event is marked failed terminal so automatic retries leave it alone;
// resolution either acknowledges it or replaces it with a fresh event.
func (e *Engine) recordConflict(ev *models.OutboxEvent, outcome *Outcome) error {
	now := e.now().UTC()
	if err := e.store.MarkFailed(ev.ID, "version conflict", nil, true, now); err != nil {
		return err
	}
	c := &models.Conflict{
		ID:            uuid.NewString(),
		TenantID:      ev.TenantID,
		EventID:       ev.ID,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		LocalVersion:  ev.LocalVersion,
		ServerVersion: outcome.ServerVersion,
		LocalData:     ev.Payload,
		ServerData:    outcome.State,
		DetectedAt:    now,
	}
	if err := e.store.AddConflict(c); err != nil {
		return err
	}
	e.log.Warn("conflict detected",
		"tenant", ev.TenantID, "entity", ev.EntityKey(),
		"local_version", ev.LocalVersion, "server_version", outcome.ServerVersion)
	return nil
}

// pull pages confirmed changes from the server into the mirror. Entities
// with queued local events or an unresolved conflict are skipped: their
// local view is authoritative until sync settles them, and the ack or
// resolution path delivers the server state when it does.
func (e *Engine) pull(ctx context.Context, tenantID string, report *Report) error {
	st, err := e.store.SyncState(tenantID)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	blocked, err := e.blockedEntities(tenantID)
	if err != nil {
		return err
	}
	afterSeq := st.LastPulledServerSeq

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pullCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		changes, err := e.transport.Changes(pullCtx, tenantID, afterSeq, e.cfg.PullLimit)
		cancel()
		if err != nil {
			return fmt.Errorf("pull changes: %w", err)
		}
		for _, ch := range changes {
			afterSeq = ch.Seq
			e.clock.Observe(ch.Version)
			key := ch.EntityType + "/" + ch.EntityID
			if blocked[key] {
				continue
			}
			open, err := e.store.OpenEventCount(tenantID, ch.EntityType, ch.EntityID)
			if err != nil {
				return err
			}
			if open > 0 {
				continue
			}
			if ch.Deleted {
				if err := e.store.DeleteRecord(tenantID, ch.EntityType, ch.EntityID); err != nil {
					return err
				}
			} else {
				rec := &models.MirrorRecord{
					TenantID:   tenantID,
					EntityType: ch.EntityType,
					EntityID:   ch.EntityID,
					Payload:    ch.State,
					Version:    ch.Version,
				}
				if err := e.store.ApplyServer(rec, e.now().UTC()); err != nil {
					return err
				}
			}
			report.Pulled++
		}
		if err := e.store.SetPulledSeq(tenantID, afterSeq); err != nil {
			return err
		}
		if len(changes) < e.cfg.PullLimit {
			return nil
		}
	}
}
