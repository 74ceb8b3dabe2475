package store

import (
	"sort"
	"sync"
	"time"

	"github.com/scolaris/scolaris/internal/models"
)

// MemoryStore keeps all state in process memory. It backs tests and
// environments with no writable filesystem; the data does not survive a
// restart, so offline durability requires the SQLite backend.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string]*models.OutboxEvent
	mirrors   map[string]*models.MirrorRecord // keyed by tenant|type|id
	conflicts map[string]*models.Conflict
	states    map[string]*models.SyncState
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string]*models.OutboxEvent),
		mirrors:   make(map[string]*models.MirrorRecord),
		conflicts: make(map[string]*models.Conflict),
		states:    make(map[string]*models.SyncState),
	}
}

func (s *MemoryStore) Close() error { return nil }

func mirrorKey(tenantID, entityType, entityID string) string {
	return tenantID + "|" + entityType + "|" + entityID
}

func copyEvent(ev *models.OutboxEvent) *models.OutboxEvent {
	cp := *ev
	return &cp
}

func copyRecord(rec *models.MirrorRecord) *models.MirrorRecord {
	cp := *rec
	return &cp
}

// --- Outbox ---

func (s *MemoryStore) AppendEvent(ev *models.OutboxEvent) error {
	if !models.ValidEntityType(ev.EntityType) {
		return storageErr("append event", errUnknownEntity(ev.EntityType))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyEvent(ev)
	cp.Status = models.StatusPending
	s.events[cp.ID] = cp
	return nil
}

func (s *MemoryStore) PendingEvents(tenantID string, now time.Time, limit int) ([]models.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OutboxEvent
	for _, ev := range s.events {
		if ev.TenantID != tenantID {
			continue
		}
		eligible := ev.Status == models.StatusPending ||
			(ev.Status == models.StatusFailed && !ev.Terminal &&
				ev.NextAttemptAt != nil && !ev.NextAttemptAt.After(now))
		if eligible {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalVersion < out[j].LocalVersion })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) EventByID(id string) (*models.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEvent(ev), nil
}

func (s *MemoryStore) FailedEvents(tenantID string, limit int) ([]models.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OutboxEvent
	for _, ev := range s.events {
		if ev.TenantID == tenantID && ev.Status == models.StatusFailed {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalVersion < out[j].LocalVersion })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) OpenEventCount(tenantID, entityType, entityID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, ev := range s.events {
		if ev.TenantID == tenantID && ev.EntityType == entityType && ev.EntityID == entityID &&
			ev.Status != models.StatusAcknowledged {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkSent(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil
	}
	if ev.Status != models.StatusPending && ev.Status != models.StatusFailed {
		return nil
	}
	ev.Status = models.StatusSent
	ev.AttemptCount++
	t := at
	ev.LastAttemptAt = &t
	return nil
}

func (s *MemoryStore) MarkAcknowledged(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.Status == models.StatusAcknowledged {
		return nil
	}
	ev.Status = models.StatusAcknowledged
	t := at
	ev.SyncedAt = &t
	ev.ErrorMessage = ""
	ev.NextAttemptAt = nil
	return nil
}

func (s *MemoryStore) MarkFailed(id string, errMsg string, nextAttempt *time.Time, terminal bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.Status == models.StatusAcknowledged {
		return nil
	}
	ev.Status = models.StatusFailed
	ev.ErrorMessage = errMsg
	ev.Terminal = terminal
	t := at
	ev.LastAttemptAt = &t
	if nextAttempt != nil {
		na := *nextAttempt
		ev.NextAttemptAt = &na
	} else {
		ev.NextAttemptAt = nil
	}
	return nil
}

func (s *MemoryStore) RequeueEvent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || (ev.Status != models.StatusFailed && ev.Status != models.StatusSent) {
		return ErrNotFound
	}
	ev.Status = models.StatusPending
	ev.Terminal = false
	ev.NextAttemptAt = nil
	ev.ErrorMessage = ""
	return nil
}

func (s *MemoryStore) DiscardEvent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		return ErrNotFound
	}
	delete(s.events, id)
	return nil
}

func (s *MemoryStore) RequeueStaleSent(tenantID string, staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.events {
		if ev.TenantID == tenantID && ev.Status == models.StatusSent &&
			ev.LastAttemptAt != nil && ev.LastAttemptAt.Before(staleBefore) {
			ev.Status = models.StatusPending
			n++
		}
	}
	return n, nil
}

// --- Mirror ---

func (s *MemoryStore) UpsertLocal(rec *models.MirrorRecord) error {
	if !models.ValidEntityType(rec.EntityType) {
		return storageErr("upsert local", errUnknownEntity(rec.EntityType))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mirrorKey(rec.TenantID, rec.EntityType, rec.EntityID)
	cp := copyRecord(rec)
	cp.IsDirty = true
	if prev, ok := s.mirrors[key]; ok {
		cp.LastSync = prev.LastSync
	} else {
		cp.LastSync = nil
	}
	s.mirrors[key] = cp
	return nil
}

func (s *MemoryStore) ApplyServer(rec *models.MirrorRecord, at time.Time) error {
	if !models.ValidEntityType(rec.EntityType) {
		return storageErr("apply server", errUnknownEntity(rec.EntityType))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyRecord(rec)
	cp.IsDirty = false
	t := at
	cp.LastSync = &t
	s.mirrors[mirrorKey(rec.TenantID, rec.EntityType, rec.EntityID)] = cp
	return nil
}

func (s *MemoryStore) DeleteRecord(tenantID, entityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mirrors, mirrorKey(tenantID, entityType, entityID))
	return nil
}

func (s *MemoryStore) SetDirty(tenantID, entityType, entityID string, dirty bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.mirrors[mirrorKey(tenantID, entityType, entityID)]; ok {
		rec.IsDirty = dirty
	}
	return nil
}

func (s *MemoryStore) GetRecord(tenantID, entityType, entityID string) (*models.MirrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.mirrors[mirrorKey(tenantID, entityType, entityID)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) ListRecords(tenantID, entityType string) ([]models.MirrorRecord, error) {
	return s.listRecords(tenantID, entityType, false)
}

func (s *MemoryStore) DirtyRecords(tenantID, entityType string) ([]models.MirrorRecord, error) {
	return s.listRecords(tenantID, entityType, true)
}

func (s *MemoryStore) listRecords(tenantID, entityType string, dirtyOnly bool) ([]models.MirrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MirrorRecord
	for _, rec := range s.mirrors {
		if rec.TenantID != tenantID || rec.EntityType != entityType {
			continue
		}
		if dirtyOnly && !rec.IsDirty {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// --- Conflicts ---

func (s *MemoryStore) AddConflict(c *models.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, prev := range s.conflicts {
		if prev.TenantID == c.TenantID && prev.EntityType == c.EntityType && prev.EntityID == c.EntityID {
			delete(s.conflicts, id)
		}
	}
	cp := *c
	s.conflicts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConflict(id string) (*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListConflicts(tenantID string) ([]models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conflict
	for _, c := range s.conflicts {
		if c.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteConflict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conflicts[id]; !ok {
		return ErrNotFound
	}
	delete(s.conflicts, id)
	return nil
}

// --- State ---

func (s *MemoryStore) SyncState(tenantID string) (*models.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[tenantID]
	if !ok {
		return &models.SyncState{TenantID: tenantID}, nil
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) RefreshCounters(tenantID string) (*models.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(tenantID)
	st.PendingEventsCount = 0
	for _, ev := range s.events {
		if ev.TenantID == tenantID && ev.Status != models.StatusAcknowledged {
			st.PendingEventsCount++
		}
	}
	st.ConflictCount = 0
	for _, c := range s.conflicts {
		if c.TenantID == tenantID {
			st.ConflictCount++
		}
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) SetSyncResult(tenantID string, at time.Time, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(tenantID)
	t := at
	st.LastSyncAt = &t
	st.LastSyncSuccess = success
	return nil
}

func (s *MemoryStore) SetPulledSeq(tenantID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(tenantID)
	if seq > st.LastPulledServerSeq {
		st.LastPulledServerSeq = seq
	}
	return nil
}

func (s *MemoryStore) stateLocked(tenantID string) *models.SyncState {
	st, ok := s.states[tenantID]
	if !ok {
		st = &models.SyncState{TenantID: tenantID}
		s.states[tenantID] = st
	}
	return st
}

type errUnknownEntity string

func (e errUnknownEntity) Error() string { return "unknown entity type: " + string(e) }
