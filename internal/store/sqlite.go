package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/scolaris/scolaris/internal/models"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists local state in a single SQLite database. A write
// mutex serializes mutating statements; SQLite allows one writer at a time
// and the engine, CLI commands, and the connectivity monitor may all hold
// the same store.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. ":memory:" gives a private throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: empty path")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	// A single connection avoids table-locked errors between the pooled
	// connections modernc hands out.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			payload TEXT,
			local_version INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP,
			last_attempt_at TIMESTAMP,
			error_message TEXT NOT NULL DEFAULT '',
			terminal INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			synced_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_tenant_status
			ON outbox_events(tenant_id, status, local_version)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_entity
			ON outbox_events(tenant_id, entity_type, entity_id)`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			local_version INTEGER NOT NULL,
			server_version INTEGER NOT NULL,
			local_data TEXT,
			server_data TEXT,
			detected_at TIMESTAMP NOT NULL,
			UNIQUE(tenant_id, entity_type, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			tenant_id TEXT PRIMARY KEY,
			pending_events_count INTEGER NOT NULL DEFAULT 0,
			conflict_count INTEGER NOT NULL DEFAULT 0,
			last_sync_at TIMESTAMP,
			last_sync_success INTEGER NOT NULL DEFAULT 0,
			last_pulled_server_seq INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, et := range models.EntityTypes {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				tenant_id TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				payload TEXT,
				version INTEGER NOT NULL DEFAULT 0,
				is_dirty INTEGER NOT NULL DEFAULT 0,
				last_sync TIMESTAMP,
				PRIMARY KEY (tenant_id, entity_id)
			)`, mirrorTable(et)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_dirty
				ON %s(tenant_id, is_dirty)`, mirrorTable(et), mirrorTable(et)),
		)
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return storageErr("migrate", err)
		}
	}
	return nil
}

// mirrorTable maps an entity type to its mirror table name. Entity types
// come from the fixed models.EntityTypes list, never from user input.
func mirrorTable(entityType string) string {
	return "mirror_" + strings.ReplaceAll(entityType, "-", "_")
}

func (s *SQLiteStore) checkEntityType(entityType string) error {
	if !models.ValidEntityType(entityType) {
		return fmt.Errorf("unknown entity type: %q", entityType)
	}
	return nil
}

// --- Outbox ---

func (s *SQLiteStore) AppendEvent(ev *models.OutboxEvent) error {
	if err := s.checkEntityType(ev.EntityType); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO outbox_events
		(id, tenant_id, entity_type, entity_id, operation, payload, local_version,
		 status, attempt_count, error_message, terminal, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', 0, ?)`,
		ev.ID, ev.TenantID, ev.EntityType, ev.EntityID, string(ev.Operation),
		nullableJSON(ev.Payload), ev.LocalVersion, string(models.StatusPending), ev.CreatedAt)
	if err != nil {
		return storageErr("append event", err)
	}
	return nil
}

func (s *SQLiteStore) PendingEvents(tenantID string, now time.Time, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM outbox_events
		WHERE tenant_id = ?
		  AND (status = 'pending'
		       OR (status = 'failed' AND terminal = 0 AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?))
		ORDER BY local_version ASC
		LIMIT ?`, tenantID, now, limit)
	if err != nil {
		return nil, storageErr("pending events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) EventByID(id string) (*models.OutboxEvent, error) {
	row := s.db.QueryRow(`SELECT `+eventColumns+` FROM outbox_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("event by id", err)
	}
	return ev, nil
}

func (s *SQLiteStore) FailedEvents(tenantID string, limit int) ([]models.OutboxEvent, error) {
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM outbox_events
		WHERE tenant_id = ? AND status = 'failed'
		ORDER BY local_version ASC
		LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, storageErr("failed events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) OpenEventCount(tenantID, entityType, entityID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox_events
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
		  AND status != 'acknowledged'`, tenantID, entityType, entityID).Scan(&n)
	if err != nil {
		return 0, storageErr("open event count", err)
	}
	return n, nil
}

func (s *SQLiteStore) MarkSent(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Guarded transition: a no-op when the event already advanced past
	// pending, so replays cannot move it backwards.
	_, err := s.db.Exec(`UPDATE outbox_events
		SET status = 'sent', attempt_count = attempt_count + 1, last_attempt_at = ?
		WHERE id = ? AND status IN ('pending', 'failed')`, at, id)
	if err != nil {
		return storageErr("mark sent", err)
	}
	return nil
}

func (s *SQLiteStore) MarkAcknowledged(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE outbox_events
		SET status = 'acknowledged', synced_at = ?, error_message = '', next_attempt_at = NULL
		WHERE id = ? AND status != 'acknowledged'`, at, id)
	if err != nil {
		return storageErr("mark acknowledged", err)
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(id string, errMsg string, nextAttempt *time.Time, terminal bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE outbox_events
		SET status = 'failed', error_message = ?, next_attempt_at = ?, terminal = ?, last_attempt_at = ?
		WHERE id = ? AND status != 'acknowledged'`,
		errMsg, nullableTime(nextAttempt), boolInt(terminal), at, id)
	if err != nil {
		return storageErr("mark failed", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueEvent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE outbox_events
		SET status = 'pending', terminal = 0, next_attempt_at = NULL, error_message = ''
		WHERE id = ? AND status IN ('failed', 'sent')`, id)
	if err != nil {
		return storageErr("requeue event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DiscardEvent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM outbox_events WHERE id = ?`, id)
	if err != nil {
		return storageErr("discard event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleSent(tenantID string, staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE outbox_events
		SET status = 'pending'
		WHERE tenant_id = ? AND status = 'sent' AND last_attempt_at < ?`,
		tenantID, staleBefore)
	if err != nil {
		return 0, storageErr("requeue stale sent", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const eventColumns = `id, tenant_id, entity_type, entity_id, operation, payload,
	local_version, status, attempt_count, next_attempt_at, last_attempt_at,
	error_message, terminal, created_at, synced_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.OutboxEvent, error) {
	var ev models.OutboxEvent
	var payload sql.NullString
	var op, status string
	var nextAt, lastAt, syncedAt sql.NullTime
	var terminal int
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.EntityType, &ev.EntityID, &op, &payload,
		&ev.LocalVersion, &status, &ev.AttemptCount, &nextAt, &lastAt,
		&ev.ErrorMessage, &terminal, &ev.CreatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}
	ev.Operation = models.Operation(op)
	ev.Status = models.EventStatus(status)
	ev.Terminal = terminal != 0
	if payload.Valid {
		ev.Payload = []byte(payload.String)
	}
	if nextAt.Valid {
		t := nextAt.Time
		ev.NextAttemptAt = &t
	}
	if lastAt.Valid {
		t := lastAt.Time
		ev.LastAttemptAt = &t
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		ev.SyncedAt = &t
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr("scan event", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan events", err)
	}
	return events, nil
}

// --- Mirror ---

func (s *SQLiteStore) UpsertLocal(rec *models.MirrorRecord) error {
	if err := s.checkEntityType(rec.EntityType); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %s (tenant_id, entity_id, payload, version, is_dirty, last_sync)
		VALUES (?, ?, ?, ?, 1, NULL)
		ON CONFLICT(tenant_id, entity_id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			is_dirty = 1`, mirrorTable(rec.EntityType)),
		rec.TenantID, rec.EntityID, nullableJSON(rec.Payload), rec.Version)
	if err != nil {
		return storageErr("upsert local", err)
	}
	return nil
}

func (s *SQLiteStore) ApplyServer(rec *models.MirrorRecord, at time.Time) error {
	if err := s.checkEntityType(rec.EntityType); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %s (tenant_id, entity_id, payload, version, is_dirty, last_sync)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(tenant_id, entity_id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			is_dirty = 0,
			last_sync = excluded.last_sync`, mirrorTable(rec.EntityType)),
		rec.TenantID, rec.EntityID, nullableJSON(rec.Payload), rec.Version, at)
	if err != nil {
		return storageErr("apply server", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRecord(tenantID, entityType, entityID string) error {
	if err := s.checkEntityType(entityType); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = ? AND entity_id = ?`,
		mirrorTable(entityType)), tenantID, entityID)
	if err != nil {
		return storageErr("delete record", err)
	}
	return nil
}

func (s *SQLiteStore) SetDirty(tenantID, entityType, entityID string, dirty bool) error {
	if err := s.checkEntityType(entityType); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE %s SET is_dirty = ? WHERE tenant_id = ? AND entity_id = ?`,
		mirrorTable(entityType)), boolInt(dirty), tenantID, entityID)
	if err != nil {
		return storageErr("set dirty", err)
	}
	return nil
}

func (s *SQLiteStore) GetRecord(tenantID, entityType, entityID string) (*models.MirrorRecord, error) {
	if err := s.checkEntityType(entityType); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(fmt.Sprintf(`SELECT tenant_id, entity_id, payload, version, is_dirty, last_sync
		FROM %s WHERE tenant_id = ? AND entity_id = ?`, mirrorTable(entityType)),
		tenantID, entityID)
	rec, err := scanMirror(row, entityType)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get record", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecords(tenantID, entityType string) ([]models.MirrorRecord, error) {
	if err := s.checkEntityType(entityType); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(fmt.Sprintf(`SELECT tenant_id, entity_id, payload, version, is_dirty, last_sync
		FROM %s WHERE tenant_id = ? ORDER BY entity_id`, mirrorTable(entityType)), tenantID)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()
	return scanMirrors(rows, entityType)
}

func (s *SQLiteStore) DirtyRecords(tenantID, entityType string) ([]models.MirrorRecord, error) {
	if err := s.checkEntityType(entityType); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(fmt.Sprintf(`SELECT tenant_id, entity_id, payload, version, is_dirty, last_sync
		FROM %s WHERE tenant_id = ? AND is_dirty = 1 ORDER BY entity_id`, mirrorTable(entityType)), tenantID)
	if err != nil {
		return nil, storageErr("dirty records", err)
	}
	defer rows.Close()
	return scanMirrors(rows, entityType)
}

func scanMirror(row rowScanner, entityType string) (*models.MirrorRecord, error) {
	var rec models.MirrorRecord
	var payload sql.NullString
	var dirty int
	var lastSync sql.NullTime
	if err := row.Scan(&rec.TenantID, &rec.EntityID, &payload, &rec.Version, &dirty, &lastSync); err != nil {
		return nil, err
	}
	rec.EntityType = entityType
	rec.IsDirty = dirty != 0
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	if lastSync.Valid {
		t := lastSync.Time
		rec.LastSync = &t
	}
	return &rec, nil
}

func scanMirrors(rows *sql.Rows, entityType string) ([]models.MirrorRecord, error) {
	var recs []models.MirrorRecord
	for rows.Next() {
		rec, err := scanMirror(rows, entityType)
		if err != nil {
			return nil, storageErr("scan record", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan records", err)
	}
	return recs, nil
}

// --- Conflicts ---

func (s *SQLiteStore) AddConflict(c *models.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// One live conflict per entity: a newer detection replaces the old
	// record so the operator always resolves against current server state.
	_, err := s.db.Exec(`INSERT INTO sync_conflicts
		(id, tenant_id, event_id, entity_type, entity_id, local_version, server_version,
		 local_data, server_data, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity_type, entity_id) DO UPDATE SET
			id = excluded.id,
			event_id = excluded.event_id,
			local_version = excluded.local_version,
			server_version = excluded.server_version,
			local_data = excluded.local_data,
			server_data = excluded.server_data,
			detected_at = excluded.detected_at`,
		c.ID, c.TenantID, c.EventID, c.EntityType, c.EntityID, c.LocalVersion, c.ServerVersion,
		nullableJSON(c.LocalData), nullableJSON(c.ServerData), c.DetectedAt)
	if err != nil {
		return storageErr("add conflict", err)
	}
	return nil
}

func (s *SQLiteStore) GetConflict(id string) (*models.Conflict, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, event_id, entity_type, entity_id,
		local_version, server_version, local_data, server_data, detected_at
		FROM sync_conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get conflict", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConflicts(tenantID string) ([]models.Conflict, error) {
	rows, err := s.db.Query(`SELECT id, tenant_id, event_id, entity_type, entity_id,
		local_version, server_version, local_data, server_data, detected_at
		FROM sync_conflicts WHERE tenant_id = ? ORDER BY detected_at ASC`, tenantID)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()
	var out []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, storageErr("scan conflict", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan conflicts", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteConflict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM sync_conflicts WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConflict(row rowScanner) (*models.Conflict, error) {
	var c models.Conflict
	var localData, serverData sql.NullString
	err := row.Scan(&c.ID, &c.TenantID, &c.EventID, &c.EntityType, &c.EntityID,
		&c.LocalVersion, &c.ServerVersion, &localData, &serverData, &c.DetectedAt)
	if err != nil {
		return nil, err
	}
	if localData.Valid {
		c.LocalData = []byte(localData.String)
	}
	if serverData.Valid {
		c.ServerData = []byte(serverData.String)
	}
	return &c, nil
}

// --- State ---

func (s *SQLiteStore) SyncState(tenantID string) (*models.SyncState, error) {
	st := &models.SyncState{TenantID: tenantID}
	var lastAt sql.NullTime
	var success int
	err := s.db.QueryRow(`SELECT pending_events_count, conflict_count, last_sync_at,
		last_sync_success, last_pulled_server_seq
		FROM sync_state WHERE tenant_id = ?`, tenantID).
		Scan(&st.PendingEventsCount, &st.ConflictCount, &lastAt, &success, &st.LastPulledServerSeq)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, storageErr("sync state", err)
	}
	st.LastSyncSuccess = success != 0
	if lastAt.Valid {
		t := lastAt.Time
		st.LastSyncAt = &t
	}
	return st, nil
}

func (s *SQLiteStore) RefreshCounters(tenantID string) (*models.SyncState, error) {
	var pending, conflicts int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox_events
		WHERE tenant_id = ? AND status != 'acknowledged'`, tenantID).Scan(&pending)
	if err != nil {
		return nil, storageErr("refresh counters", err)
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM sync_conflicts WHERE tenant_id = ?`, tenantID).Scan(&conflicts)
	if err != nil {
		return nil, storageErr("refresh counters", err)
	}
	s.mu.Lock()
	_, err = s.db.Exec(`INSERT INTO sync_state (tenant_id, pending_events_count, conflict_count)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			pending_events_count = excluded.pending_events_count,
			conflict_count = excluded.conflict_count`,
		tenantID, pending, conflicts)
	s.mu.Unlock()
	if err != nil {
		return nil, storageErr("refresh counters", err)
	}
	return s.SyncState(tenantID)
}

func (s *SQLiteStore) SetSyncResult(tenantID string, at time.Time, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO sync_state (tenant_id, last_sync_at, last_sync_success)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_sync_success = excluded.last_sync_success`,
		tenantID, at, boolInt(success))
	if err != nil {
		return storageErr("set sync result", err)
	}
	return nil
}

func (s *SQLiteStore) SetPulledSeq(tenantID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO sync_state (tenant_id, last_pulled_server_seq)
		VALUES (?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			last_pulled_server_seq = MAX(sync_state.last_pulled_server_seq, excluded.last_pulled_server_seq)`,
		tenantID, seq)
	if err != nil {
		return storageErr("set pulled seq", err)
	}
	return nil
}

// --- helpers ---

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
