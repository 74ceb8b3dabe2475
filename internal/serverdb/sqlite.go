package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scolaris/scolaris/internal/models"
	"github.com/scolaris/scolaris/internal/sync"

	_ "modernc.org/sqlite"
)

// SQLiteDB backs single-node deployments and tests.
type SQLiteDB struct {
	db *sql.DB
}

func OpenServerSQLite(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open server database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteDB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			tenant_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			state TEXT,
			deleted INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, entity_type, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS changes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			state TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_tenant_seq ON changes(tenant_id, seq)`,
		`CREATE TABLE IF NOT EXISTS applied_events (
			event_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			server_version INTEGER NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_applied_tenant ON applied_events(tenant_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate server database: %w", err)
		}
	}
	return nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) ApplyEvent(ctx context.Context, tenantID string, ev sync.PushEvent) (*sync.Outcome, error) {
	if reason := validate(ev); reason != "" {
		return &sync.Outcome{EventID: ev.ID, Kind: sync.OutcomeRejected, Reason: reason}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Replayed delivery: the event was applied before, so re-ack with the
	// entity's current state and never apply it twice.
	var appliedVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT server_version FROM applied_events WHERE event_id = ?`, ev.ID).Scan(&appliedVersion)
	if err == nil {
		out, err := s.currentOutcome(ctx, tx, tenantID, ev, appliedVersion)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return out, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup applied event: %w", err)
	}

	var curVersion int64
	var curState sql.NullString
	var curDeleted int
	err = tx.QueryRowContext(ctx,
		`SELECT version, state, deleted FROM entities
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`,
		tenantID, ev.EntityType, ev.EntityID).Scan(&curVersion, &curState, &curDeleted)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup entity: %w", err)
	}

	if exists && curVersion > ev.LocalVersion {
		out := &sync.Outcome{
			EventID:       ev.ID,
			Kind:          sync.OutcomeConflict,
			ServerVersion: curVersion,
		}
		if curState.Valid && curDeleted == 0 {
			out.State = []byte(curState.String)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return out, nil
	}

	now := time.Now().UTC()
	deleted := 0
	var state any
	if models.Operation(ev.Operation) == models.OpDelete {
		deleted = 1
	} else {
		state = string(ev.Payload)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO entities
		(tenant_id, entity_type, entity_id, version, state, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity_type, entity_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`,
		tenantID, ev.EntityType, ev.EntityID, ev.LocalVersion, state, deleted, now)
	if err != nil {
		return nil, fmt.Errorf("apply entity state: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO changes
		(tenant_id, entity_type, entity_id, version, deleted, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tenantID, ev.EntityType, ev.EntityID, ev.LocalVersion, deleted, state, now)
	if err != nil {
		return nil, fmt.Errorf("append change: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO applied_events
		(event_id, tenant_id, entity_type, entity_id, server_version, applied_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, tenantID, ev.EntityType, ev.EntityID, ev.LocalVersion, now)
	if err != nil {
		return nil, fmt.Errorf("record applied event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	out := &sync.Outcome{
		EventID:       ev.ID,
		Kind:          sync.OutcomeAck,
		ServerVersion: ev.LocalVersion,
	}
	if deleted == 0 {
		out.State = ev.Payload
	}
	return out, nil
}

// currentOutcome re-acks a replayed event with the entity's present state.
func (s *SQLiteDB) currentOutcome(ctx context.Context, tx *sql.Tx, tenantID string, ev sync.PushEvent, appliedVersion int64) (*sync.Outcome, error) {
	out := &sync.Outcome{EventID: ev.ID, Kind: sync.OutcomeAck, ServerVersion: appliedVersion}
	var state sql.NullString
	var deleted int
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT version, state, deleted FROM entities
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`,
		tenantID, ev.EntityType, ev.EntityID).Scan(&version, &state, &deleted)
	if err == nil {
		out.ServerVersion = version
		if state.Valid && deleted == 0 {
			out.State = []byte(state.String)
		}
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup entity: %w", err)
	}
	return out, nil
}

func (s *SQLiteDB) Changes(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]sync.EntityChange, bool, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, entity_type, entity_id, version, deleted, state
		FROM changes WHERE tenant_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`, tenantID, afterSeq, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []sync.EntityChange
	for rows.Next() {
		var ch sync.EntityChange
		var state sql.NullString
		var deleted int
		if err := rows.Scan(&ch.Seq, &ch.EntityType, &ch.EntityID, &ch.Version, &deleted, &state); err != nil {
			return nil, false, fmt.Errorf("scan change: %w", err)
		}
		ch.Deleted = deleted != 0
		if state.Valid {
			ch.State = []byte(state.String)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("scan changes: %w", err)
	}
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

func (s *SQLiteDB) Status(ctx context.Context, tenantID string) (*TenantStatus, error) {
	st := &TenantStatus{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE tenant_id = ? AND deleted = 0`, tenantID).Scan(&st.EntityRows)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM changes WHERE tenant_id = ?`, tenantID).Scan(&st.LatestSeq)
	if err != nil {
		return nil, fmt.Errorf("latest change seq: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applied_events WHERE tenant_id = ?`, tenantID).Scan(&st.EventCount)
	if err != nil {
		return nil, fmt.Errorf("count applied events: %w", err)
	}
	return st, nil
}
