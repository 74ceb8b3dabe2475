package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scolaris/scolaris/internal/models"
	"github.com/scolaris/scolaris/internal/sync"

	_ "github.com/lib/pq"
)

// PostgresDB backs multi-node deployments.
type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	p := &PostgresDB{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			tenant_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			state JSONB,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, entity_type, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS changes (
			seq BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			state JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_tenant_seq ON changes(tenant_id, seq)`,
		`CREATE TABLE IF NOT EXISTS applied_events (
			event_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			server_version BIGINT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_applied_tenant ON applied_events(tenant_id)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) ApplyEvent(ctx context.Context, tenantID string, ev sync.PushEvent) (*sync.Outcome, error) {
	if reason := validate(ev); reason != "" {
		return &sync.Outcome{EventID: ev.ID, Kind: sync.OutcomeRejected, Reason: reason}, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var appliedVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT server_version FROM applied_events WHERE event_id = $1`, ev.ID).Scan(&appliedVersion)
	if err == nil {
		out, err := p.currentOutcome(ctx, tx, tenantID, ev, appliedVersion)
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

	// Row lock serializes concurrent pushes for the same entity.
	var curVersion int64
	var curState sql.NullString
	var curDeleted bool
	err = tx.QueryRowContext(ctx,
		`SELECT version, state, deleted FROM entities
		 WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		 FOR UPDATE`,
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
		if curState.Valid && !curDeleted {
			out.State = []byte(curState.String)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return out, nil
	}

	now := time.Now().UTC()
	deleted := models.Operation(ev.Operation) == models.OpDelete
	var state any
	if !deleted {
		state = string(ev.Payload)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO entities
		(tenant_id, entity_type, entity_id, version, state, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, entity_type, entity_id) DO UPDATE SET
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			deleted = EXCLUDED.deleted,
			updated_at = EXCLUDED.updated_at`,
		tenantID, ev.EntityType, ev.EntityID, ev.LocalVersion, state, deleted, now)
	if err != nil {
		return nil, fmt.Errorf("apply entity state: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO changes
		(tenant_id, entity_type, entity_id, version, deleted, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tenantID, ev.EntityType, ev.EntityID, ev.LocalVersion, deleted, state, now)
	if err != nil {
		return nil, fmt.Errorf("append change: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO applied_events
		(event_id, tenant_id, entity_type, entity_id, server_version, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
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
	if !deleted {
		out.State = ev.Payload
	}
	return out, nil
}

func (p *PostgresDB) currentOutcome(ctx context.Context, tx *sql.Tx, tenantID string, ev sync.PushEvent, appliedVersion int64) (*sync.Outcome, error) {
	out := &sync.Outcome{EventID: ev.ID, Kind: sync.OutcomeAck, ServerVersion: appliedVersion}
	var state sql.NullString
	var deleted bool
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT version, state, deleted FROM entities
		 WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`,
		tenantID, ev.EntityType, ev.EntityID).Scan(&version, &state, &deleted)
	if err == nil {
		out.ServerVersion = version
		if state.Valid && !deleted {
			out.State = []byte(state.String)
		}
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup entity: %w", err)
	}
	return out, nil
}

func (p *PostgresDB) Changes(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]sync.EntityChange, bool, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `SELECT seq, entity_type, entity_id, version, deleted, state
		FROM changes WHERE tenant_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3`, tenantID, afterSeq, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []sync.EntityChange
	for rows.Next() {
		var ch sync.EntityChange
		var state sql.NullString
		if err := rows.Scan(&ch.Seq, &ch.EntityType, &ch.EntityID, &ch.Version, &ch.Deleted, &state); err != nil {
			return nil, false, fmt.Errorf("scan change: %w", err)
		}
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

func (p *PostgresDB) Status(ctx context.Context, tenantID string) (*TenantStatus, error) {
	st := &TenantStatus{TenantID: tenantID}
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE tenant_id = $1 AND NOT deleted`, tenantID).Scan(&st.EntityRows)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	err = p.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM changes WHERE tenant_id = $1`, tenantID).Scan(&st.LatestSeq)
	if err != nil {
		return nil, fmt.Errorf("latest change seq: %w", err)
	}
	err = p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applied_events WHERE tenant_id = $1`, tenantID).Scan(&st.EventCount)
	if err != nil {
		return nil, fmt.Errorf("count applied events: %w", err)
	}
	return st, nil
}
