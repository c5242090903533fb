package fieldstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/voltplan/internal/slot"
	"github.com/pitabwire/voltplan/model"
)

// Schema creates the tables used by PgStore.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	tenant_id  TEXT        NOT NULL,
	project_id TEXT        NOT NULL,
	version    BIGINT      NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, project_id)
);

CREATE TABLE IF NOT EXISTS project_fields (
	tenant_id  TEXT NOT NULL,
	project_id TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (tenant_id, project_id, key),
	FOREIGN KEY (tenant_id, project_id) REFERENCES projects (tenant_id, project_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS project_revisions (
	id         UUID        PRIMARY KEY,
	tenant_id  TEXT        NOT NULL,
	project_id TEXT        NOT NULL,
	version    BIGINT      NOT NULL,
	actor_id   TEXT        NOT NULL DEFAULT '',
	reason     TEXT        NOT NULL DEFAULT '',
	writes     JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	FOREIGN KEY (tenant_id, project_id) REFERENCES projects (tenant_id, project_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS project_revisions_project_idx
	ON project_revisions (tenant_id, project_id, version DESC);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5. Each Apply runs in one
// transaction with the project row locked.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL field store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate field store: %w", err)
	}
	return nil
}

// Get reads the project row and its fields from one snapshot.
func (s *PgStore) Get(ctx context.Context, tenantID, projectID string) (Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin read: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snap := Snapshot{TenantID: tenantID, ProjectID: projectID, Fields: slot.Fields{}}
	err = tx.QueryRow(ctx, `
		SELECT version, updated_at FROM projects
		WHERE tenant_id = $1 AND project_id = $2`,
		tenantID, projectID,
	).Scan(&snap.Version, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("query project: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT key, value FROM project_fields
		WHERE tenant_id = $1 AND project_id = $2`,
		tenantID, projectID,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query project fields: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Snapshot{}, fmt.Errorf("scan project field: %w", err)
		}
		snap.Fields[k] = v
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("read project fields: %w", err)
	}
	return snap, nil
}

// Apply writes the mutation in one transaction.
func (s *PgStore) Apply(ctx context.Context, m Mutation) (Snapshot, error) {
	writesJSON, err := json.Marshal(m.Writes)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal writes: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The upsert locks the project row until commit.
	var current int64
	err = tx.QueryRow(ctx, `
		INSERT INTO projects (tenant_id, project_id) VALUES ($1, $2)
		ON CONFLICT (tenant_id, project_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id
		RETURNING version`,
		m.TenantID, m.ProjectID,
	).Scan(&current)
	if err != nil {
		return Snapshot{}, fmt.Errorf("lock project: %w", err)
	}
	if m.ExpectedVersion != AnyVersion && m.ExpectedVersion != current {
		return Snapshot{}, model.NewConflictError(
			fmt.Sprintf("project %q version conflict (expected %d, got %d)", m.ProjectID, m.ExpectedVersion, current),
		)
	}

	batch := &pgx.Batch{}
	for k, v := range m.Writes {
		if v == "" {
			batch.Queue(`DELETE FROM project_fields WHERE tenant_id = $1 AND project_id = $2 AND key = $3`,
				m.TenantID, m.ProjectID, k)
			continue
		}
		batch.Queue(`
			INSERT INTO project_fields (tenant_id, project_id, key, value) VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, project_id, key) DO UPDATE SET value = EXCLUDED.value`,
			m.TenantID, m.ProjectID, k, v)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return Snapshot{}, fmt.Errorf("write project fields: %w", err)
		}
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE projects SET version = version + 1, updated_at = $3
		WHERE tenant_id = $1 AND project_id = $2`,
		m.TenantID, m.ProjectID, now,
	); err != nil {
		return Snapshot{}, fmt.Errorf("bump project version: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO project_revisions (id, tenant_id, project_id, version, actor_id, reason, writes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), m.TenantID, m.ProjectID, current+1, m.ActorID, m.Reason, writesJSON, now,
	); err != nil {
		return Snapshot{}, fmt.Errorf("insert project revision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("commit apply: %w", err)
	}
	return s.Get(ctx, m.TenantID, m.ProjectID)
}

// Delete removes keys by prefix, or the whole project for an empty prefix.
func (s *PgStore) Delete(ctx context.Context, tenantID, projectID, prefix string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if prefix == "" {
		var n int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM project_fields WHERE tenant_id = $1 AND project_id = $2`,
			tenantID, projectID,
		).Scan(&n); err != nil {
			return 0, fmt.Errorf("count project fields: %w", err)
		}
		// Fields and revisions cascade.
		if _, err := tx.Exec(ctx, `
			DELETE FROM projects WHERE tenant_id = $1 AND project_id = $2`,
			tenantID, projectID,
		); err != nil {
			return 0, fmt.Errorf("delete project: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("commit delete: %w", err)
		}
		return n, nil
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM project_fields
		WHERE tenant_id = $1 AND project_id = $2 AND starts_with(key, $3)`,
		tenantID, projectID, prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("delete project fields: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE projects SET version = version + 1, updated_at = now()
			WHERE tenant_id = $1 AND project_id = $2`,
			tenantID, projectID,
		); err != nil {
			return 0, fmt.Errorf("bump project version: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return n, nil
}

// History returns revisions newest first.
func (s *PgStore) History(ctx context.Context, tenantID, projectID string, limit int) ([]Revision, error) {
	query := `
		SELECT id, project_id, version, actor_id, reason, writes, created_at
		FROM project_revisions
		WHERE tenant_id = $1 AND project_id = $2
		ORDER BY version DESC`
	args := []any{tenantID, projectID}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query project revisions: %w", err)
	}
	defer rows.Close()

	var revs []Revision
	for rows.Next() {
		var r Revision
		var id uuid.UUID
		var writesJSON []byte
		if err := rows.Scan(&id, &r.ProjectID, &r.Version, &r.ActorID, &r.Reason, &writesJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project revision: %w", err)
		}
		r.ID = id.String()
		if err := json.Unmarshal(writesJSON, &r.Writes); err != nil {
			return nil, fmt.Errorf("unmarshal revision writes: %w", err)
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

// Ping checks the connection pool.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
