// Package postgres provides a session repository backed by PostgreSQL,
// suitable for running multiple chunkd instances against shared state.
//
// CAS is implemented with optimistic locking: every row carries a version
// counter, and the UPDATE is guarded by both the expected status and the
// version read at the start of the swap. Zero rows affected means a
// concurrent writer won.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chunkd-io/chunkd/internal/logger"
	"github.com/chunkd-io/chunkd/pkg/upload"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	id               TEXT PRIMARY KEY,
	filename         TEXT NOT NULL,
	content_type     TEXT NOT NULL DEFAULT '',
	total_size       BIGINT NOT NULL,
	chunk_size       BIGINT NOT NULL,
	total_chunks     BIGINT NOT NULL,
	received         JSONB NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL,
	artifact_ref     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	last_activity_at TIMESTAMPTZ NOT NULL,
	version          BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_upload_sessions_status
	ON upload_sessions (status)
	WHERE status NOT IN ('completed', 'failed', 'expired');
`

const sessionColumns = `id, filename, content_type, total_size, chunk_size,
	total_chunks, received, status, artifact_ref, created_at, updated_at,
	completed_at, last_activity_at, version`

// Repository is a PostgreSQL-backed session repository.
type Repository struct {
	pool *pgxpool.Pool
	cfg  *Config
}

var _ upload.SessionRepository = (*Repository)(nil)

// New connects to PostgreSQL, bootstraps the schema and returns the
// repository.
func New(ctx context.Context, cfg *Config) (*Repository, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.QueryTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%dms", cfg.QueryTimeout.Milliseconds())
	}

	logger.Info("connecting to PostgreSQL session repository",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"max_conns", cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	return &Repository{pool: pool, cfg: cfg}, nil
}

// Backend returns the backend type label.
func (r *Repository) Backend() string {
	return "postgres"
}

func scanSession(row pgx.Row) (*upload.Session, error) {
	var (
		session     upload.Session
		completedAt *time.Time
	)
	err := row.Scan(
		&session.ID,
		&session.Filename,
		&session.ContentType,
		&session.TotalSize,
		&session.ChunkSize,
		&session.TotalChunks,
		&session.Received,
		&session.Status,
		&session.ArtifactRef,
		&session.CreatedAt,
		&session.UpdatedAt,
		&completedAt,
		&session.LastActivityAt,
		&session.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, upload.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}
	if completedAt != nil {
		session.CompletedAt = *completedAt
	}
	return &session, nil
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *Repository) Create(ctx context.Context, session *upload.Session) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO upload_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		session.ID,
		session.Filename,
		session.ContentType,
		session.TotalSize,
		session.ChunkSize,
		session.TotalChunks,
		session.Received,
		session.Status,
		session.ArtifactRef,
		session.CreatedAt,
		session.UpdatedAt,
		nullableTime(session.CompletedAt),
		session.LastActivityAt,
		session.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return upload.ErrCASConflict
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*upload.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (r *Repository) CompareAndSwap(ctx context.Context, id string, expected upload.Status, mutate func(*upload.Session) error) (*upload.Session, error) {
	stored, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.Status != expected {
		return nil, upload.ErrCASConflict
	}

	next := stored.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = stored.Version + 1

	tag, err := r.pool.Exec(ctx, `
		UPDATE upload_sessions
		SET received = $1, status = $2, artifact_ref = $3, updated_at = $4,
			completed_at = $5, last_activity_at = $6, version = $7
		WHERE id = $8 AND status = $9 AND version = $10`,
		next.Received,
		next.Status,
		next.ArtifactRef,
		next.UpdatedAt,
		nullableTime(next.CompletedAt),
		next.LastActivityAt,
		next.Version,
		id,
		expected,
		stored.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, upload.ErrCASConflict
	}
	return next, nil
}

func (r *Repository) ListActive(ctx context.Context) ([]*upload.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions
		WHERE status NOT IN ('completed', 'failed', 'expired')`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer rows.Close()

	var active []*upload.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		active = append(active, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active sessions: %w", err)
	}
	return active, nil
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}
