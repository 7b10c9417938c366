package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"stream-orchestrator/internal/models"
)

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
	ApplicationName   string
}

// PostgresStore persists records in the session_history table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS session_history (
	id           UUID PRIMARY KEY,
	key_digest   TEXT NOT NULL,
	owner_id     TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL,
	state        TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ NOT NULL,
	variants     TEXT[] NOT NULL DEFAULT '{}',
	error        TEXT NOT NULL DEFAULT '',
	peak_viewers INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS session_history_key_started_idx ON session_history (key_digest, started_at DESC);
CREATE INDEX IF NOT EXISTS session_history_ended_idx ON session_history (ended_at);
`

func poolConfig(cfg PostgresConfig) (*pgxpool.Config, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	return poolCfg, nil
}

// NewPostgresStore opens the pool. Call EnsureSchema before first use.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the history table and its indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure history schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, r Record) error {
	variants := r.Variants
	if variants == nil {
		variants = []string{}
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO session_history (id, key_digest, owner_id, source, state, started_at, ended_at, variants, error, peak_viewers)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING
`, r.ID, r.KeyDigest, r.OwnerID, string(r.Source), string(r.State), r.StartedAt.UTC(), r.EndedAt.UTC(), variants, r.Error, r.PeakViewers)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return nil
}

// List returns the newest records for streamKey first.
func (s *PostgresStore) List(ctx context.Context, streamKey string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, key_digest, owner_id, source, state, started_at, ended_at, variants, error, peak_viewers
FROM session_history
WHERE key_digest = $1
ORDER BY started_at DESC
LIMIT $2
`, Digest(streamKey), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			source string
			state  string
		)
		if err := rows.Scan(&r.ID, &r.KeyDigest, &r.OwnerID, &source, &state, &r.StartedAt, &r.EndedAt, &r.Variants, &r.Error, &r.PeakViewers); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Source = models.IngestSource(source)
		r.State = models.SessionState(state)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM session_history WHERE ended_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx ends.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
