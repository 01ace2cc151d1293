package api

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// PostgresIdempotencyStore makes idempotency durable across restarts.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	status_code INT NOT NULL,
	body BYTEA NOT NULL,
	cached_at TIMESTAMPTZ NOT NULL
);
`

// Init creates the idempotency table.
func (s *PostgresIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, idempotencySchema)
	return err
}

func (s *PostgresIdempotencyStore) Check(key string) (*cachedResponse, bool) {
	var statusCode int
	var body []byte
	var cachedAt time.Time
	err := s.db.QueryRow(
		`SELECT status_code, body, cached_at FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&statusCode, &body, &cachedAt)
	if err != nil {
		return nil, false
	}
	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}
	return &cachedResponse{StatusCode: statusCode, Body: body, CachedAt: cachedAt}, true
}

func (s *PostgresIdempotencyStore) Set(key string, statusCode int, body []byte) {
	_, err := s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, body, cached_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, body = $3, cached_at = NOW()`,
		key, statusCode, body,
	)
	if err != nil {
		// Best-effort: losing a cache entry only costs a duplicate execution.
		slog.Warn("idempotency store set failed", "key", key, "error", err)
	}
}

// Cleanup removes expired keys. Called periodically by the server.
func (s *PostgresIdempotencyStore) Cleanup() {
	_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE cached_at < $1`, time.Now().Add(-s.ttl))
}
