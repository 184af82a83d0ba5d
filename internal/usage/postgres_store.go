package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the usage_records table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_records (
			id          VARCHAR(36) PRIMARY KEY,
			key_id      VARCHAR(36) NOT NULL,
			endpoint    VARCHAR(128) NOT NULL,
			method      VARCHAR(8) NOT NULL DEFAULT '',
			status      INT NOT NULL DEFAULT 0,
			units       INT NOT NULL CHECK (units >= 0),
			latency_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_usage_records_key_id
			ON usage_records (key_id, created_at DESC);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, key_id, endpoint, method, status, units, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.KeyID, r.Endpoint, r.Method, r.Status, r.Units, r.LatencyMs, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Summarize(ctx context.Context, keyID string, since time.Time) (*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint, COUNT(*), COALESCE(SUM(units), 0)
		FROM usage_records
		WHERE key_id = $1 AND created_at >= $2
		GROUP BY endpoint
	`, keyID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sum := &Summary{
		KeyID:      keyID,
		ByEndpoint: make(map[string]int),
		Since:      since,
	}
	for rows.Next() {
		var endpoint string
		var calls, units int
		if err := rows.Scan(&endpoint, &calls, &units); err != nil {
			return nil, err
		}
		sum.TotalCalls += calls
		sum.TotalUnits += units
		sum.ByEndpoint[endpoint] = units
	}
	return sum, rows.Err()
}
