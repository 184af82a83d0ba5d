package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the assessments table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS assessments (
			id          VARCHAR(36) PRIMARY KEY,
			key_id      VARCHAR(36) NOT NULL,
			kind        VARCHAR(10) NOT NULL CHECK (kind IN ('analyze', 'verify')),
			risk_score  INT NOT NULL CHECK (risk_score >= 0 AND risk_score <= 100),
			patterns    JSONB NOT NULL DEFAULT '[]',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_assessments_key_id
			ON assessments (key_id, created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_assessments_high_risk
			ON assessments (created_at DESC) WHERE risk_score >= 70;
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	patternsJSON, err := json.Marshal(a.Patterns)
	if err != nil {
		return fmt.Errorf("failed to marshal patterns: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessments (id, key_id, kind, risk_score, patterns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		a.ID,
		a.KeyID,
		a.Kind,
		a.RiskScore,
		patternsJSON,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByKey(ctx context.Context, keyID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key_id, kind, risk_score, patterns, created_at
		FROM assessments
		WHERE key_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var patternsJSON []byte
		var createdAt time.Time

		if err := rows.Scan(&a.ID, &a.KeyID, &a.Kind, &a.RiskScore, &patternsJSON, &createdAt); err != nil {
			continue
		}
		a.CreatedAt = createdAt
		_ = json.Unmarshal(patternsJSON, &a.Patterns)
		result = append(result, &a)
	}
	return result, nil
}
