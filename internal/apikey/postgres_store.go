package apikey

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, developer, name, tier, scopes, created_at, expires_at, revoked, suspended)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, key.ID, key.Hash, key.Developer, key.Name, string(key.Tier),
		pq.Array(key.Scopes), key.CreatedAt, key.ExpiresAt, key.Revoked, key.Suspended)
	return err
}

// GetByHash retrieves an API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key := &APIKey{}
	var tier string
	var expiresAt sql.NullTime
	var lastUsed sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, hash, developer, name, tier, scopes, created_at, last_used, expires_at, revoked, suspended
		FROM api_keys WHERE hash = $1
	`, hash).Scan(
		&key.ID, &key.Hash, &key.Developer, &key.Name, &tier,
		pq.Array(&key.Scopes), &key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked, &key.Suspended,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	key.Tier = Tier(tier)
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}

// GetByDeveloper retrieves all API keys for a developer
func (p *PostgresStore) GetByDeveloper(ctx context.Context, developer string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, developer, name, tier, scopes, created_at, last_used, expires_at, revoked, suspended
		FROM api_keys WHERE developer = $1 ORDER BY created_at DESC
	`, developer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key := &APIKey{}
		var tier string
		var expiresAt sql.NullTime
		var lastUsed sql.NullTime

		if err := rows.Scan(
			&key.ID, &key.Hash, &key.Developer, &key.Name, &tier,
			pq.Array(&key.Scopes), &key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked, &key.Suspended,
		); err != nil {
			return nil, err
		}

		key.Tier = Tier(tier)
		if expiresAt.Valid {
			key.ExpiresAt = &expiresAt.Time
		}
		if lastUsed.Valid {
			key.LastUsed = lastUsed.Time
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update updates an API key
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = $2, suspended = $3 WHERE id = $4
	`, key.LastUsed, key.Revoked, key.Suspended, key.ID)
	return err
}

// Delete removes an API key
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

// Migrate creates the api_keys table if it doesn't exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id          VARCHAR(36) PRIMARY KEY,
			hash        VARCHAR(64) NOT NULL UNIQUE,
			developer   VARCHAR(255) NOT NULL,
			name        VARCHAR(255),
			tier        VARCHAR(20) NOT NULL DEFAULT 'free',
			scopes      TEXT[] NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			last_used   TIMESTAMPTZ,
			expires_at  TIMESTAMPTZ,
			revoked     BOOLEAN DEFAULT FALSE,
			suspended   BOOLEAN DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(hash);
		CREATE INDEX IF NOT EXISTS idx_api_keys_developer ON api_keys(developer);
	`)
	return err
}
