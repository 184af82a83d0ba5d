// Package apikey provides API key authentication for Fraudscan.
//
// Authentication model:
// - Public endpoints (health, docs, metrics): no auth required
// - Fraud and usage endpoints: require an API key with the matching scope
// - Raw keys are shown once at issue time; only a SHA256 hash is stored
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Errors
var (
	ErrKeyNotFound = errors.New("API key not found")
)

// Tier is a pricing tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierGrowth     Tier = "growth"
	TierEnterprise Tier = "enterprise"
)

// TierConfig defines limits for a pricing tier.
type TierConfig struct {
	Tier         Tier
	RateLimitRPM int
	MaxBatchSize int // 0 = unlimited
}

// Tiers is the hardcoded tier catalogue.
var Tiers = map[Tier]TierConfig{
	TierFree: {
		Tier:         TierFree,
		RateLimitRPM: 60,
		MaxBatchSize: 100,
	},
	TierStarter: {
		Tier:         TierStarter,
		RateLimitRPM: 300,
		MaxBatchSize: 1000,
	},
	TierGrowth: {
		Tier:         TierGrowth,
		RateLimitRPM: 1000,
		MaxBatchSize: 5000,
	},
	TierEnterprise: {
		Tier:         TierEnterprise,
		RateLimitRPM: 5000,
		MaxBatchSize: 0,
	},
}

// ValidTier returns true if the tier name is recognised.
func ValidTier(t Tier) bool {
	_, ok := Tiers[t]
	return ok
}

// ConfigForTier returns the tier's limits, falling back to free.
func ConfigForTier(t Tier) TierConfig {
	cfg, ok := Tiers[t]
	if !ok {
		return Tiers[TierFree]
	}
	return cfg
}

// Scopes
const (
	ScopeFraudRead  = "fraud:read"
	ScopeFraudWrite = "fraud:write"
	ScopeUsageRead  = "usage:read"
)

// Status describes why a validation succeeded or failed.
type Status string

const (
	StatusActive    Status = "active"
	StatusMissing   Status = "missing"
	StatusUnknown   Status = "unknown"
	StatusRevoked   Status = "revoked"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
)

// APIKey represents an issued API key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	Developer string     `json:"developer"`
	Name      string     `json:"name"`
	Tier      Tier       `json:"tier"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  time.Time  `json:"last_used,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
	Suspended bool       `json:"suspended"`
}

// HasScope reports whether the key carries the given scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Result is the outcome of a key validation. Status distinguishes the
// failure modes so the boundary can log them without leaking detail to the
// caller.
type Result struct {
	Valid  bool
	Key    *APIKey
	Status Status
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByDeveloper(ctx context.Context, developer string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles key issuance and validation.
type Manager struct {
	store Store
}

// NewManager creates a new key manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a new API key for a developer.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, developer, name string, tier Tier, scopes []string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	if !ValidTier(tier) {
		tier = TierFree
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeFraudRead, ScopeUsageRead}
	}

	key = &APIKey{
		ID:        "key_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		Developer: strings.ToLower(developer),
		Name:      name,
		Tier:      tier,
		Scopes:    scopes,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates a raw API key and returns a typed result.
// Never returns an error for invalid keys; the Result status carries the
// reason instead.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) Result {
	if rawKey == "" {
		return Result{Status: StatusMissing}
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return Result{Status: StatusUnknown}
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return Result{Status: StatusUnknown}
	}
	if key.Revoked {
		return Result{Status: StatusRevoked}
	}
	if key.Suspended {
		return Result{Valid: false, Key: key, Status: StatusSuspended}
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return Result{Status: StatusExpired}
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.Update(context.Background(), key)
	}()

	return Result{Valid: true, Key: key, Status: StatusActive}
}

// ListKeys returns all keys for a developer.
func (m *Manager) ListKeys(ctx context.Context, developer string) ([]*APIKey, error) {
	return m.store.GetByDeveloper(ctx, strings.ToLower(developer))
}

// RevokeKey revokes an API key owned by developer.
func (m *Manager) RevokeKey(ctx context.Context, keyID, developer string) error {
	keys, err := m.store.GetByDeveloper(ctx, developer)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

// SetSuspended suspends or reinstates an API key owned by developer.
// Suspended keys fail validation with a forbidden status until reinstated.
func (m *Manager) SetSuspended(ctx context.Context, keyID, developer string, suspended bool) error {
	keys, err := m.store.GetByDeveloper(ctx, developer)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Suspended = suspended
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
