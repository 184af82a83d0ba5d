package usage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates a new in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryStore) Summarize(_ context.Context, keyID string, since time.Time) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &Summary{
		KeyID:      keyID,
		ByEndpoint: make(map[string]int),
		Since:      since,
	}
	for _, r := range s.records {
		if r.KeyID != keyID || r.CreatedAt.Before(since) {
			continue
		}
		sum.TotalUnits += r.Units
		sum.TotalCalls++
		sum.ByEndpoint[r.Endpoint] += r.Units
	}
	return sum, nil
}
