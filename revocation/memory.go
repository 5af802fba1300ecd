package revocation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps revocation records in process memory, keyed by token
// digest like the persisted backends.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore constructs the store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		records: make(map[string]time.Time),
		now:     now,
	}
}

// Blacklist stores token until expiresAt unless a live record already exists.
func (s *MemoryStore) Blacklist(ctx context.Context, token string, expiresAt time.Time) error {
	key := tokenKey(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok && existing.After(s.now()) {
		return nil
	}
	s.records[key] = expiresAt
	return nil
}

// IsRevoked indicates if token has a live record.
func (s *MemoryStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.records[tokenKey(token)]
	if !ok {
		return false, nil
	}
	return expiry.After(s.now()), nil
}

// Prune removes expired records.
func (s *MemoryStore) Prune(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, expiry := range s.records {
		if !expiry.After(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
