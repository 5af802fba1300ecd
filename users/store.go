// Package users links verified provider identities to internal subject ids.
//
// The service only needs lookup and creation keyed by (provider, provider key).
// Profile data and domain records live elsewhere.
package users

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subject is an internal account linked to exactly one external identity.
type Subject struct {
	ID          string
	Provider    string
	ProviderKey string
	Email       string
	CreatedAt   time.Time
}

// Store resolves and creates identity links.
type Store interface {
	// FindByProviderAndKey returns the linked subject, or ok=false when the
	// identity has never been seen.
	FindByProviderAndKey(ctx context.Context, provider, key string) (Subject, bool, error)
	// CreateLinkedSubject creates a subject for the identity. If another
	// caller linked the same identity first, that subject is returned with
	// created=false.
	CreateLinkedSubject(ctx context.Context, provider, key, email string) (sub Subject, created bool, err error)
}

// MemoryStore keeps identity links in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	links map[string]Subject
	now   func() time.Time
}

// NewMemoryStore constructs the store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{links: make(map[string]Subject), now: now}
}

func linkKey(provider, key string) string {
	return provider + ":" + key
}

func (s *MemoryStore) FindByProviderAndKey(ctx context.Context, provider, key string) (Subject, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.links[linkKey(provider, key)]
	return sub, ok, nil
}

func (s *MemoryStore) CreateLinkedSubject(ctx context.Context, provider, key, email string) (Subject, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := linkKey(provider, key)
	if existing, ok := s.links[k]; ok {
		return existing, false, nil
	}
	sub := Subject{
		ID:          uuid.NewString(),
		Provider:    provider,
		ProviderKey: key,
		Email:       email,
		CreatedAt:   s.now().UTC(),
	}
	s.links[k] = sub
	return sub, true, nil
}
