// Package memory provides in-process implementations of the cache and
// authorization ports.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/artpar/tablegate/ports"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// CacheStore is an in-memory implementation of ports.CacheStore with
// per-entry expiry. Expired entries are dropped lazily on read.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	clock   ports.Clock
}

// NewCacheStore creates an empty store. A nil clock uses the system time.
func NewCacheStore(clock ports.Clock) *CacheStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &CacheStore{
		entries: make(map[string]cacheEntry),
		clock:   clock,
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Get returns a copy of the stored value.
func (s *CacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !s.clock.Now().Before(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores a copy of value. A zero ttl never expires.
func (s *CacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := cacheEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Invalidate removes key. Removing a missing key is not an error.
func (s *CacheStore) Invalidate(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// InvalidatePrefix removes every key starting with prefix.
func (s *CacheStore) InvalidatePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (s *CacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Ensure interface compliance.
var _ ports.CacheStore = (*CacheStore)(nil)
