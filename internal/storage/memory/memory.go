// Package memory implements an in-process Store. It is the default backend for
// single-instance deployments and tests; data does not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/storage"
)

func init() {
	storage.Register("memory", func(_ *config.Config) (storage.Store, error) {
		return New(), nil
	})
}

// Store is a mutex-guarded map. Update holds the lock across the UpdateFunc.
// Keys written with a TTL read as missing once expired and are deleted by
// SweepExpired or the next write.
type Store struct {
	mu      sync.Mutex
	data    map[string][]byte
	expires map[string]time.Time
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		data:    make(map[string][]byte),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the stored value
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.live(key)
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

// Put stores a copy of value without expiry
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = clone(value)
	delete(s.expires, key)
	return nil
}

// Update applies fn under the store lock. The key loses any expiry.
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	return s.UpdateWithTTL(ctx, key, 0, fn)
}

// UpdateWithTTL applies fn under the store lock and expires the key after ttl.
// A non-positive ttl stores the key without expiry.
func (s *Store) UpdateWithTTL(_ context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.live(key)
	next, err := fn(clone(cur), ok)
	if err != nil {
		return err
	}
	s.data[key] = clone(next)
	if ttl > 0 {
		s.expires[key] = s.now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
	return nil
}

// SweepExpired deletes expired keys and reports how many were removed.
func (s *Store) SweepExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, at := range s.expires {
		if !now.Before(at) {
			delete(s.data, key)
			delete(s.expires, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of keys held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// live returns the value under key unless it has expired. Caller holds mu.
func (s *Store) live(key string) ([]byte, bool) {
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if at, exp := s.expires[key]; exp && !s.now().Before(at) {
		return nil, false
	}
	return v, true
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
