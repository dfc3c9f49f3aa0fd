// Package storage defines the durable key-value Store used for rate-limit records
// and the audit trail, plus the backend registry.
//
// New backends are added by implementing Store and registering with the factory
// via an init() function in the backend's own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Store, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by Updater implementations when a compare-and-swap
// write lost to a concurrent writer more times than the backend retries.
var ErrConflict = errors.New("storage: concurrent update conflict")

// Store is a durable byte-value store addressed by key.
type Store interface {
	// Get returns the value stored under key. A missing key is reported as
	// found=false with a nil error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
}

// UpdateFunc computes the new value for a key from its current value. It may be
// called more than once when a backend retries after a conflict, so it must not
// have side effects.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Updater is implemented by stores that can apply an UpdateFunc atomically
// (version-checked compare-and-swap or a row lock).
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Update applies fn to the value under key. Stores implementing Updater do so
// atomically; for the rest it is a plain read-modify-write, and a concurrent
// writer may be lost.
func Update(ctx context.Context, s Store, key string, fn UpdateFunc) error {
	if u, ok := s.(Updater); ok {
		return u.Update(ctx, key, fn)
	}

	current, found, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, next)
}

// ExpiringUpdater is implemented by stores that can expire a key. The key is
// reported as missing once ttl has passed since the last UpdateWithTTL.
type ExpiringUpdater interface {
	UpdateWithTTL(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}

// UpdateWithTTL is Update for short-lived keys such as rate-limit windows. Stores
// without expiry support keep the key until it is overwritten.
func UpdateWithTTL(ctx context.Context, s Store, key string, ttl time.Duration, fn UpdateFunc) error {
	if e, ok := s.(ExpiringUpdater); ok && ttl > 0 {
		return e.UpdateWithTTL(ctx, key, ttl, fn)
	}
	return Update(ctx, s, key, fn)
}

// Sweeper is implemented by stores that hold expired keys until they are
// deleted explicitly.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks connectivity for stores implementing Pinger. In-process stores
// are always reachable.
func Ping(ctx context.Context, s Store) error {
	if p, ok := s.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
