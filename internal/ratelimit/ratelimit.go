// Package ratelimit enforces a per-user fixed-window query quota on top of a
// durable storage.Store.
//
// Each user has one Record. A call past the end of the current window starts a new
// one; every call increments the counter and persists it, including calls that are
// denied. The limiter fails open: if the store cannot be read or written the call is
// allowed and the failure is logged and counted.
//
// Records are written with a TTL of two windows, so idle users do not leave
// counters behind.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/logwarden/logwarden/internal/storage"
	"github.com/logwarden/logwarden/internal/telemetry"
)

// DefaultWindow is the fixed window length.
const DefaultWindow = time.Minute

const keyPrefix = "ratelimit:"

// Record is the persisted counter for one user.
type Record struct {
	WindowStartMs int64     `json:"windowStartMs"`
	Count         int       `json:"count"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Result is the outcome of a Consume call.
type Result struct {
	Allowed bool
	Limit   int
	// Remaining is the quota left in the current window after this call.
	Remaining int
	// RetryAfterSeconds is set only when the call was denied.
	RetryAfterSeconds int
	// Degraded reports that the store failed and the call was allowed without counting.
	Degraded bool
}

// Limiter is a fixed-window counter per user.
type Limiter struct {
	store  storage.Store
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithWindow overrides the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// New creates a Limiter over store.
func New(store storage.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		window: DefaultWindow,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordTTL is how long a record outlives its last write.
func (l *Limiter) RecordTTL() time.Duration {
	return 2 * l.window
}

// Key returns the storage key of userID's record.
func Key(userID string) string {
	return keyPrefix + userID
}

// Consume counts one request for userID against a quota of max per window.
// A max below 1 is treated as 1.
func (l *Limiter) Consume(ctx context.Context, userID string, max int) Result {
	if max < 1 {
		max = 1
	}
	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()

	var rec Record
	err := storage.UpdateWithTTL(ctx, l.store, Key(userID), l.RecordTTL(), func(cur []byte, found bool) ([]byte, error) {
		rec = Record{}
		if found {
			if jerr := json.Unmarshal(cur, &rec); jerr != nil {
				l.logger.Warn("discarding unreadable rate limit record", "user_id", userID, "error", jerr)
				rec = Record{}
			}
		}
		if rec.WindowStartMs == 0 || nowMs >= rec.WindowStartMs+windowMs || nowMs < rec.WindowStartMs {
			rec.WindowStartMs = nowMs
			rec.Count = 0
		}
		rec.Count++
		rec.UpdatedAt = now.UTC()
		return json.Marshal(rec)
	})
	if err != nil {
		telemetry.RateLimitStoreErrorsTotal.Inc()
		l.logger.Warn("rate limit store unavailable, allowing request", "user_id", userID, "error", err)
		return Result{Allowed: true, Limit: max, Remaining: max - 1, Degraded: true}
	}

	if rec.Count > max {
		return Result{
			Allowed:           false,
			Limit:             max,
			Remaining:         0,
			RetryAfterSeconds: retryAfter(rec.WindowStartMs+windowMs-nowMs),
		}
	}
	return Result{Allowed: true, Limit: max, Remaining: max - rec.Count}
}

// retryAfter converts the milliseconds left in the window to whole seconds, rounding up.
func retryAfter(remainingMs int64) int {
	if remainingMs <= 0 {
		return 1
	}
	return int((remainingMs + 999) / 1000)
}
