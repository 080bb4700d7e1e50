// Package ratelimit implements the per-identifier fixed-window counter
// consulted before a quota debit is accepted. Counters live either in
// redis (production) or in the rate_limit_counters table (single-node and
// test deployments); both increments are first-writer-wins atomic.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/forgeapp/meterd/internal/clock"
)

// IdentifierType tells which kind of client identifier a counter is keyed by.
type IdentifierType string

const (
	IdentifierUser   IdentifierType = "user"
	IdentifierAPIKey IdentifierType = "api_key"
	IdentifierIP     IdentifierType = "ip"
)

// Store atomically increments a window counter and reports the count after
// the increment.
type Store interface {
	Incr(ctx context.Context, identifier string, identifierType IdentifierType, windowStart time.Time, ttl time.Duration) (int64, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed     bool
	Count       int64
	Limit       int64
	WindowStart time.Time
	RetryAfter  time.Duration
}

// Limiter enforces a fixed ceiling per identifier per window.
type Limiter struct {
	store  Store
	limit  int64
	window time.Duration
	clock  clock.Clock
}

func NewLimiter(store Store, limit int64, window time.Duration, clk clock.Clock) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("rate limit store is required")
	}
	if limit <= 0 {
		return nil, errors.New("rate limit ceiling must be positive")
	}
	if window <= 0 {
		return nil, errors.New("rate limit window must be positive")
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Limiter{store: store, limit: limit, window: window, clock: clk}, nil
}

// Allow increments the identifier's counter for the current window and
// reports whether the request is within the ceiling. The increment is
// never rolled back on denial: a denied request still counts.
func (l *Limiter) Allow(ctx context.Context, identifier string, identifierType IdentifierType) (Result, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Result{}, errors.New("rate limit identifier is empty")
	}
	now := l.clock.Now()
	windowStart := now.Truncate(l.window)
	count, err := l.store.Incr(ctx, identifier, identifierType, windowStart, l.window*2)
	if err != nil {
		return Result{}, err
	}
	result := Result{
		Allowed:     count <= l.limit,
		Count:       count,
		Limit:       l.limit,
		WindowStart: windowStart,
	}
	if !result.Allowed {
		result.RetryAfter = windowStart.Add(l.window).Sub(now)
	}
	return result, nil
}
