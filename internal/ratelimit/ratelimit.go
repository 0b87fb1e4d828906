// Package ratelimit counts requests per client origin in fixed windows.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// DefaultLimit is the number of requests admitted per client and window.
const DefaultLimit = 1000

// CounterStore persists request counters.
type CounterStore interface {
	// Increment adds one hit to key in the window containing now and
	// returns the count including this hit. A counter whose window has
	// elapsed starts again at 1.
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)

	// Reset clears the counter for key.
	Reset(ctx context.Context, key string) error
}

// Config controls limiter behaviour.
type Config struct {
	Limit    int64
	Window   time.Duration
	FailOpen bool // admit requests when the store fails
}

// Limiter admits or rejects requests per client key.
type Limiter struct {
	store  CounterStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter.
func New(store CounterStore, cfg Config, opts ...Option) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	l := &Limiter{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one request for clientKey and reports whether it is admitted.
// The counter is incremented before the decision, so rejected requests count too.
// A store error is returned alongside the policy decision.
func (l *Limiter) Allow(ctx context.Context, clientKey string) (bool, error) {
	count, err := l.store.Increment(ctx, clientKey, l.now(), l.cfg.Window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable",
			"client", clientKey,
			"fail_open", l.cfg.FailOpen,
			"error", err,
		)
		return l.cfg.FailOpen, err
	}
	return count <= l.cfg.Limit, nil
}

// Reset clears the counter for clientKey.
func (l *Limiter) Reset(ctx context.Context, clientKey string) error {
	return l.store.Reset(ctx, clientKey)
}

// windowStart truncates now to the beginning of its window.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}
