// Package ratelimit bounds per-service, per-caller request rates over a
// fixed window.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tokenlab-io/marketplace/internal/app/storage"
	"github.com/tokenlab-io/marketplace/pkg/logger"
)

// DefaultWindow is the counting window used when none is configured.
const DefaultWindow = 60 * time.Second

// Limiter counts requests per (service, caller) pair in a fixed window
// backed by an expiring counter store.
type Limiter struct {
	windows  storage.WindowStore
	window   time.Duration
	failOpen bool
	log      *logger.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the counting window.
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithFailOpen controls behaviour when the counter store errors. Fail-open
// (the default) allows the request through: availability is preferred over
// strict limiting.
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) {
		l.failOpen = failOpen
	}
}

// New constructs a limiter over the given counter store.
func New(windows storage.WindowStore, log *logger.Logger, opts ...Option) *Limiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	l := &Limiter{
		windows:  windows,
		window:   DefaultWindow,
		failOpen: true,
		log:      log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether the caller may make another request to the service
// within the current window. quota <= 0 means unlimited. When the counter
// store errors the decision follows the fail-open policy.
func (l *Limiter) Allow(ctx context.Context, serviceID, callerAddress string, quota int) (bool, error) {
	if quota <= 0 {
		return true, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", serviceID, strings.ToLower(callerAddress))
	count, err := l.windows.Incr(ctx, key, l.window)
	if err != nil {
		if l.failOpen {
			l.log.WithError(err).WithField("service_id", serviceID).Warn("rate limit store unavailable; allowing request (fail-open)")
			return true, nil
		}
		return false, fmt.Errorf("rate limit check: %w", err)
	}

	return count <= int64(quota), nil
}
