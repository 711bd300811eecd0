// Package ratelimit implements the fixed-window submission limiter for the
// contact gateway. The window is anchored at the first request of each
// identifier and reset lazily on the next request after expiry; there is no
// background sweeper, so entries for distinct identifiers accumulate for the
// lifetime of the process.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxRequests = 3
	DefaultWindow      = 60 * time.Second
)

// Decision is the outcome of a single Check call. RetryAfterSeconds is only
// meaningful when Allowed is false: it is the remaining window time rounded
// up to the nearest second.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
}

type entry struct {
	count int
	first time.Time
}

// Limiter is a fixed-window counter keyed by client identifier. The zero
// value is not usable; construct with New. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	entries map[string]*entry
}

type Option func(*Limiter)

// WithClock replaces the limiter's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(max int, window time.Duration, opts ...Option) *Limiter {
	if max <= 0 {
		max = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		max:     max,
		window:  window,
		now:     time.Now,
		entries: map[string]*entry{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records a request for identifier and decides whether it is allowed.
// The first request of a window (including the first after an expired
// window) starts a fresh count.
func (l *Limiter) Check(identifier string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identifier]
	if !ok || now.Sub(e.first) > l.window {
		l.entries[identifier] = &entry{count: 1, first: now}
		return Decision{Allowed: true}
	}
	if e.count >= l.max {
		remaining := l.window - now.Sub(e.first)
		return Decision{RetryAfterSeconds: ceilSeconds(remaining)}
	}
	e.count++
	return Decision{Allowed: true}
}

// Reset drops all window state. Intended for tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = map[string]*entry{}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
