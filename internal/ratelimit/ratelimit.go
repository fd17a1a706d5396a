// Package ratelimit provides sliding-window admission control for outgoing
// RPC calls. Public endpoints enforce opaque quotas, so the monitor keeps its
// own budget and skips work instead of getting the whole process banned.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits at most maxRequests calls inside a trailing window. It never
// blocks: when the window is full, Allow returns false and the caller decides
// whether to defer or skip.
type Limiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	timestamps  []time.Time
	now         func() time.Time
}

// New creates a Limiter admitting maxRequests calls per window.
func New(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow reports whether a call may proceed and, if so, consumes a slot.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	if len(l.timestamps) >= l.maxRequests {
		return false
	}
	l.timestamps = append(l.timestamps, l.now())
	return true
}

// Remaining returns the number of slots currently available.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	return l.maxRequests - len(l.timestamps)
}

// prune drops timestamps that have aged out of the window. Callers must hold mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.timestamps[:0]
	for _, ts := range l.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.timestamps = kept
}
