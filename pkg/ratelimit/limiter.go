// Package ratelimit provides fixed-window call counters keyed by caller and route.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the fixed counting window.
const Window = 60 * time.Second

// Limiter admits at most max calls per key within one Window.
type Limiter interface {
	Allow(ctx context.Context, key string, max int) (bool, error)
}

// Key builds the limiter key for an agent on a route.
func Key(agent, routeID string) string {
	return agent + "|" + routeID
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a process-local fixed-window Limiter. The window is
// anchored at the first call after the previous window ended.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryLimiter creates an empty limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window), now: time.Now}
}

// WithClock overrides the time source.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, max int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(Window)}
		l.windows[key] = w
	}
	if w.count >= max {
		return false, nil
	}
	w.count++
	return true, nil
}

// Sweep drops windows that have ended. Long-running servers call it periodically.
func (l *MemoryLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}
