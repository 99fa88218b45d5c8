package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	n         int64
	expiresAt time.Time
}

// MemoryLimiter is the single-process limiter used with the in-memory queue.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	Now      func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{counters: map[string]*counter{}, Now: time.Now}
}

func (l *MemoryLimiter) Admit(_ context.Context, senderID string, limit int) (Decision, error) {
	now := l.Now()
	key := BucketKey(senderID, now)

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		l.sweep(now)
		c = &counter{expiresAt: now.Add(counterTTL)}
		l.counters[key] = c
	}
	c.n++
	return decide(c.n, limit, now), nil
}

// sweep drops expired buckets; called with mu held.
func (l *MemoryLimiter) sweep(now time.Time) {
	for k, c := range l.counters {
		if !now.Before(c.expiresAt) {
			delete(l.counters, k)
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
