package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleLimiterTTL = 30 * time.Minute

type entry struct {
	limiter *rate.Limiter
	last    time.Time
}

// Local keeps one limiter per key in process memory.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func NewLocal(capacity int, refillPerSecond float64) *Local {
	if capacity <= 0 {
		capacity = 1
	}
	return &Local{
		limiters: make(map[string]*entry),
		limit:    rate.Limit(refillPerSecond),
		burst:    capacity,
		now:      time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.last = now
	return e.limiter.AllowN(now, 1), nil
}

// Cleanup forgets limiters idle for longer than 30 minutes.
func (l *Local) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.limiters {
		if l.now().Sub(e.last) > idleLimiterTTL {
			delete(l.limiters, k)
			n++
		}
	}
	return n
}
