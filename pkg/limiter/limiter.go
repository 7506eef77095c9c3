// Package limiter rate-limits money-rail provider submissions per
// tenant: a Redis-backed atomic token bucket for multi-process
// deployments, and an in-process x/time/rate limiter for single-node and
// test setups.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy configures a tenant's token bucket.
type Policy struct {
	// RPM is the sustained refill rate, requests per minute.
	RPM int
	// Burst is the bucket capacity.
	Burst int
}

// Limiter answers whether an actor may proceed right now. Callers that
// are denied back off and retry; nothing queues inside the limiter.
type Limiter interface {
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// LocalLimiter is the in-process implementation, one token bucket per
// actor.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[actorID]
	if !ok {
		perSecond := rate.Limit(float64(policy.RPM) / 60.0)
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		bucket = rate.NewLimiter(perSecond, burst)
		l.buckets[actorID] = bucket
	}
	l.mu.Unlock()
	return bucket.AllowN(time.Now(), cost), nil
}
