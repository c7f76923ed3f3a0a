package service

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"research-orchestrator/internal/models"
)

// RateLimiter throttles enrichment calls per job kind. All jobs of one kind share a
// bucket, since they hit the same upstream quota.
type RateLimiter struct {
	mu sync.Mutex

	limit    rate.Limit
	burst    int
	limiters map[models.JobKind]*rate.Limiter
}

// NewRateLimiter creates a new rate limiter. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[models.JobKind]*rate.Limiter),
	}
}

// Wait blocks until a call for kind may proceed or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context, kind models.JobKind) error {
	return rl.limiterFor(kind).Wait(ctx)
}

func (rl *RateLimiter) limiterFor(kind models.JobKind) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[kind]
	if !exists {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[kind] = limiter
	}
	return limiter
}
