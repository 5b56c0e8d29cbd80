package microsoft

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// RateLimitConfig holds rate limiting configuration for an endpoint.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate limit.
	RequestsPerSecond float64
	// BurstSize is the maximum burst size.
	BurstSize int
}

// DefaultRateLimits provides conservative defaults per product.
// Dataverse allows ~6,000 requests per 5 minutes per user (20/sec).
var DefaultRateLimits = map[domain.ProductType]RateLimitConfig{
	domain.ProductDataverse: {RequestsPerSecond: 15.0, BurstSize: 20},
	domain.ProductFinOps:    {RequestsPerSecond: 10.0, BurstSize: 15},
}

// defaultThrottleBackoff applies when a 429 carries no Retry-After.
const defaultThrottleBackoff = 60 * time.Second

// RateLimiter paces requests to one service endpoint.
// It uses a token bucket with a shared backoff window after 429 responses,
// so every worker pauses once the service starts throttling.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
}

// NewRateLimiter creates a rate limiter for the product's default limits.
func NewRateLimiter(product domain.ProductType) *RateLimiter {
	cfg, ok := DefaultRateLimits[product]
	if !ok {
		cfg = RateLimitConfig{RequestsPerSecond: 10.0, BurstSize: 15}
	}

	return NewRateLimiterWithConfig(cfg)
}

// NewRateLimiterWithConfig creates a rate limiter with custom configuration.
func NewRateLimiterWithConfig(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
	}
}

// Wait blocks until a request can be made without exceeding the rate limit.
// It also respects any backoff window set by RecordRateLimitError.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if wait := time.Until(retryAt); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return r.limiter.Wait(ctx)
}

// RecordRateLimitError opens a backoff window after a 429 response.
// retryAfter should come from the Retry-After header; zero or negative
// values fall back to 60 seconds. A window never shrinks.
func (r *RateLimiter) RecordRateLimitError(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if retryAfter <= 0 {
		retryAfter = defaultThrottleBackoff
	}

	if at := time.Now().Add(retryAfter); at.After(r.retryAt) {
		r.retryAt = at
	}
}
