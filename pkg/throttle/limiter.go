// Package throttle provides per-capability rate limiters and concurrency
// gates, in-memory or shared through Redis.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned when a capability exceeds its call rate.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrConcurrencyLimit is returned when a capability has too many calls in flight.
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")
)

// RatePolicy is a token bucket: RatePerSecond refill, Burst capacity.
type RatePolicy struct {
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `json:"burst" yaml:"burst" toml:"burst"`
}

// Enabled reports whether the policy limits anything.
func (p RatePolicy) Enabled() bool { return p.RatePerSecond > 0 }

// RateLimiter decides whether a keyed call may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string, policy RatePolicy, cost int) (bool, error)
}

// LocalRateLimiter keeps one x/time/rate limiter per key.
type LocalRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*localBucket
}

type localBucket struct {
	policy  RatePolicy
	limiter *rate.Limiter
}

// NewLocalRateLimiter creates an in-process limiter.
func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{limiters: make(map[string]*localBucket)}
}

func (l *LocalRateLimiter) bucket(key string, policy RatePolicy) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.limiters[key]
	if !ok || b.policy != policy {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		b = &localBucket{policy: policy, limiter: rate.NewLimiter(rate.Limit(policy.RatePerSecond), burst)}
		l.limiters[key] = b
	}
	return b.limiter
}

// Allow consumes cost tokens if available. A disabled policy always allows.
func (l *LocalRateLimiter) Allow(_ context.Context, key string, policy RatePolicy, cost int) (bool, error) {
	if !policy.Enabled() {
		return true, nil
	}
	return l.bucket(key, policy).AllowN(timeNow(), cost), nil
}

// Wait blocks until cost tokens are available or ctx is done.
func (l *LocalRateLimiter) Wait(ctx context.Context, key string, policy RatePolicy, cost int) error {
	if !policy.Enabled() {
		return nil
	}
	return l.bucket(key, policy).WaitN(ctx, cost)
}

// Check runs limiter for key and maps a denial to ErrRateLimited.
// A nil limiter allows.
func Check(ctx context.Context, limiter RateLimiter, key string, policy RatePolicy) error {
	if limiter == nil || !policy.Enabled() {
		return nil
	}
	ok, err := limiter.Allow(ctx, key, policy, 1)
	if err != nil {
		return fmt.Errorf("rate limiter check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w for %s", ErrRateLimited, key)
	}
	return nil
}
