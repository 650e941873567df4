package authkit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ResetRateLimiter bounds password reset requests per email with a token bucket holding
// maxAttempts tokens that refills fully over window.
type ResetRateLimiter struct {
	mutex       sync.Mutex
	limiters    map[string]*rate.Limiter
	maxAttempts int
	refill      rate.Limit
	clock       Clock
}

// NewResetRateLimiter constructs a limiter. Non-positive arguments fall back to 5 per 15 minutes.
func NewResetRateLimiter(maxAttempts int, window time.Duration, clock Clock) *ResetRateLimiter {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &ResetRateLimiter{
		limiters:    make(map[string]*rate.Limiter),
		maxAttempts: maxAttempts,
		refill:      rate.Every(window / time.Duration(maxAttempts)),
		clock:       clock,
	}
}

// Allow consumes one attempt for email and reports whether it was available.
func (limiter *ResetRateLimiter) Allow(email string) bool {
	key := normalizeEmail(email)
	now := limiter.clock.Now()
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	limiter.purgeIdleLocked(now)
	bucket, exists := limiter.limiters[key]
	if !exists {
		bucket = rate.NewLimiter(limiter.refill, limiter.maxAttempts)
		limiter.limiters[key] = bucket
	}
	return bucket.AllowN(now, 1)
}

// Reset forgets the attempts recorded for email.
func (limiter *ResetRateLimiter) Reset(email string) {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	delete(limiter.limiters, normalizeEmail(email))
}

func (limiter *ResetRateLimiter) purgeIdleLocked(now time.Time) {
	for key, bucket := range limiter.limiters {
		if bucket.TokensAt(now) >= float64(limiter.maxAttempts) {
			delete(limiter.limiters, key)
		}
	}
}
