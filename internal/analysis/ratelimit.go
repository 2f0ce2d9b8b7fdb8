package analysis

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by every chunk calling one service.
// The chunk pool bounds concurrency; the limiter bounds request rate.
type RateLimiter struct {
	mu sync.Mutex

	perMinute int
	tokens    float64
	last      time.Time
	now       func() time.Time

	consumed  int64
	waited    time.Duration
	throttled time.Time
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	TokensAvailable int           `json:"tokens_available"`
	TokensLimit     int           `json:"tokens_limit"`
	TotalConsumed   int64         `json:"total_consumed"`
	TotalWaited     time.Duration `json:"total_waited"`
	LastThrottled   time.Time     `json:"last_throttled,omitempty"`
}

// NewRateLimiter creates a limiter allowing perMinute requests per minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}
	return &RateLimiter{
		perMinute: perMinute,
		tokens:    float64(perMinute),
		last:      time.Now(),
		now:       time.Now,
	}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.consumed++
			r.mu.Unlock()
			return nil
		}
		wait := r.untilNextToken()
		r.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			r.mu.Lock()
			r.waited += wait
			r.mu.Unlock()
		}
	}
}

// Throttled drains the bucket after the service answered 429.
func (r *RateLimiter) Throttled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throttled = r.now()
	r.tokens = 0
}

// Status returns current limiter state.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return RateLimiterStatus{
		TokensAvailable: int(r.tokens),
		TokensLimit:     r.perMinute,
		TotalConsumed:   r.consumed,
		TotalWaited:     r.waited,
		LastThrottled:   r.throttled,
	}
}

// untilNextToken must be called with the lock held.
func (r *RateLimiter) untilNextToken() time.Duration {
	perSecond := float64(r.perMinute) / 60
	return time.Duration((1 - r.tokens) / perSecond * float64(time.Second))
}

// refill must be called with the lock held.
func (r *RateLimiter) refill() {
	now := r.now()
	elapsed := now.Sub(r.last).Seconds()
	r.last = now

	r.tokens += elapsed * float64(r.perMinute) / 60
	if r.tokens > float64(r.perMinute) {
		r.tokens = float64(r.perMinute)
	}
}
