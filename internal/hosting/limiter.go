package hosting

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

const secondsPerHour = 3600

// requestLimiter is a token bucket matching the provider's published request
// budget. One limiter is shared by every worker so the aggregate request rate
// stays inside the budget. A nil limiter is unlimited.
type requestLimiter struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// newRequestLimiter returns nil when requestsPerHour <= 0.
func newRequestLimiter(requestsPerHour, burst int, maxWait time.Duration) *requestLimiter {
	if requestsPerHour <= 0 {
		return nil
	}

	if burst < 1 {
		burst = 1
	}

	return &requestLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerHour)/secondsPerHour), burst),
		maxWait: maxWait,
	}
}

// Wait blocks until a token is available. If the next token is further away
// than maxWait the reservation is returned and ErrRateLimitWait is reported
// instead of blocking indefinitely.
func (l *requestLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}

	r := l.limiter.Reserve()
	if !r.OK() {
		return ErrRateLimitWait
	}

	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	if l.maxWait > 0 && delay > l.maxWait {
		r.Cancel()

		return fmt.Errorf("%w: next token in %s", ErrRateLimitWait, delay.Round(time.Millisecond))
	}

	if err := timeSleep(ctx, delay); err != nil {
		r.Cancel()

		return err
	}

	return nil
}

// Burst returns the bucket size, which also bounds useful concurrency.
func (l *requestLimiter) Burst() int {
	if l == nil {
		return 0
	}

	return l.limiter.Burst()
}
