package hosting

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// OutcomeKind classifies the result of a single attempt.
type OutcomeKind int

// Attempt outcomes.
const (
	OutcomeOK OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the explicit result of one attempt of a remote operation. The
// retry loop decides what to do next from the Kind alone.
type Outcome struct {
	Kind       OutcomeKind
	Err        error
	RetryAfter time.Duration // server-requested delay, 0 = use backoff
}

// Ok is a successful attempt.
func Ok() Outcome {
	return Outcome{Kind: OutcomeOK}
}

// Retryable is a transient failure. after > 0 overrides the computed backoff.
func Retryable(err error, after time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err, RetryAfter: after}
}

// Fatal is a failure that must not be retried.
func Fatal(err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err}
}

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	MaxAttempts int // total attempts including the first
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff constants.
const (
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// DefaultRetryPolicy returns 5 attempts with 1s base and 60s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  60 * time.Second,
	}
}

// Retrier runs an attempt function until it succeeds, fails fatally, or the
// attempt budget is spent.
type Retrier struct {
	policy RetryPolicy
	logger *slog.Logger

	// sleepFunc waits between attempts. Tests override it to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	// onRetry, when set, observes every retryable failure that will be
	// retried. attempt is 1-based.
	onRetry RetryHook
}

// RetryHook observes a retryable failure before the backoff sleep.
type RetryHook func(ctx context.Context, op string, attempt int, err error)

// NewRetrier creates a Retrier. Zero policy fields take defaults.
func NewRetrier(policy RetryPolicy, logger *slog.Logger) *Retrier {
	def := DefaultRetryPolicy()

	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = def.MaxAttempts
	}

	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = def.BaseBackoff
	}

	if policy.MaxBackoff < policy.BaseBackoff {
		policy.MaxBackoff = max(def.MaxBackoff, policy.BaseBackoff)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Retrier{policy: policy, logger: logger, sleepFunc: timeSleep}
}

// Do runs attempt until it returns OutcomeOK (nil), OutcomeFatal (its error),
// or MaxAttempts retryable outcomes (ErrRetriesExhausted wrapping the last
// error). Context cancellation ends the loop immediately.
func (r *Retrier) Do(ctx context.Context, op string, attempt func(context.Context) Outcome) error {
	var last Outcome

	for n := 0; n < r.policy.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("hosting: %s canceled: %w", op, err)
		}

		last = attempt(ctx)

		switch last.Kind {
		case OutcomeOK:
			return nil
		case OutcomeFatal:
			if n > 0 {
				r.logger.Error("operation failed after retries",
					slog.String("op", op),
					slog.Int("attempts", n+1),
					slog.String("error", errString(last.Err)),
				)
			}

			return last.Err
		case OutcomeRetryable:
		}

		if n+1 == r.policy.MaxAttempts {
			break
		}

		wait := r.backoff(n, last.RetryAfter)

		if r.onRetry != nil {
			r.onRetry(ctx, op, n+1, last.Err)
		}

		r.logger.Warn("retrying after transient error",
			slog.String("op", op),
			slog.Int("attempt", n+1),
			slog.Duration("backoff", wait),
			slog.String("error", errString(last.Err)),
		)

		if err := r.sleepFunc(ctx, wait); err != nil {
			return fmt.Errorf("hosting: %s canceled: %w", op, err)
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, op, r.policy.MaxAttempts, last.Err)
}

// backoff computes exponential backoff with ±25% jitter, or the server's
// requested delay capped at MaxBackoff.
func (r *Retrier) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, r.policy.MaxBackoff)
	}

	backoff := float64(r.policy.BaseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(r.policy.MaxBackoff) {
		backoff = float64(r.policy.MaxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
