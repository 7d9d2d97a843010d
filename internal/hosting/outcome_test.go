package hosting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func newTestRetrier(attempts int) *Retrier {
	r := NewRetrier(RetryPolicy{MaxAttempts: attempts, BaseBackoff: time.Second, MaxBackoff: 8 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.sleepFunc = noopSleep

	return r
}

func TestRetrier_StopsOnSuccess(t *testing.T) {
	t.Parallel()

	r := newTestRetrier(5)
	calls := 0

	err := r.Do(t.Context(), "op", func(context.Context) Outcome {
		calls++
		if calls < 3 {
			return Retryable(errTransient, 0)
		}

		return Ok()
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_FatalIsNotRetried(t *testing.T) {
	t.Parallel()

	r := newTestRetrier(5)
	calls := 0
	errBoom := errors.New("boom")

	err := r.Do(t.Context(), "op", func(context.Context) Outcome {
		calls++
		return Fatal(errBoom)
	})

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestRetrier_ExhaustsBudget(t *testing.T) {
	t.Parallel()

	r := newTestRetrier(4)
	calls := 0

	err := r.Do(t.Context(), "op", func(context.Context) Outcome {
		calls++
		return Retryable(errTransient, 0)
	})

	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}

func TestRetrier_CancelDuringSleep(t *testing.T) {
	t.Parallel()

	r := newTestRetrier(5)
	ctx, cancel := context.WithCancel(t.Context())

	r.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	calls := 0
	err := r.Do(ctx, "op", func(context.Context) Outcome {
		calls++
		return Retryable(errTransient, 0)
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetrier_Backoff(t *testing.T) {
	t.Parallel()

	r := newTestRetrier(5)

	for attempt, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second} {
		d := r.backoff(attempt, 0)
		lo := time.Duration(float64(base) * (1 - jitterFraction))
		hi := time.Duration(float64(base) * (1 + jitterFraction))
		assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
		assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
	}

	assert.Equal(t, 3*time.Second, r.backoff(0, 3*time.Second))
	assert.Equal(t, 8*time.Second, r.backoff(0, time.Hour), "server delay is capped")
}

func TestNewRetrier_Defaults(t *testing.T) {
	t.Parallel()

	r := NewRetrier(RetryPolicy{}, nil)
	assert.Equal(t, DefaultRetryPolicy(), r.policy)
}

func TestOutcomeKind_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ok", OutcomeOK.String())
	assert.Equal(t, "retryable", OutcomeRetryable.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
}

func TestRetrier_RetryHookSeesEachRetry(t *testing.T) {
	t.Parallel()

	r := newTestRetrier(3)

	var attempts []int

	r.onRetry = func(_ context.Context, op string, attempt int, err error) {
		assert.Equal(t, "op", op)
		require.ErrorIs(t, err, errTransient)
		attempts = append(attempts, attempt)
	}

	err := r.Do(t.Context(), "op", func(context.Context) Outcome {
		return Retryable(errTransient, 0)
	})

	require.ErrorIs(t, err, ErrRetriesExhausted)
	// The final attempt is not retried, so the hook fires twice.
	assert.Equal(t, []int{1, 2}, attempts)
}
