package hosting

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLimiter_NilIsUnlimited(t *testing.T) {
	t.Parallel()

	l := newRequestLimiter(0, 10, time.Second)
	assert.Nil(t, l)
	require.NoError(t, l.Wait(t.Context()))
	assert.Equal(t, 0, l.Burst())
}

func TestRequestLimiter_BurstThenRejectsBeyondMaxWait(t *testing.T) {
	t.Parallel()

	// One token per hour: after the burst, the next token is far beyond
	// the allowed wait.
	l := newRequestLimiter(1, 3, 10*time.Millisecond)
	assert.Equal(t, 3, l.Burst())

	for range 3 {
		require.NoError(t, l.Wait(t.Context()))
	}

	err := l.Wait(t.Context())
	require.ErrorIs(t, err, ErrRateLimitWait)
	assert.True(t, IsTransient(err))
}

func TestRequestLimiter_SharedAcrossGoroutines(t *testing.T) {
	t.Parallel()

	l := newRequestLimiter(1, 5, time.Millisecond)

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if l.Wait(t.Context()) == nil {
				granted.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(5), granted.Load(), "aggregate grants never exceed the bucket")
}

func TestRequestLimiter_MinimumBurst(t *testing.T) {
	t.Parallel()

	l := newRequestLimiter(3600, 0, time.Second)
	assert.Equal(t, 1, l.Burst())
}
