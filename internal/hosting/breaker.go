package hosting

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

// Breaker states.
const (
	// BreakerClosed passes every request through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects requests until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets a single probe through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker trips after a run of consecutive downstream failures and fails
// fast for a cooldown period, so that hundreds of targets do not each spend
// a full retry budget against an outage. Safe for concurrent use.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	nowFunc   func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker. threshold <= 0 disables it.
func NewBreaker(threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Allow returns ErrCircuitOpen if the request must not be sent. In the
// half-open state exactly one caller is admitted as the probe.
func (b *Breaker) Allow() error {
	if b.threshold <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		remaining := b.cooldown - b.nowFunc().Sub(b.openedAt)
		if remaining > 0 {
			return fmt.Errorf("%w: retry in %s", ErrCircuitOpen, remaining.Round(time.Second))
		}

		b.state = BreakerHalfOpen
		b.probing = true
		b.logger.Info("circuit half-open, sending probe")

		return nil
	case BreakerHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: probe in flight", ErrCircuitOpen)
		}

		b.probing = true

		return nil
	}

	return nil
}

// Release returns an admission that was granted by Allow but never used,
// so that an abandoned half-open probe does not block the circuit forever.
func (b *Breaker) Release() {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
	}
}

// Success records a healthy response and closes the circuit.
func (b *Breaker) Success() {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		b.logger.Info("circuit closed", slog.String("from", b.state.String()))
	}

	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// Failure records a downstream failure. A failed probe reopens the circuit
// immediately; otherwise the circuit opens once threshold consecutive
// failures accumulate.
func (b *Breaker) Failure() {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		if b.state != BreakerOpen {
			b.logger.Warn("circuit opened",
				slog.Int("consecutive_failures", b.failures),
				slog.Duration("cooldown", b.cooldown),
			)
		}

		b.state = BreakerOpen
		b.openedAt = b.nowFunc()
		b.probing = false
	}
}

// State returns the current state, reporting an expired open circuit as
// half-open without admitting a probe.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.nowFunc().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}

	return b.state
}
