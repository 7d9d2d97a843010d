package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"
)

// Phase names the transition an audit event records.
type Phase string

// Audit phases.
const (
	PhasePlan   Phase = "plan"   // plan computed
	PhaseApply  Phase = "apply"  // branch, commit, and pull request written
	PhaseRetry  Phase = "retry"  // remote operation failed and will be retried
	PhaseTarget Phase = "target" // terminal or deferred outcome of a target
)

// Event is one immutable audit record.
type Event struct {
	RunID   string
	Target  string
	Phase   Phase
	Outcome string
	Latency time.Duration
	Detail  string
	At      time.Time
}

const defaultAuditBuffer = 256

const sqlInsertEvent = `INSERT INTO audit_events
	(run_id, target, phase, outcome, latency_ms, detail, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// Recorder appends audit events to the append-only audit_events table from
// a single background goroutine. Record never blocks: when the buffer is
// full the event is dropped and a warning logged.
type Recorder struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time

	events  chan Event
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64

	closeOnce gosync.Once
	mu        gosync.RWMutex
	closed    bool
}

// NewRecorder starts a recorder writing to db. buffer <= 0 uses a default.
func NewRecorder(db *sql.DB, buffer int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}

	if buffer <= 0 {
		buffer = defaultAuditBuffer
	}

	r := &Recorder{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
		events:  make(chan Event, buffer),
		done:    make(chan struct{}),
	}

	go r.drain()

	return r
}

// Record enqueues ev. It stamps At when unset. Failures are logged, never
// returned.
func (r *Recorder) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = r.nowFunc()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		r.logger.Warn("audit recorder closed, event dropped",
			slog.String("target", ev.Target),
			slog.String("phase", string(ev.Phase)),
		)

		return
	}

	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
		r.logger.Warn("audit buffer full, event dropped",
			slog.String("target", ev.Target),
			slog.String("phase", string(ev.Phase)),
		)
	}
}

func (r *Recorder) drain() {
	defer close(r.done)

	for ev := range r.events {
		if err := r.write(ev); err != nil {
			r.failed.Add(1)
			r.logger.Warn("audit write failed",
				slog.String("target", ev.Target),
				slog.String("phase", string(ev.Phase)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Recorder) write(ev Event) error {
	// Writes outlive the batch context so that a canceled run still
	// flushes its audit trail on Close.
	_, err := r.db.ExecContext(context.Background(), sqlInsertEvent,
		ev.RunID, ev.Target, string(ev.Phase), ev.Outcome,
		ev.Latency.Milliseconds(), nullString(ev.Detail), ev.At.UnixNano(),
	)

	return err
}

// Close stops accepting events and waits until every queued event has been
// written.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()
	})

	<-r.done
}

// Dropped returns how many events were discarded without being written,
// either because the buffer was full or because the write failed.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load() + r.failed.Load()
}

// OutcomeStats aggregates terminal events with one outcome.
type OutcomeStats struct {
	Outcome      string
	Count        int
	TotalLatency time.Duration
	MaxLatency   time.Duration
}

// Summary aggregates a run's audit trail for reporting.
type Summary struct {
	RunID        string
	Targets      int
	ByOutcome    []OutcomeStats // sorted by outcome
	Retries      int
	PlansBuilt   int
	TotalLatency time.Duration
	MaxLatency   time.Duration
}

// AvgLatency is the mean per-target latency.
func (s Summary) AvgLatency() time.Duration {
	if s.Targets == 0 {
		return 0
	}

	return s.TotalLatency / time.Duration(s.Targets)
}

// Count returns the number of targets that ended with outcome.
func (s Summary) Count(outcome string) int {
	for _, o := range s.ByOutcome {
		if o.Outcome == outcome {
			return o.Count
		}
	}

	return 0
}

const (
	sqlSummaryByOutcome = `SELECT outcome, COUNT(*), COALESCE(SUM(latency_ms), 0), COALESCE(MAX(latency_ms), 0)
		FROM audit_events WHERE run_id = ? AND phase = '` + string(PhaseTarget) + `'
		GROUP BY outcome ORDER BY outcome`

	sqlSummaryPhaseCount = `SELECT COUNT(*) FROM audit_events WHERE run_id = ? AND phase = ?`

	sqlEvents = `SELECT run_id, target, phase, outcome, latency_ms, detail, recorded_at
		FROM audit_events WHERE run_id = ? ORDER BY id`
)

// Summarize reads the audit trail of runID. Every target contributes one
// PhaseTarget event per pass, so a resumed target is counted once per
// invocation that touched it.
func Summarize(ctx context.Context, db *sql.DB, runID string) (Summary, error) {
	s := Summary{RunID: runID}

	rows, err := db.QueryContext(ctx, sqlSummaryByOutcome, runID)
	if err != nil {
		return s, fmt.Errorf("sync: summarizing run %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			o       OutcomeStats
			totalMS int64
			maxMS   int64
		)

		if err := rows.Scan(&o.Outcome, &o.Count, &totalMS, &maxMS); err != nil {
			return s, fmt.Errorf("sync: scanning summary row: %w", err)
		}

		o.TotalLatency = time.Duration(totalMS) * time.Millisecond
		o.MaxLatency = time.Duration(maxMS) * time.Millisecond

		s.ByOutcome = append(s.ByOutcome, o)
		s.Targets += o.Count
		s.TotalLatency += o.TotalLatency
		s.MaxLatency = max(s.MaxLatency, o.MaxLatency)
	}

	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("sync: iterating summary rows: %w", err)
	}

	rows.Close()

	if s.Retries, err = countPhase(ctx, db, runID, PhaseRetry); err != nil {
		return s, err
	}

	if s.PlansBuilt, err = countPhase(ctx, db, runID, PhasePlan); err != nil {
		return s, err
	}

	return s, nil
}

func countPhase(ctx context.Context, db *sql.DB, runID string, phase Phase) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, sqlSummaryPhaseCount, runID, string(phase)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sync: counting %s events: %w", phase, err)
	}

	return n, nil
}

// Events returns a run's audit trail in insertion order.
func Events(ctx context.Context, db *sql.DB, runID string) ([]Event, error) {
	rows, err := db.QueryContext(ctx, sqlEvents, runID)
	if err != nil {
		return nil, fmt.Errorf("sync: listing events of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Event

	for rows.Next() {
		var (
			ev        Event
			phase     string
			latencyMS int64
			detail    sql.NullString
			at        int64
		)

		if err := rows.Scan(&ev.RunID, &ev.Target, &phase, &ev.Outcome, &latencyMS, &detail, &at); err != nil {
			return nil, fmt.Errorf("sync: scanning event: %w", err)
		}

		ev.Phase = Phase(phase)
		ev.Latency = time.Duration(latencyMS) * time.Millisecond
		ev.Detail = detail.String
		ev.At = time.Unix(0, at)
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating events: %w", err)
	}

	return out, nil
}
