package sync

import (
	"fmt"
	"time"

	"github.com/fleetsync/fleetsync/internal/templates"
)

// TargetState is a target's checkpoint state within one run.
type TargetState string

// Target states. Completed and failed are terminal.
const (
	StatePending    TargetState = "pending"
	StateInProgress TargetState = "in_progress"
	StateCompleted  TargetState = "completed"
	StateFailed     TargetState = "failed"
)

// Terminal reports whether s is never rewritten.
func (s TargetState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ParseTargetState rejects any value the store does not write.
func ParseTargetState(s string) (TargetState, error) {
	switch st := TargetState(s); st {
	case StatePending, StateInProgress, StateCompleted, StateFailed:
		return st, nil
	default:
		return "", fmt.Errorf("sync: unknown target state %q", s)
	}
}

// Outcome details how a target ended (or, for deferred, why it did not).
type Outcome string

// Outcomes.
const (
	OutcomePROpened         Outcome = "pr_opened"
	OutcomePRUpdated        Outcome = "pr_updated"
	OutcomeNoChanges        Outcome = "no_changes"
	OutcomeSkippedArchived  Outcome = "skipped_archived"
	OutcomeSkippedDisabled  Outcome = "skipped_disabled"
	OutcomeSkippedOptedOut  Outcome = "skipped_opted_out"
	OutcomePlanned          Outcome = "planned"
	OutcomeFailed           Outcome = "failed"
	OutcomeDeferred         Outcome = "deferred"
	OutcomeAlreadyCompleted Outcome = "already_completed"
)

// Skipped reports whether the outcome is a skip rather than work done.
func (o Outcome) Skipped() bool {
	switch o {
	case OutcomeSkippedArchived, OutcomeSkippedDisabled, OutcomeSkippedOptedOut:
		return true
	default:
		return false
	}
}

// TargetReport is one target's result in a batch.
type TargetReport struct {
	Target         string
	State          TargetState
	Outcome        Outcome
	Category       templates.Category
	CategorySource string // "override", "detected", or empty
	Ambiguous      bool
	Plan           *Plan
	Branch         string
	CommitSHA      string
	PRNumber       int
	PRURL          string
	ErrKind        ErrorKind
	Err            error
	Duration       time.Duration
}

// BatchReport summarizes a batch run.
type BatchReport struct {
	RunID           string
	TemplateVersion string
	DryRun          bool
	Resumed         bool
	Targets         []TargetReport
	Duration        time.Duration
}

// Count returns how many targets ended with outcome o.
func (r *BatchReport) Count(o Outcome) int {
	n := 0

	for i := range r.Targets {
		if r.Targets[i].Outcome == o {
			n++
		}
	}

	return n
}

// Failed returns the targets that reached a terminal failing state.
func (r *BatchReport) Failed() []TargetReport {
	var out []TargetReport

	for i := range r.Targets {
		if r.Targets[i].State == StateFailed {
			out = append(out, r.Targets[i])
		}
	}

	return out
}

// Deferred returns the targets left non-terminal for the next invocation.
func (r *BatchReport) Deferred() []TargetReport {
	var out []TargetReport

	for i := range r.Targets {
		if !r.Targets[i].State.Terminal() {
			out = append(out, r.Targets[i])
		}
	}

	return out
}

// Exit status codes for a batch.
const (
	ExitOK         = 0
	ExitFailures   = 1
	ExitUnfinished = 2
)

// ExitCode is 1 when any target failed, 2 when none failed but some were
// deferred, and 0 otherwise.
func (r *BatchReport) ExitCode() int {
	if len(r.Failed()) > 0 {
		return ExitFailures
	}

	if len(r.Deferred()) > 0 {
		return ExitUnfinished
	}

	return ExitOK
}
