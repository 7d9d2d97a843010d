// Package sync implements the multi-repository template synchronization
// engine: per-target plan building, the crash-recoverable checkpoint store,
// the change applier, audit and metrics recording, and the bounded worker
// pool that drives a batch run.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetsync/fleetsync/internal/hosting"
)

// ErrCheckpointCorrupt aborts the whole batch: the checkpoint store can no
// longer be trusted to say which targets are safe to skip.
var ErrCheckpointCorrupt = errors.New("sync: checkpoint corrupt")

// ErrRunNotFound is returned when a run ID has no checkpoint.
var ErrRunNotFound = errors.New("sync: run not found")

// ErrorKind classifies a per-target failure for the checkpoint, the audit
// log, and the terminal summary.
type ErrorKind string

// Error kinds.
const (
	KindConfiguration      ErrorKind = "configuration"
	KindDetectionAmbiguous ErrorKind = "detection_ambiguous"
	KindTransientRemote    ErrorKind = "transient_remote"
	KindPermanentRemote    ErrorKind = "permanent_remote"
	KindCircuitOpen        ErrorKind = "circuit_open"
	KindCheckpointCorrupt  ErrorKind = "checkpoint_corrupt"
	KindCanceled           ErrorKind = "canceled"
	KindInternal           ErrorKind = "internal"
)

// ConfigurationError reports a malformed per-target override declaration.
// It fails only the named target.
type ConfigurationError struct {
	Target string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sync: configuration error in %s: %v", e.Target, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Pipeline stages named in a TargetError.
const (
	StageResolve  = "resolve"
	StageOverride = "override"
	StagePlan     = "plan"
	StageApply    = "apply"
)

// TargetError is the terminal failure of one target's pipeline, tagged
// with the stage that failed.
type TargetError struct {
	Target string
	Stage  string
	Kind   ErrorKind
	Err    error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("sync: %s: %s (%s): %v", e.Target, e.Stage, e.Kind, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

func stageError(target, stage string, err error) *TargetError {
	return &TargetError{Target: target, Stage: stage, Kind: Classify(err), Err: err}
}

// panicError carries a recovered panic value out of a target pipeline.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// Classify maps an error to its ErrorKind. Order matters: a configuration
// error wrapping a transport failure is still a configuration error.
func Classify(err error) ErrorKind {
	var (
		cfgErr    *ConfigurationError
		targetErr *TargetError
		pe        *panicError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &targetErr) && targetErr.Kind != "":
		return targetErr.Kind
	case errors.As(err, &cfgErr), errors.Is(err, ErrProtectedBranch):
		return KindConfiguration
	case errors.Is(err, ErrCheckpointCorrupt):
		return KindCheckpointCorrupt
	case errors.Is(err, hosting.ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &pe):
		return KindInternal
	case hosting.IsTransient(err):
		return KindTransientRemote
	case hosting.IsPermanent(err):
		return KindPermanentRemote
	default:
		return KindInternal
	}
}

// deferrable reports whether a failure of this kind leaves the target
// pending for the next invocation instead of failing it.
func (k ErrorKind) deferrable() bool {
	return k == KindCircuitOpen || k == KindCanceled
}
