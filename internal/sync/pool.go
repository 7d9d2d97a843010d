package sync

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	gosync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/fleetsync/fleetsync/internal/hosting"
)

// dispatch runs processTarget for every pending target on at most
// e.workers goroutines. A checkpoint failure cancels the remaining
// targets and is returned; every other failure stays inside its target's
// report.
func (e *Engine) dispatch(
	ctx context.Context, runID string, pending []string, repos map[string]hosting.Repository, dryRun bool,
) (map[string]TargetReport, error) {
	results := make(map[string]TargetReport, len(pending))

	var mu gosync.Mutex

	// The group context aborts the batch on a checkpoint failure only;
	// caller cancellation still reaches targets through ctx.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, name := range pending {
		var known *hosting.Repository
		if r, ok := repos[name]; ok {
			known = &r
		}

		g.Go(func() error {
			tr, err := e.processTarget(gctx, runID, name, known, dryRun)

			mu.Lock()
			results[name] = tr
			mu.Unlock()

			return err
		})
	}

	err := g.Wait()

	return results, err
}

// safeRun calls fn and converts a panic into an error, so one misbehaving
// target fails alone instead of taking the batch down.
func safeRun(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in target pipeline",
				slog.String("panic", fmt.Sprintf("%v", r)),
				slog.String("stack", string(debug.Stack())),
			)

			err = &panicError{value: r}
		}
	}()

	return fn()
}
