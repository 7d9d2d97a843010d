package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// forcedExitCode is used when a second signal aborts a draining batch.
const forcedExitCode = 130

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. On the first signal no new targets start,
// targets already applying finish, and unfinished ones stay pending for the
// next sync.
func shutdownContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Warn("received signal, finishing in-flight targets",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Error("received second signal, exiting without draining",
				slog.String("signal", sig.String()),
			)
			os.Exit(forcedExitCode)
		case <-parent.Done():
			return
		}
	}()

	return ctx, cancel
}
