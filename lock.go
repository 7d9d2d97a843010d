package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockFile is the run lock under the state directory.
const lockFile = "fleetsync.lock"

// lockDirPermissions matches the state directory permissions.
const lockDirPermissions = 0o700

// acquireRunLock takes an exclusive, non-blocking lock on the state
// directory so that two sync invocations never share one checkpoint
// database. The returned function releases it.
func acquireRunLock(stateDir string) (release func(), err error) {
	if stateDir == "" {
		return nil, fmt.Errorf("state directory is empty: cannot place run lock")
	}

	if err := os.MkdirAll(stateDir, lockDirPermissions); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	path := filepath.Join(stateDir, lockFile)
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	if !locked {
		return nil, fmt.Errorf("another fleetsync sync is already running (could not lock %s)", path)
	}

	return func() {
		_ = fl.Unlock()
	}, nil
}
