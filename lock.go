package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// lockDirPermissions matches the standard directory permissions (owner rwx, group/other rx).
const lockDirPermissions = 0o755

// errAlreadyRunning means another phototriage process holds the database.
var errAlreadyRunning = errors.New("another phototriage instance is using the annotation database")

// acquireLock takes the single-instance lock next to the annotation
// database. The returned function releases it.
func acquireLock(dbPath string) (release func(), err error) {
	if dbPath == "" {
		return nil, errors.New("database path is empty, cannot place lock file")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), lockDirPermissions); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	lockPath := dbPath + ".lock"
	lock := flock.New(lockPath)

	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", lockPath, err)
	}

	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", errAlreadyRunning, lockPath)
	}

	return func() { _ = lock.Unlock() }, nil
}
