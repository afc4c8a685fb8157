package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrDataDirLocked is returned when another orchestrator holds the data dir.
var ErrDataDirLocked = errors.New("data directory is locked by another instance")

// DataDirLock keeps a single orchestrator per data directory; the sqlite
// history and vector store are not shared safely between processes.
type DataDirLock struct {
	lock *flock.Flock
}

func LockDataDir(dir string) (*DataDirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	l := flock.New(filepath.Join(dir, "sandboxd.lock"))
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to attempt lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDataDirLocked, dir)
	}
	return &DataDirLock{lock: l}, nil
}

func (d *DataDirLock) Path() string {
	return d.lock.Path()
}

func (d *DataDirLock) Unlock() error {
	if d == nil || d.lock == nil {
		return nil
	}
	return d.lock.Unlock()
}
