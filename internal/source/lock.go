package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// MirrorLock serializes access to one mirror directory across processes.
// In-process callers are already serialized by the coordinator's single-flight.
type MirrorLock struct {
	path  string
	flock *flock.Flock
}

// NewMirrorLock creates a lock file next to the mirror: <mirror>.lock.
func NewMirrorLock(mirrorDir string) *MirrorLock {
	path := filepath.Clean(mirrorDir) + ".lock"
	return &MirrorLock{path: path, flock: flock.New(path)}
}

// Lock blocks until the lock is acquired or ctx is done.
func (l *MirrorLock) Lock(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := l.flock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire mirror lock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("failed to acquire mirror lock %s", l.path)
	}
	return nil
}

// Unlock releases the lock. Safe to call when not held.
func (l *MirrorLock) Unlock() error {
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release mirror lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *MirrorLock) Path() string {
	return l.path
}
