// Package lockfile provides single-worker mutual exclusion across
// process invocations through a filesystem marker. The marker is
// cooperative: its mere existence means a worker run is active. A crash
// leaves it behind, which requires operator intervention (or --steal).
package lockfile

import (
	"fmt"
	"os"
	"time"
)

// Guard owns one lock marker path.
type Guard struct {
	path string
}

// New creates a guard for the given marker path.
func New(path string) *Guard {
	return &Guard{path: path}
}

// Path returns the marker path.
func (g *Guard) Path() string {
	return g.path
}

// Acquire atomically creates the marker. It returns false when the
// marker already exists (another run is presumed active) and an error
// when the marker cannot be created at all. The caller must treat the
// error as an unrecoverable startup failure, never proceed unlocked.
func (g *Guard) Acquire() (bool, error) {
	f, err := os.OpenFile(g.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", g.path, err)
	}
	defer f.Close()

	fmt.Fprintf(f, "Remove this if no revertui worker is running (pid %d)\n", os.Getpid())
	return true, nil
}

// Release removes the marker. Idempotent; safe on every exit path.
func (g *Guard) Release() {
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		// Nothing sensible to do beyond leaving the marker for the operator.
		fmt.Fprintf(os.Stderr, "warning: could not remove lock %s: %v\n", g.path, err)
	}
}

// Steal removes a marker older than maxAge. Returns true when a marker
// was removed. Used to recover from a crashed run that left the lock behind.
func (g *Guard) Steal(maxAge time.Duration) (bool, error) {
	info, err := os.Stat(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if time.Since(info.ModTime()) < maxAge {
		return false, nil
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}
