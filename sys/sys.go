// Package sys holds the host-level helpers used while staging backup data on
// the local filesystem: exclusive scratch-directory locks and free-space
// checks.
package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

const lockRetryInterval = 25 * time.Millisecond

// ErrLockHeld is returned when another process holds a scratch lock.
var ErrLockHeld = errors.New("lock is held by another process")

// ErrInsufficientSpace is returned by EnsureFreeSpace.
var ErrInsufficientSpace = errors.New("insufficient free disk space")

// FreeSpace returns the bytes available to unprivileged users on the volume
// holding path. Missing path components are walked up until an existing
// directory is found.
func FreeSpace(path string) (uint64, error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", dir, err)
	}
	return usage.Free, nil
}

// EnsureFreeSpace fails with ErrInsufficientSpace when fewer than need bytes
// are free under path.
func EnsureFreeSpace(path string, need uint64) error {
	free, err := FreeSpace(path)
	if err != nil {
		return err
	}
	if free < need {
		return fmt.Errorf("%w: need %d bytes under %s, %d available", ErrInsufficientSpace, need, path, free)
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		abs = parent
	}
}
