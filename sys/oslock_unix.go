//go:build unix

package sys

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// AcquireOSFileLock takes an advisory exclusive flock on lockPath, creating the
// file if needed. It retries until timeout elapses. The returned release
// function unlocks, closes and removes the lock file.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			release := func() error {
				_ = unix.Flock(fd, unix.LOCK_UN)
				closeErr := f.Close()
				if rmErr := os.Remove(lockPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
					return rmErr
				}
				return closeErr
			}
			return release, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) || time.Now().After(deadline) {
			_ = f.Close()
			return nil, flockError(lockPath, err)
		}
		time.Sleep(lockRetryInterval)
	}
}

// flockError reports contention as ErrLockHeld and passes other flock
// failures through.
func flockError(lockPath string, err error) error {
	if errors.Is(err, unix.EWOULDBLOCK) {
		return fmt.Errorf("%w: %s: %v", ErrLockHeld, lockPath, err)
	}
	return fmt.Errorf("flock %s: %w", lockPath, err)
}
