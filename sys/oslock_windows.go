//go:build windows

package sys

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// AcquireOSFileLock locks a single byte of lockPath with LockFileEx, creating
// the file if needed. It retries until timeout elapses.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	h := windows.Handle(f.Fd())
	var ov windows.Overlapped

	deadline := time.Now().Add(timeout)
	for {
		err = windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ov)
		if err == nil {
			release := func() error {
				_ = windows.UnlockFileEx(h, 0, 1, 0, &ov)
				closeErr := f.Close()
				_ = os.Remove(lockPath)
				return closeErr
			}
			return release, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrLockHeld, lockPath, err)
		}
		time.Sleep(lockRetryInterval)
	}
}
