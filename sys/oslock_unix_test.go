//go:build unix

package sys

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestFlockError(t *testing.T) {
	err := flockError("/tmp/scratch.lock", unix.EWOULDBLOCK)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld for EWOULDBLOCK, got %v", err)
	}

	for _, errno := range []unix.Errno{unix.EBADF, unix.ENOLCK, unix.EINTR} {
		err := flockError("/tmp/scratch.lock", errno)
		if errors.Is(err, ErrLockHeld) {
			t.Fatalf("%v must not be reported as a held lock: %v", errno, err)
		}
		if !errors.Is(err, errno) {
			t.Fatalf("expected %v to be wrapped, got %v", errno, err)
		}
	}
}
