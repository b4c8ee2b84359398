//go:build !unix && !windows

package sys

func errUnsupported() error { return ErrOSFileLockNotSupported }
