//go:build unix || windows

package sys

import "errors"

func errUnsupported() error { return errors.New("unreachable") }
