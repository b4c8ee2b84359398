package core

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ConfigurationError reports a request that can never succeed as issued, such
// as mismatched table lists or a missing incremental-restore target.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("restore configuration error: %s", e.Message)
}

// NotFoundError reports missing backup content: a snapshot directory, or a
// table with neither schema nor data archive.
type NotFoundError struct {
	Resource string // e.g. "snapshot directory", "table descriptor"
	Path     string
	Message  string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s not found", e.Resource)
	if e.Path != "" {
		msg += fmt.Sprintf(" at %s", e.Path)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// InconsistentArchiveError reports a corrupted or partially written backup,
// e.g. a family directory without any usable data files.
type InconsistentArchiveError struct {
	Path    string
	Message string
}

func (e *InconsistentArchiveError) Error() string {
	return fmt.Sprintf("inconsistent backup archive %s: %s", e.Path, e.Message)
}

// TimeoutError reports that a table did not become available within the
// polling bound. The cluster may still converge, so retrying the restore is
// a reasonable reaction.
type TimeoutError struct {
	Table   TableName
	Bound   time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("time out %dms expired, table %s is still not available (waited %s)", e.Bound.Milliseconds(), e.Table, e.Elapsed.Round(time.Millisecond))
}

// TransportError wraps a failure of an admin, filesystem, or bulk-load
// collaborator.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the underlying failure looks transient.
func (e *TransportError) Retryable() bool {
	if s, ok := status.FromError(e.Err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		}
	}
	return false
}

// WrapTransport wraps err as a TransportError unless it already carries one of
// the restore error types.
func WrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsConfigurationError(err) || IsNotFoundError(err) || IsInconsistentArchiveError(err) || IsTimeoutError(err) || IsTransportError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, ErrCancelled) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// ErrCancelled marks waits aborted through their context.
var ErrCancelled = errors.New("restore wait cancelled")

func IsConfigurationError(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}

func IsNotFoundError(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsInconsistentArchiveError(err error) bool {
	var e *InconsistentArchiveError
	return errors.As(err, &e)
}

func IsTimeoutError(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

func IsTransportError(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

// IsRetryable reports whether a restore failure is worth retrying as a whole:
// availability timeouts and transient transport failures.
func IsRetryable(err error) bool {
	if IsTimeoutError(err) {
		return true
	}
	var e *TransportError
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
