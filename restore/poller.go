package restore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusrestore/core"
)

const (
	DefaultPollInterval        = 100 * time.Millisecond
	DefaultAvailabilityTimeout = 180 * time.Second
)

type pollState int

const (
	statePolling pollState = iota
	stateAvailable
	stateTimedOut
	stateCancelled
)

func (s pollState) String() string {
	switch s {
	case statePolling:
		return "polling"
	case stateAvailable:
		return "available"
	case stateTimedOut:
		return "timed-out"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Poller waits for tables to become available after create and modify calls.
type Poller struct {
	admin    Admin
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(admin Admin, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{admin: admin, interval: interval, logger: logger.With("component", "AvailabilityPoller")}
}

// WaitAvailable polls Admin.IsTableAvailable once per interval until it
// reports true, the timeout elapses or ctx is done. A non-positive timeout
// means DefaultAvailabilityTimeout.
func (p *Poller) WaitAvailable(ctx context.Context, table core.TableName, splitKeys [][]byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAvailabilityTimeout
	}
	start := time.Now()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	polls := 0
	state := statePolling
	for {
		switch state {
		case statePolling:
			if ctx.Err() != nil {
				state = stateCancelled
				continue
			}
			polls++
			ok, err := p.admin.IsTableAvailable(ctx, table, splitKeys)
			if err != nil {
				if ctx.Err() != nil {
					state = stateCancelled
					continue
				}
				return core.WrapTransport(fmt.Sprintf("isTableAvailable(%s)", table), err)
			}
			if ok {
				state = stateAvailable
				continue
			}
			select {
			case <-ctx.Done():
				state = stateCancelled
			case <-deadline.C:
				state = stateTimedOut
			case <-ticker.C:
			}
		case stateAvailable:
			p.logger.Debug("Table is available", "table", table, "polls", polls, "elapsed", time.Since(start))
			return nil
		case stateTimedOut:
			elapsed := time.Since(start)
			p.logger.Warn("Table did not become available in time", "table", table, "timeout", timeout, "polls", polls)
			return &core.TimeoutError{Table: table, Bound: timeout, Elapsed: elapsed}
		case stateCancelled:
			return fmt.Errorf("%w: waiting for table %s: %w", core.ErrCancelled, table, context.Cause(ctx))
		}
	}
}
