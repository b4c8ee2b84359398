package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexusrestore/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Full restore of one table.
	EventPreFullRestore  EventType = "PreFullRestore"
	EventPostFullRestore EventType = "PostFullRestore"

	// Bulk load of one region directory.
	EventPreBulkLoadRegion  EventType = "PreBulkLoadRegion"
	EventPostBulkLoadRegion EventType = "PostBulkLoadRegion"

	// Schema created or reconciled on the target.
	EventPostSchemaChange EventType = "PostSchemaChange"

	// Incremental restore of a table list.
	EventPreIncrementalRestore  EventType = "PreIncrementalRestore"
	EventPostIncrementalRestore EventType = "PostIncrementalRestore"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener receives events. Returning an error from a Pre hook cancels
// the restore step; errors from Post hooks are logged.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int
	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// PreFullRestorePayload describes a table restore about to start.
type PreFullRestorePayload struct {
	Source           core.TableName
	Target           core.TableName
	Image            core.BackupImage
	TruncateIfExists bool
}

func NewPreFullRestoreEvent(payload PreFullRestorePayload) HookEvent {
	return &BaseEvent{eventType: EventPreFullRestore, payload: payload}
}

// PostFullRestorePayload reports the outcome of a table restore.
type PostFullRestorePayload struct {
	Source        core.TableName
	Target        core.TableName
	Image         core.BackupImage
	Outcome       string // schema-only, schema-and-archive, archive-only
	RegionsLoaded int
	SplitKeys     int
	Duration      time.Duration
	Error         error
}

func NewPostFullRestoreEvent(payload PostFullRestorePayload) HookEvent {
	return &BaseEvent{eventType: EventPostFullRestore, payload: payload}
}

// BulkLoadRegionPayload identifies one region directory being loaded.
type BulkLoadRegionPayload struct {
	Target    core.TableName
	RegionDir string
	Error     error // set for the Post event only
}

func NewPreBulkLoadRegionEvent(payload BulkLoadRegionPayload) HookEvent {
	return &BaseEvent{eventType: EventPreBulkLoadRegion, payload: payload}
}

func NewPostBulkLoadRegionEvent(payload BulkLoadRegionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostBulkLoadRegion, payload: payload}
}

// PostSchemaChangePayload reports a created or modified target table.
type PostSchemaChangePayload struct {
	Table     core.TableName
	Created   bool
	Truncated bool
	Changes   core.ChangeSet
	SplitKeys int
}

func NewPostSchemaChangeEvent(payload PostSchemaChangePayload) HookEvent {
	return &BaseEvent{eventType: EventPostSchemaChange, payload: payload}
}

// IncrementalRestorePayload describes an incremental restore.
type IncrementalRestorePayload struct {
	Sources             []core.TableName
	Targets             []core.TableName
	LogDirs             []string
	IncrementalBackupID string
	Error               error // set for the Post event only
}

func NewPreIncrementalRestoreEvent(payload IncrementalRestorePayload) HookEvent {
	return &BaseEvent{eventType: EventPreIncrementalRestore, payload: payload}
}

func NewPostIncrementalRestoreEvent(payload IncrementalRestorePayload) HookEvent {
	return &BaseEvent{eventType: EventPostIncrementalRestore, payload: payload}
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Listeners per event type, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	// Equal priorities keep registration order.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	// Trigger iterates a snapshot without the lock, so never write into it.
	m.listeners[eventType] = slices.Insert(slices.Clone(l), idx, item)
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()
	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")
	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if isPreHook && item.listener.IsAsync() {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(context.WithoutCancel(ctx), event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
