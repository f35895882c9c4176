// Package hooks provides a generic, priority-ordered event dispatcher used
// to observe ring-WAL and replication-service lifecycle events without
// coupling producers to specific listeners.
package hooks

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// EventType identifies the kind of event a HookEvent carries.
type EventType int

const (
	// EventPreWALAppend fires synchronously before a command envelope is
	// appended to the ring WAL. Returning an error from a listener aborts
	// the append.
	EventPreWALAppend EventType = iota
	// EventPostWALAppend fires after a successful append, carrying the
	// new end_offset and running checksum.
	EventPostWALAppend
	// EventPostWALRotate fires whenever the ring reclaims its oldest
	// segment to make room for the head segment, carrying the old and
	// new start_offset.
	EventPostWALRotate
	// EventPostWALRecovery fires once after Open() finishes replaying an
	// existing ring WAL, carrying the recovered offsets.
	EventPostWALRecovery
	// EventPreStartService / EventPostStartService bracket
	// replication.Service.Init.
	EventPreStartService
	EventPostStartService
	// EventPreStopService / EventPostStopService bracket
	// replication.Service.Stop.
	EventPreStopService
	EventPostStopService
	// EventOnReplKeyRotated fires when Backlog.SetReplKey overrides the
	// replication key, e.g. with the key of a newly followed master.
	EventOnReplKeyRotated
)

func (t EventType) String() string {
	switch t {
	case EventPreWALAppend:
		return "PreWALAppend"
	case EventPostWALAppend:
		return "PostWALAppend"
	case EventPostWALRotate:
		return "PostWALRotate"
	case EventPostWALRecovery:
		return "PostWALRecovery"
	case EventPreStartService:
		return "PreStartService"
	case EventPostStartService:
		return "PostStartService"
	case EventPreStopService:
		return "PreStopService"
	case EventPostStopService:
		return "PostStopService"
	case EventOnReplKeyRotated:
		return "OnReplKeyRotated"
	default:
		return "Unknown"
	}
}

// HookEvent is the interface every event payload wrapper implements.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent is embedded by concrete event types to satisfy HookEvent.
type BaseEvent struct {
	EventType EventType
	Data      interface{}
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Payload() interface{} { return e.Data }

// --- Concrete payloads ---

// WALAppendPayload carries the envelope about to be (or just) appended.
type WALAppendPayload struct {
	Namespace string
	Size      int
	EndOffset uint64
	Cksm      uint64
}

// WALRotatePayload carries the span reclaimed by a ring rotation.
type WALRotatePayload struct {
	OldStartOffset uint64
	NewStartOffset uint64
	ReclaimedSlot  uint32
}

// WALRecoveryPayload carries the offsets recovered from disk on Open().
type WALRecoveryPayload struct {
	StartOffset uint64
	EndOffset   uint64
	Cksm        uint64
}

// ServiceLifecyclePayload carries the replication mode for service
// start/stop events.
type ServiceLifecyclePayload struct {
	Mode string
	Err  error
}

// ReplKeyRotatedPayload carries the newly assigned replication key.
type ReplKeyRotatedPayload struct {
	ReplKey       string
	SelfGenerated bool
}

// HookListener receives dispatched HookEvents.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listener execution for a given event; lower runs first.
	Priority() int
	// IsAsync reports whether this listener may run off the caller's
	// goroutine. Pre-hooks are always dispatched synchronously regardless
	// of this value, since their error can abort the operation.
	IsAsync() bool
}

// HookManager registers listeners and dispatches events to them in
// priority order.
type HookManager interface {
	Register(event EventType, listener HookListener)
	Trigger(ctx context.Context, event HookEvent) error
	Stop()
}

type registration struct {
	listener HookListener
}

// DefaultHookManager is the production HookManager: synchronous dispatch
// for Pre-prefixed events (so a listener can veto the operation), async
// dispatch via goroutine for everything else when the listener opts in.
type DefaultHookManager struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	listeners map[EventType][]registration
	wg        sync.WaitGroup
}

// NewHookManager creates an empty DefaultHookManager.
func NewHookManager(logger *slog.Logger) *DefaultHookManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultHookManager{
		logger:    logger.With("component", "HookManager"),
		listeners: make(map[EventType][]registration),
	}
}

// Register adds a listener for the given event type, keeping the slice
// sorted by Priority() ascending.
func (m *DefaultHookManager) Register(event EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[event] = append(m.listeners[event], registration{listener: listener})
	sort.SliceStable(m.listeners[event], func(i, j int) bool {
		return m.listeners[event][i].listener.Priority() < m.listeners[event][j].listener.Priority()
	})
}

// Trigger dispatches event to every registered listener. Pre-events run
// synchronously and the first error aborts dispatch and is returned to the
// caller; all other events dispatch synchronously unless a listener's
// IsAsync() returns true, in which case it runs on its own goroutine and
// errors are logged rather than returned.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	regs := m.listeners[event.Type()]
	m.mu.RUnlock()

	isPre := event.Type() == EventPreWALAppend || event.Type() == EventPreStartService || event.Type() == EventPreStopService

	for _, r := range regs {
		r := r
		if !isPre && r.listener.IsAsync() {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				if err := r.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("async hook listener failed", "event", event.Type(), "error", err)
				}
			}()
			continue
		}
		if err := r.listener.OnEvent(ctx, event); err != nil {
			if isPre {
				return err
			}
			m.logger.Error("hook listener failed", "event", event.Type(), "error", err)
		}
	}
	return nil
}

// Stop waits for any in-flight async listeners to finish.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
