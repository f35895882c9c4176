package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/ardb/replbacklog/hooks"
)

// BacklogMetricsListener tallies bytes and entries appended to the ring
// WAL and exposes them as expvar counters for the debug/metrics endpoint.
var (
	backlogMetricsOnce sync.Once
	bytesWritten       *expvar.Int
	entriesWritten     *expvar.Int
	rotations          *expvar.Int
)

func initBacklogMetrics() {
	backlogMetricsOnce.Do(func() {
		bytesWritten = expvar.NewInt("repl_backlog_bytes_written")
		entriesWritten = expvar.NewInt("repl_backlog_entries_written")
		rotations = expvar.NewInt("repl_backlog_ring_rotations_total")
	})
}

// NewBacklogMetricsListener creates a listener that updates the package's
// expvar counters in response to PostWALAppend and PostWALRotate events.
func NewBacklogMetricsListener(logger *slog.Logger) *BacklogMetricsListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initBacklogMetrics()
	return &BacklogMetricsListener{
		logger:         logger.With("component", "BacklogMetricsListener"),
		bytesWritten:   bytesWritten,
		entriesWritten: entriesWritten,
		rotations:      rotations,
	}
}

type BacklogMetricsListener struct {
	logger *slog.Logger

	bytesWritten   *expvar.Int
	entriesWritten *expvar.Int
	rotations      *expvar.Int
}

func (l *BacklogMetricsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch p := event.Payload().(type) {
	case hooks.WALAppendPayload:
		l.bytesWritten.Add(int64(p.Size))
		l.entriesWritten.Add(1)
	case hooks.WALRotatePayload:
		l.rotations.Add(1)
		l.logger.Info("ring segment reclaimed",
			"reclaimed_slot", p.ReclaimedSlot,
			"old_start_offset", p.OldStartOffset,
			"new_start_offset", p.NewStartOffset,
		)
	}
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *BacklogMetricsListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *BacklogMetricsListener) IsAsync() bool { return true }
