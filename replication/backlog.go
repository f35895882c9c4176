package replication

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ardb/replbacklog/hooks"
	"github.com/ardb/replbacklog/wal"
)

// BacklogOptions configures Backlog.Init.
type BacklogOptions struct {
	DataDir      string
	BacklogSize  int64 // 0 disables replication entirely.
	CacheSize    int64 // carried from configuration; InitBacklog does not use it and no in-memory ring cache is kept.
	SegmentCount int
	SyncPeriod   time.Duration // 0 disables Routine's periodic FlushSyncWAL.

	// IsMaster controls the namespace SELECT-preamble asymmetry: true
	// (no configured upstream master) synthesizes SELECT commands on a
	// namespace change; false (this instance follows a master) never
	// does, since WriteDirect mirrors the upstream byte stream verbatim.
	IsMaster bool

	Logger      *slog.Logger
	HookManager hooks.HookManager
}

// Backlog is the durable, bounded, append-only replication command log. It
// wraps a ring wal.WAL and layers the ReplMeta identity/namespace state and
// the master/follower SELECT-preamble asymmetry on top.
type Backlog struct {
	mu sync.Mutex

	wal      *wal.WAL
	meta     *ReplMeta
	isMaster bool

	syncPeriod   time.Duration
	lastSyncedAt time.Time

	logger      *slog.Logger
	hookManager hooks.HookManager
}

// InitBacklog opens (or creates) the ring WAL at opts.DataDir and assigns a
// fresh server/replication identity the first time it is ever opened. It
// returns ErrDisabled if opts.BacklogSize is zero, matching the source's
// "instance can NOT serve as master and accept any slave instance" case.
func InitBacklog(opts BacklogOptions) (*Backlog, error) {
	if opts.BacklogSize <= 0 {
		return nil, ErrDisabled
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "replication.Backlog")

	w, err := wal.Open(wal.Options{
		Dir:              opts.DataDir,
		TotalSize:        opts.BacklogSize,
		SegmentCount:     opts.SegmentCount,
		UserMetaSize:     wal.DefaultUserMetaSize,
		CreateIfNotExist: true,
		Logger:           logger,
		HookManager:      opts.HookManager,
	})
	if err != nil {
		return nil, fmt.Errorf("replication: opening backlog wal: %w", err)
	}

	b := &Backlog{
		wal:         w,
		meta:        newReplMeta(w.UserMeta()),
		isMaster:    opts.IsMaster,
		syncPeriod:  opts.SyncPeriod,
		logger:      logger,
		hookManager: opts.HookManager,
	}

	if b.meta.IsEmpty() {
		key, err := randomHexString(ServerKeySize)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("replication: generating server key: %w", err)
		}
		b.meta.SetServerKey(key)
		b.meta.SetReplKey(key)
		b.meta.SetReplKeySelfGenerated(true)
		b.meta.ClearSelectNamespace()
		if err := w.SyncMeta(); err != nil {
			w.Close()
			return nil, fmt.Errorf("replication: persisting initial identity: %w", err)
		}
		logger.Info("assigned fresh replication identity", "server_key", key)
	}

	return b, nil
}

// randomHexString returns a random hex string of exactly n characters.
func randomHexString(n int) (string, error) {
	raw := make([]byte, (n+1)/2)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw)[:n], nil
}

// Write appends cmd to the backlog under namespace ns. If this instance is
// a master (no upstream configured) and ns differs from the last namespace
// recorded in ReplMeta, a "SELECT ns" command is synthesized and appended
// first. Both the WAL append and the ReplMeta namespace update happen
// while holding the Backlog's lock, so concurrent producers never
// interleave a SELECT from one namespace change with another's payload.
func (b *Backlog) Write(ns string, cmd []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0
	if b.isMaster {
		cur, ok := b.meta.SelectNamespace()
		if !ok || cur != ns {
			selectCmd := encodeSelectCommand(ns)
			_, _, err := b.wal.Append(selectCmd)
			if err != nil {
				return written, fmt.Errorf("replication: appending select preamble: %w", err)
			}
			written += len(selectCmd)
			b.meta.SetSelectNamespace(ns)
			if err := b.wal.SyncMeta(); err != nil {
				return written, fmt.Errorf("replication: persisting select namespace: %w", err)
			}
		}
	}

	_, _, err := b.wal.Append(cmd)
	if err != nil {
		return written, fmt.Errorf("replication: appending command: %w", err)
	}
	written += len(cmd)
	return written, nil
}

// WriteDirect appends cmd exactly as received, never synthesizing a SELECT
// preamble. This is the follower's only path into the backlog: it mirrors
// the master's byte stream verbatim, including any SELECT commands the
// master already generated.
func (b *Backlog) WriteDirect(cmd []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, err := b.wal.Append(cmd)
	if err != nil {
		return 0, fmt.Errorf("replication: write_direct: %w", err)
	}
	return len(cmd), nil
}

// encodeSelectCommand renders a bare ASCII "SELECT ns" preamble. This is
// not wire-compatible with the RESP-encoded commands the real command
// encoder produces elsewhere in the stack; the backlog has no encoder of
// its own, so this is only a self-consistent placeholder for the one frame
// it is responsible for synthesizing rather than mirroring verbatim.
func encodeSelectCommand(ns string) []byte {
	return append([]byte("SELECT "), ns...)
}

// ServerKey returns this instance's immutable identity, assigned once on
// the ring's first Init and never changed afterward.
func (b *Backlog) ServerKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta.ServerKey()
}

// ReplKey returns the current replication key used to identify this
// backlog's data stream to followers.
func (b *Backlog) ReplKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta.ReplKey()
}

// IsReplKeySelfGenerated reports whether ReplKey was assigned locally
// (true) or overridden by SetReplKey (false), e.g. because this instance
// is now following a different master's identity.
func (b *Backlog) IsReplKeySelfGenerated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta.ReplKeySelfGenerated()
}

// SetReplKey overrides the replication key, zero-padding it to
// ServerKeySize bytes so no trailing bytes from a previously longer key
// survive in the stored identity. Persist with FlushSyncWAL.
func (b *Backlog) SetReplKey(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta.SetReplKey(key)
	b.meta.SetReplKeySelfGenerated(false)
	if b.hookManager != nil {
		b.hookManager.Trigger(context.Background(), hooks.BaseEvent{
			EventType: hooks.EventOnReplKeyRotated,
			Data:      hooks.ReplKeyRotatedPayload{ReplKey: key, SelfGenerated: false},
		})
	}
}

// StartOffset, EndOffset and Cksm expose the ring's retained window.
func (b *Backlog) StartOffset() uint64 { return b.wal.StartOffset() }
func (b *Backlog) EndOffset() uint64   { return b.wal.EndOffset() }
func (b *Backlog) Cksm() uint64        { return b.wal.Cksm() }

// IsValidOffsetCksm reports whether a follower claiming (offset, cksm) can
// resume from there. offset must be strictly positive: offset 0 is always
// a full-resync request and is never validated against the ring's running
// checksum.
func (b *Backlog) IsValidOffsetCksm(ctx context.Context, offset, cksm uint64) bool {
	if offset == 0 {
		return false
	}
	return b.wal.IsValidOffsetCksm(ctx, offset, cksm)
}

// ResetOffsetCksm discards the ring's retained window, restarting it at
// (offset, cksm). Used when a follower is too far behind to resync and a
// fresh baseline snapshot is being established instead.
func (b *Backlog) ResetOffsetCksm(offset, cksm uint64) error {
	if err := b.wal.Reset(offset, cksm); err != nil {
		return fmt.Errorf("replication: resetting offset/cksm: %w", err)
	}
	return nil
}

// CurrentNamespace returns the namespace recorded in ReplMeta, if any.
func (b *Backlog) CurrentNamespace() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta.SelectNamespace()
}

// SetCurrentNamespace overwrites the recorded namespace without appending
// a SELECT command, used by the follower's receive loop to keep ReplMeta
// in sync with a SELECT it mirrored via WriteDirect.
func (b *Backlog) SetCurrentNamespace(ns string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta.SetSelectNamespace(ns)
	return b.wal.SyncMeta()
}

// ClearCurrentNamespace forgets the recorded namespace, forcing the next
// master-side Write to synthesize a fresh SELECT preamble.
func (b *Backlog) ClearCurrentNamespace() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta.ClearSelectNamespace()
	return b.wal.SyncMeta()
}

// FlushSyncWAL fsyncs both the active segment and the meta file.
func (b *Backlog) FlushSyncWAL() error {
	return b.wal.Sync()
}

// Routine is called once per second by the reactor's timer. It runs
// FlushSyncWAL whenever SyncPeriod has elapsed since the last call.
func (b *Backlog) Routine() {
	if b.syncPeriod <= 0 {
		return
	}
	now := time.Now()
	b.mu.Lock()
	due := now.Sub(b.lastSyncedAt) >= b.syncPeriod
	if due {
		b.lastSyncedAt = now
	}
	b.mu.Unlock()
	if !due {
		return
	}
	if err := b.FlushSyncWAL(); err != nil {
		b.logger.Error("periodic backlog sync failed", "error", err)
	}
}

// Close releases the underlying ring WAL.
func (b *Backlog) Close() error {
	return b.wal.Close()
}
