// Package wal implements the ring write-ahead log backing the replication
// backlog: a fixed-capacity, append-only byte stream split across a
// configurable number of same-sized segment files, where the oldest segment
// is reclaimed (not deleted) once the ring wraps. Logical byte offsets
// returned by Append never reset or wrap even as the underlying storage is
// overwritten, so a follower can always be told "resume from offset N" and
// have that request validated against what the log currently holds.
package wal

import (
	"context"
	"expvar"
	"fmt"
	"hash/crc64"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ardb/replbacklog/core"
	"github.com/ardb/replbacklog/hooks"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// DefaultUserMetaSize is the minimum size of the opaque user_meta blob
// carried alongside the ring's offsets, sized to comfortably hold the
// replication package's ReplMeta record.
const DefaultUserMetaSize = 4096

// Options configures Open.
type Options struct {
	// Dir is the directory holding the ring's segment and meta files.
	// Created if it does not exist.
	Dir string
	// TotalSize is the ring's total capacity in bytes, split evenly across
	// SegmentCount files. Must be > 0.
	TotalSize int64
	// SegmentCount is the number of fixed-size segment files the ring is
	// divided across. Defaults to 8 if zero.
	SegmentCount int
	// UserMetaSize is the size in bytes of the opaque blob persisted
	// alongside the ring's offsets. Defaults to DefaultUserMetaSize; values
	// below DefaultUserMetaSize are rejected.
	UserMetaSize int
	// CreateIfNotExist controls whether Open creates a fresh ring when Dir
	// has no existing meta file. If false and none exists, Open fails.
	CreateIfNotExist bool

	Logger      *slog.Logger
	HookManager hooks.HookManager

	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
}

// WAL is a single-writer, multi-reader ring write-ahead log.
type WAL struct {
	mu sync.Mutex

	dir          string
	segCapacity  int64
	segCount     int
	userMetaSize int

	startOffset uint64
	endOffset   uint64
	cksm        uint64
	userMeta    []byte

	segments []*ringSegment // indexed by slot
	headSlot int

	release func() error
	closed  bool

	logger      *slog.Logger
	hookManager hooks.HookManager

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int
}

// Open creates or opens a ring WAL directory, acquiring the single-writer
// lock and recovering persisted offsets and user_meta from the meta file.
func Open(opts Options) (*WAL, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "wal")
	} else {
		opts.Logger = opts.Logger.With("component", "wal")
	}
	if opts.SegmentCount <= 0 {
		opts.SegmentCount = 8
	}
	if opts.UserMetaSize <= 0 {
		opts.UserMetaSize = DefaultUserMetaSize
	}
	if opts.UserMetaSize < DefaultUserMetaSize {
		return nil, fmt.Errorf("wal: user_meta_size must be >= %d bytes", DefaultUserMetaSize)
	}
	if opts.TotalSize <= 0 {
		return nil, fmt.Errorf("wal: total size must be > 0")
	}

	metaPath := filepath.Join(opts.Dir, core.MetaFileName)
	if _, err := os.Stat(opts.Dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("wal: stat dir %s: %w", opts.Dir, err)
		}
		if !opts.CreateIfNotExist {
			return nil, fmt.Errorf("wal: directory %s does not exist", opts.Dir)
		}
	}
	if _, err := os.Stat(metaPath); err != nil && os.IsNotExist(err) && !opts.CreateIfNotExist {
		return nil, fmt.Errorf("wal: no existing ring at %s", opts.Dir)
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: creating dir %s: %w", opts.Dir, err)
	}

	release, err := acquireDirLock(opts.Dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:                   opts.Dir,
		segCount:              opts.SegmentCount,
		segCapacity:           opts.TotalSize / int64(opts.SegmentCount),
		userMetaSize:          opts.UserMetaSize,
		release:               release,
		logger:                opts.Logger,
		hookManager:           opts.HookManager,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
	}
	if w.segCapacity <= 0 {
		release()
		return nil, fmt.Errorf("wal: total size %d too small for %d segments", opts.TotalSize, opts.SegmentCount)
	}

	meta, existed, err := loadMeta(metaPath, opts.UserMetaSize)
	if err != nil {
		release()
		return nil, err
	}
	if !existed {
		meta = newMetaRecord(opts.UserMetaSize)
		if err := storeMeta(metaPath, meta); err != nil {
			release()
			return nil, err
		}
	}
	w.startOffset = meta.StartOffset
	w.endOffset = meta.EndOffset
	w.cksm = meta.Cksm
	w.userMeta = meta.UserMeta

	w.segments = make([]*ringSegment, opts.SegmentCount)
	headWindow := w.endOffset / uint64(w.segCapacity)
	w.headSlot = int(headWindow % uint64(w.segCount))
	for slot := 0; slot < opts.SegmentCount; slot++ {
		seg, err := openOrCreateSegment(opts.Dir, uint32(slot), w.segCapacity)
		if err != nil {
			w.closeSegments()
			release()
			return nil, err
		}
		w.segments[slot] = seg
	}

	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.BaseEvent{
			EventType: hooks.EventPostWALRecovery,
			Data: hooks.WALRecoveryPayload{
				StartOffset: w.startOffset,
				EndOffset:   w.endOffset,
				Cksm:        w.cksm,
			},
		})
	}

	w.logger.Info("ring wal opened", "dir", opts.Dir, "segments", opts.SegmentCount,
		"segment_capacity", w.segCapacity, "start_offset", w.startOffset, "end_offset", w.endOffset)
	return w, nil
}

func (w *WAL) closeSegments() {
	for _, s := range w.segments {
		if s != nil {
			s.close()
		}
	}
}

// Append writes data verbatim at the current end offset, splitting it across
// segment boundaries as needed, and folds exactly those bytes into the
// running checksum. The ring carries no framing of its own: end_offset
// always advances by exactly len(data), and cksm is CRC-64 of every byte
// ever appended. It returns the new end offset and running checksum.
func (w *WAL) Append(data []byte) (endOffset uint64, cksm uint64, err error) {
	recSize := int64(len(data))
	totalCapacity := w.totalCapacityUnlocked()
	if recSize > totalCapacity {
		return 0, 0, ErrRecordTooLarge
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, 0, ErrClosed
	}

	if w.hookManager != nil {
		if hookErr := w.hookManager.Trigger(context.Background(), hooks.BaseEvent{
			EventType: hooks.EventPreWALAppend,
			Data:      hooks.WALAppendPayload{Size: len(data)},
		}); hookErr != nil {
			return 0, 0, fmt.Errorf("wal: pre-append hook: %w", hookErr)
		}
	}

	remaining := data
	for len(remaining) > 0 {
		curWindow := w.endOffset / uint64(w.segCapacity)
		posInWindow := int64(w.endOffset % uint64(w.segCapacity))
		slot := int(curWindow % uint64(w.segCount))

		spaceInSeg := w.segCapacity - posInWindow
		chunk := remaining
		if int64(len(chunk)) > spaceInSeg {
			chunk = remaining[:spaceInSeg]
		}

		if err := w.segments[slot].writeAt(posInWindow, chunk); err != nil {
			return 0, 0, fmt.Errorf("wal: writing at offset %d: %w", w.endOffset, err)
		}
		w.headSlot = slot
		w.cksm = crc64.Update(w.cksm, crcTable, chunk)
		w.endOffset += uint64(len(chunk))
		remaining = remaining[len(chunk):]
	}

	w.advanceStartOffset(totalCapacity)

	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(recSize)
	}
	if w.metricsEntriesWritten != nil {
		w.metricsEntriesWritten.Add(1)
	}

	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.BaseEvent{
			EventType: hooks.EventPostWALAppend,
			Data: hooks.WALAppendPayload{
				Size:      len(data),
				EndOffset: w.endOffset,
				Cksm:      w.cksm,
			},
		})
	}

	return w.endOffset, w.cksm, nil
}

// totalCapacityUnlocked returns the ring's total retained-byte capacity
// (segCapacity * segCount). Safe to call without holding mu since
// segCapacity/segCount never change after Open.
func (w *WAL) totalCapacityUnlocked() int64 {
	return w.segCapacity * int64(w.segCount)
}

// advanceStartOffset reclaims whatever the ring has now lapped past, i.e.
// clamps startOffset so that at most totalCapacity bytes are retained
// behind endOffset. Called with mu held, after endOffset has already been
// advanced by the append that just landed.
func (w *WAL) advanceStartOffset(totalCapacity int64) {
	if w.endOffset <= uint64(totalCapacity) {
		return
	}
	reclaimBase := w.endOffset - uint64(totalCapacity)
	if reclaimBase <= w.startOffset {
		return
	}
	oldStart := w.startOffset
	w.startOffset = reclaimBase

	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.BaseEvent{
			EventType: hooks.EventPostWALRotate,
			Data: hooks.WALRotatePayload{
				OldStartOffset: oldStart,
				NewStartOffset: w.startOffset,
				ReclaimedSlot:  uint32((w.startOffset / uint64(w.segCapacity)) % uint64(w.segCount)),
			},
		})
	}
	w.logger.Debug("ring segment reclaimed", "old_start_offset", oldStart, "new_start_offset", w.startOffset)
}

// Replay invokes fn with contiguous raw slices covering [from, to), in
// order; fn may be called more than once if the range crosses a segment
// boundary, but the concatenation of every slice it receives is exactly
// the byte range requested. from and to must both fall within
// [StartOffset(), EndOffset()].
func (w *WAL) Replay(ctx context.Context, from, to uint64, fn func(data []byte) error) error {
	w.mu.Lock()
	start, end := w.startOffset, w.endOffset
	segCapacity, segCount := w.segCapacity, w.segCount
	segments := w.segments
	w.mu.Unlock()

	if from < start || to > end || from > to {
		return ErrOffsetOutOfRange
	}

	cur := from
	for cur < to {
		window := cur / uint64(segCapacity)
		pos := int64(cur % uint64(segCapacity))
		slot := int(window % uint64(segCount))

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunkLen := segCapacity - pos
		if remaining := int64(to - cur); chunkLen > remaining {
			chunkLen = remaining
		}

		data, err := segments[slot].readAt(pos, chunkLen)
		if err != nil {
			return fmt.Errorf("wal: replay at offset %d: %w", cur, err)
		}
		if err := fn(data); err != nil {
			return err
		}
		cur += uint64(chunkLen)
	}
	return nil
}

// IsValidOffsetCksm reports whether a follower claiming to be at (offset,
// cksm) is consistent with this log: replaying the bytes actually stored
// from offset through EndOffset(), seeded with the claimed checksum,
// must reproduce the log's current running checksum exactly. A claimed
// checksum of 0 skips the check: the caller opts out of verification and
// only the offset's range is checked.
func (w *WAL) IsValidOffsetCksm(ctx context.Context, offset uint64, cksm uint64) bool {
	w.mu.Lock()
	start, end, want := w.startOffset, w.endOffset, w.cksm
	w.mu.Unlock()

	if offset < start || offset > end {
		return false
	}
	if cksm == 0 {
		return true
	}
	if offset == end {
		return cksm == want
	}

	running := cksm
	err := w.Replay(ctx, offset, end, func(data []byte) error {
		running = crc64.Update(running, crcTable, data)
		return nil
	})
	if err != nil {
		return false
	}
	return running == want
}

// StartOffset returns the oldest logical offset still retained by the ring.
func (w *WAL) StartOffset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startOffset
}

// EndOffset returns the next offset Append would write to.
func (w *WAL) EndOffset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.endOffset
}

// Cksm returns the running checksum over every byte appended so far.
func (w *WAL) Cksm() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cksm
}

// UserMeta returns the mutable opaque user_meta blob. Callers must call
// SyncMeta to persist any changes made to the returned slice.
func (w *WAL) UserMeta() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.userMeta
}

// Reset discards all retained data, resetting the ring to the given offset
// and checksum (used when a follower falls too far behind to resync and
// must restart its log from a fresh snapshot boundary). user_meta is left
// untouched.
func (w *WAL) Reset(offset, cksm uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.startOffset = offset
	w.endOffset = offset
	w.cksm = cksm
	w.headSlot = int((offset / uint64(w.segCapacity)) % uint64(w.segCount))
	return w.syncMetaLocked()
}

// Sync flushes the active segment and the meta file to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.segments[w.headSlot].sync(); err != nil {
		return fmt.Errorf("wal: syncing segment: %w", err)
	}
	return w.syncMetaLocked()
}

// SyncMeta persists StartOffset/EndOffset/Cksm/UserMeta without syncing the
// active segment's data.
func (w *WAL) SyncMeta() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.syncMetaLocked()
}

func (w *WAL) syncMetaLocked() error {
	rec := metaRecord{
		Header:      core.NewFileHeader(core.MetaMagic),
		StartOffset: w.startOffset,
		EndOffset:   w.endOffset,
		Cksm:        w.cksm,
		UserMeta:    w.userMeta,
	}
	return storeMeta(filepath.Join(w.dir, core.MetaFileName), rec)
}

// Close syncs and releases the single-writer lock.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.segments[w.headSlot].sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.syncMetaLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.closeSegments()
	if err := w.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
