package wal

import "errors"

var (
	// ErrClosed is returned by any operation attempted on a closed WAL.
	ErrClosed = errors.New("wal: closed")
	// ErrOffsetOutOfRange is returned when a requested offset falls outside
	// [StartOffset(), EndOffset()].
	ErrOffsetOutOfRange = errors.New("wal: offset out of range")
	// ErrRecordTooLarge is returned when a single Append would not fit in
	// the ring's total capacity even once, making it unwritable regardless
	// of rotation.
	ErrRecordTooLarge = errors.New("wal: record larger than ring capacity")
	// ErrAlreadyLocked is returned by Open when another process already
	// holds the single-writer lock on the WAL directory.
	ErrAlreadyLocked = errors.New("wal: directory already locked by another process")
)
