package core

import "fmt"

// --- Magic numbers & format versions ---
const (
	// RingSegmentMagic identifies a ring-WAL segment file.
	RingSegmentMagic uint32 = 0x52574C30 // "RWL0"
	// MetaMagic identifies the ReplMeta record persisted alongside the ring.
	MetaMagic uint32 = 0x524D4554 // "RMET"
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- File naming ---
const (
	// SegmentFilePrefix is the prefix every ring segment file carries on disk,
	// matching the wire-level convention the replication handshake expects.
	SegmentFilePrefix = "ardb-"
	SegmentFileSuffix = ".seg"
	// MetaFileName is the name of the file holding the persisted ReplMeta record.
	MetaFileName = "ardb.meta"
)

// FormatSegmentFileName creates a segment file name from its ring slot index.
func FormatSegmentFileName(slot uint32) string {
	return fmt.Sprintf("%s%08d%s", SegmentFilePrefix, slot, SegmentFileSuffix)
}
