package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ardb/replbacklog/core"
	"github.com/ardb/replbacklog/sys"
)

// ringSegment is one fixed-capacity file backing a single slot of the ring.
// Its logical window changes every time the ring laps past it; the segment
// itself only ever knows its own slot index and its preallocated capacity.
type ringSegment struct {
	slot     uint32
	path     string
	capacity int64
	file     sys.FileHandle
}

func segmentPath(dir string, slot uint32) string {
	return filepath.Join(dir, core.FormatSegmentFileName(slot))
}

// openOrCreateSegment opens slot's backing file, creating and preallocating
// it (capacity bytes past the header) if it does not yet exist.
func openOrCreateSegment(dir string, slot uint32, capacity int64) (*ringSegment, error) {
	path := segmentPath(dir, slot)
	existed := true
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("wal: stat segment %s: %w", path, err)
		}
		existed = false
	}

	fh, err := sys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %s: %w", path, err)
	}

	seg := &ringSegment{slot: slot, path: path, capacity: capacity, file: fh}

	if !existed {
		header := core.NewFileHeader(core.RingSegmentMagic)
		headerBuf := make([]byte, header.Size())
		binary.LittleEndian.PutUint32(headerBuf[0:4], header.Magic)
		headerBuf[4] = header.Version
		binary.LittleEndian.PutUint64(headerBuf[5:13], uint64(header.CreatedAt))
		if _, err := fh.WriteAt(headerBuf, 0); err != nil {
			fh.Close()
			return nil, fmt.Errorf("wal: write segment header %s: %w", path, err)
		}
		if err := sys.Preallocate(fh, int64(len(headerBuf))+capacity); err != nil && err != sys.ErrPreallocNotSupported {
			fh.Close()
			return nil, fmt.Errorf("wal: preallocate segment %s: %w", path, err)
		}
	}
	return seg, nil
}

const segmentHeaderSize = 4 + 1 + 8 // Magic + Version + CreatedAt

// writeAt writes data verbatim at byte position pos inside the segment's
// data region (i.e. relative to the end of the header). The ring owns no
// framing of its own: every byte written is a byte of the logical stream.
func (s *ringSegment) writeAt(pos int64, data []byte) error {
	_, err := s.file.WriteAt(data, segmentHeaderSize+pos)
	return err
}

// readAt reads length bytes starting at byte position pos inside the
// segment's data region, verbatim.
func (s *ringSegment) readAt(pos int64, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, segmentHeaderSize+pos); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *ringSegment) sync() error {
	return s.file.Sync()
}

func (s *ringSegment) close() error {
	return s.file.Close()
}
