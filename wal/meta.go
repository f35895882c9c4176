package wal

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/ardb/replbacklog/core"
	"github.com/ardb/replbacklog/sys"
)

// metaRecord is the fixed-size record persisted in the ring's meta file. It
// holds the three offsets every other invariant is checked against plus an
// opaque, caller-owned UserMeta blob (the replication package packs its
// ReplMeta into this).
type metaRecord struct {
	Header      core.FileHeader
	StartOffset uint64
	EndOffset   uint64
	Cksm        uint64
	UserMeta    []byte
}

// metaRecordFixedSize is the size, in bytes, of every field of metaRecord
// except the variable-length UserMeta tail.
const metaRecordFixedSize = 4 + 1 + 8 /* FileHeader */ + 8 + 8 + 8

func newMetaRecord(userMetaSize int) metaRecord {
	return metaRecord{
		Header:   core.NewFileHeader(core.MetaMagic),
		UserMeta: make([]byte, userMetaSize),
	}
}

func (m *metaRecord) encode() []byte {
	buf := make([]byte, metaRecordFixedSize+len(m.UserMeta))
	binary.LittleEndian.PutUint32(buf[0:4], m.Header.Magic)
	buf[4] = m.Header.Version
	binary.LittleEndian.PutUint64(buf[5:13], uint64(m.Header.CreatedAt))
	binary.LittleEndian.PutUint64(buf[13:21], m.StartOffset)
	binary.LittleEndian.PutUint64(buf[21:29], m.EndOffset)
	binary.LittleEndian.PutUint64(buf[29:37], m.Cksm)
	copy(buf[37:], m.UserMeta)
	return buf
}

func decodeMetaRecord(buf []byte, userMetaSize int) (metaRecord, error) {
	if len(buf) < metaRecordFixedSize+userMetaSize {
		return metaRecord{}, fmt.Errorf("wal: meta record truncated: got %d bytes, want at least %d", len(buf), metaRecordFixedSize+userMetaSize)
	}
	var m metaRecord
	m.Header.Magic = binary.LittleEndian.Uint32(buf[0:4])
	m.Header.Version = buf[4]
	m.Header.CreatedAt = int64(binary.LittleEndian.Uint64(buf[5:13]))
	if m.Header.Magic != core.MetaMagic {
		return metaRecord{}, fmt.Errorf("wal: bad meta magic: got %x, want %x", m.Header.Magic, core.MetaMagic)
	}
	m.StartOffset = binary.LittleEndian.Uint64(buf[13:21])
	m.EndOffset = binary.LittleEndian.Uint64(buf[21:29])
	m.Cksm = binary.LittleEndian.Uint64(buf[29:37])
	m.UserMeta = make([]byte, userMetaSize)
	copy(m.UserMeta, buf[37:37+userMetaSize])
	return m, nil
}

// loadMeta reads the meta file at path, returning (metaRecord{}, false, nil)
// if it does not exist yet.
func loadMeta(path string, userMetaSize int) (metaRecord, bool, error) {
	fh, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return metaRecord{}, false, nil
		}
		return metaRecord{}, false, fmt.Errorf("wal: opening meta file %s: %w", path, err)
	}
	defer fh.Close()

	buf := make([]byte, metaRecordFixedSize+userMetaSize)
	if _, err := fh.ReadAt(buf, 0); err != nil {
		return metaRecord{}, false, fmt.Errorf("wal: reading meta file %s: %w", path, err)
	}
	m, err := decodeMetaRecord(buf, userMetaSize)
	if err != nil {
		return metaRecord{}, false, err
	}
	return m, true, nil
}

// storeMeta overwrites the meta file at path with m, fsyncing before return.
func storeMeta(path string, m metaRecord) error {
	fh, err := sys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("wal: opening meta file %s: %w", path, err)
	}
	defer fh.Close()

	if _, err := fh.WriteAt(m.encode(), 0); err != nil {
		return fmt.Errorf("wal: writing meta file %s: %w", path, err)
	}
	return fh.Sync()
}
