// Package catalog implements the file header and advisory exclusive
// lock described in spec section 6: a single fixed-layout catalog
// page at file offset 0, plus a flock-style lock preventing two
// processes from opening the same database file concurrently.
package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/natefinch/atomic"
)

// Magic identifies a Sombra database file.
var Magic = [4]byte{'S', 'O', 'M', 'B'}

// FormatVersion is the current on-disk format version.
const FormatVersion uint16 = 1

// Size is the fixed encoded size of a Header, per spec section 6's
// field list: magic(4) + format version(2) + page size(4) + reserved
// flags(2) + next node id(8) + next edge id(8) + free-page head(4) +
// last record page(4) + last committed tx id(8) + primary index root
// (4) + size(4) + label index root(4) + size(4) + type index root(4)
// + size(4) + mvcc_enabled(1) + max_timestamp(8) + oldest_snapshot_ts
// (8) + checksum(4) = 89 bytes.
const Size = 89

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header is the decoded form of the catalog page.
type Header struct {
	FormatVersion     uint16
	PageSize          uint32
	Flags             uint16
	NextNodeID        uint64
	NextEdgeID        uint64
	FreePageHead      uint32
	LastRecordPage    uint32
	LastCommittedTxID uint64
	PrimaryIndexRoot  uint32
	PrimaryIndexSize  uint32
	LabelIndexRoot    uint32
	LabelIndexSize    uint32
	TypeIndexRoot     uint32
	TypeIndexSize     uint32
	MVCCEnabled       bool
	MaxTimestamp      uint64
	OldestSnapshotTS  uint64
}

// Encode serializes h into a Size-byte buffer, computing the trailing
// body checksum over everything before it.
func (h Header) Encode() []byte {
	buf := make([]byte, Size)
	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], h.FormatVersion)
	binary.BigEndian.PutUint32(buf[6:10], h.PageSize)
	binary.BigEndian.PutUint16(buf[10:12], h.Flags)
	binary.BigEndian.PutUint64(buf[12:20], h.NextNodeID)
	binary.BigEndian.PutUint64(buf[20:28], h.NextEdgeID)
	binary.BigEndian.PutUint32(buf[28:32], h.FreePageHead)
	binary.BigEndian.PutUint32(buf[32:36], h.LastRecordPage)
	binary.BigEndian.PutUint64(buf[36:44], h.LastCommittedTxID)
	binary.BigEndian.PutUint32(buf[44:48], h.PrimaryIndexRoot)
	binary.BigEndian.PutUint32(buf[48:52], h.PrimaryIndexSize)
	binary.BigEndian.PutUint32(buf[52:56], h.LabelIndexRoot)
	binary.BigEndian.PutUint32(buf[56:60], h.LabelIndexSize)
	binary.BigEndian.PutUint32(buf[60:64], h.TypeIndexRoot)
	binary.BigEndian.PutUint32(buf[64:68], h.TypeIndexSize)
	mvcc := byte(0)
	if h.MVCCEnabled {
		mvcc = 1
	}
	buf[68] = mvcc
	binary.BigEndian.PutUint64(buf[69:77], h.MaxTimestamp)
	binary.BigEndian.PutUint64(buf[77:85], h.OldestSnapshotTS)
	sum := crc32.Checksum(buf[:85], castagnoli)
	binary.BigEndian.PutUint32(buf[85:89], sum)
	return buf
}

// ErrCorruption signals a bad magic or checksum on the header page.
var ErrCorruption = fmt.Errorf("catalog: header corrupt")

// DecodeHeader parses a Header out of buf, which must be at least
// Size bytes (a full page is fine; only the first Size bytes matter).
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < Size {
		return Header{}, fmt.Errorf("catalog: short header buffer: %d bytes: %w", len(buf), ErrCorruption)
	}
	if !bytes.Equal(buf[0:4], Magic[:]) {
		return Header{}, fmt.Errorf("catalog: bad magic %q: %w", buf[0:4], ErrCorruption)
	}
	sum := crc32.Checksum(buf[:85], castagnoli)
	if sum != binary.BigEndian.Uint32(buf[85:89]) {
		return Header{}, fmt.Errorf("catalog: checksum mismatch: %w", ErrCorruption)
	}

	var h Header
	h.FormatVersion = binary.BigEndian.Uint16(buf[4:6])
	h.PageSize = binary.BigEndian.Uint32(buf[6:10])
	h.Flags = binary.BigEndian.Uint16(buf[10:12])
	h.NextNodeID = binary.BigEndian.Uint64(buf[12:20])
	h.NextEdgeID = binary.BigEndian.Uint64(buf[20:28])
	h.FreePageHead = binary.BigEndian.Uint32(buf[28:32])
	h.LastRecordPage = binary.BigEndian.Uint32(buf[32:36])
	h.LastCommittedTxID = binary.BigEndian.Uint64(buf[36:44])
	h.PrimaryIndexRoot = binary.BigEndian.Uint32(buf[44:48])
	h.PrimaryIndexSize = binary.BigEndian.Uint32(buf[48:52])
	h.LabelIndexRoot = binary.BigEndian.Uint32(buf[52:56])
	h.LabelIndexSize = binary.BigEndian.Uint32(buf[56:60])
	h.TypeIndexRoot = binary.BigEndian.Uint32(buf[60:64])
	h.TypeIndexSize = binary.BigEndian.Uint32(buf[64:68])
	h.MVCCEnabled = buf[68] != 0
	h.MaxTimestamp = binary.BigEndian.Uint64(buf[69:77])
	h.OldestSnapshotTS = binary.BigEndian.Uint64(buf[77:85])
	return h, nil
}

// CreateFile lays out a brand-new database file at path containing
// only the header page, sized to pageSize and zero-filled past the
// header. It uses atomic.WriteFile (write-to-temp, fsync, rename) so a
// crash during initial creation never leaves behind a file whose
// magic or checksum looks valid but whose body is truncated or
// zeroed-but-uncommitted: the path either ends up with no file at all,
// or the fully-formed one. Every subsequent header update, once the
// file exists, goes through WriteHeader (an in-place WriteAt plus
// fsync) instead, since atomic.WriteFile can only
// replace a whole file, not a byte range within a much larger one.
func CreateFile(path string, pageSize uint32, mvccEnabled bool) error {
	h := Header{
		FormatVersion: FormatVersion,
		PageSize:      pageSize,
		NextNodeID:    1,
		NextEdgeID:    1,
		MVCCEnabled:   mvccEnabled,
	}
	buf := make([]byte, pageSize)
	copy(buf, h.Encode())
	return atomic.WriteFile(path, bytes.NewReader(buf))
}

// ReadHeader reads and decodes the header page (offset 0) from an
// already-open database file.
func ReadHeader(f *os.File, pageSize uint32) (Header, error) {
	buf := make([]byte, pageSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Header{}, fmt.Errorf("catalog: reading header page: %w", err)
	}
	return DecodeHeader(buf)
}

// WriteHeader rewrites the header page in place and fsyncs it. Called
// at checkpoint once the pager's own dirty pages have been flushed, so
// the header's last-committed-tx-id and allocator state reflect a
// file that is already durable.
func WriteHeader(f *os.File, h Header) error {
	buf := make([]byte, h.PageSize)
	copy(buf, h.Encode())
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("catalog: writing header page: %w", err)
	}
	return f.Sync()
}
