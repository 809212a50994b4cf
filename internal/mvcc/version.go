// Package mvcc implements Sombra's multi-version concurrency control:
// the per-record version header and chain walk described in spec
// section 4.4, plus the timestamp oracle in oracle.go. There is no
// conflict detection here — concurrent writers to the same entity
// resolve last-writer-wins, exactly as spec section 4.5 describes.
package mvcc

import (
	"encoding/binary"
	"fmt"
)

// MetaSize is the fixed size of a VersionMeta header, per spec section
// 6: tx_id(8) + commit_ts(8) + prev_page(4) + prev_slot(2) + flags(1) +
// reserved(2) = 25 bytes. prev_page of 0 represents the absence of an
// earlier version (the None case of the spec's Option<RecordPointer>),
// since page id 0 is reserved for the catalog header and can never be
// a real version's location.
const MetaSize = 25

const (
	// FlagTombstone marks a version as a logical delete: visible
	// readers should treat the record as absent rather than returning
	// its (stale) body.
	FlagTombstone uint8 = 1 << 0

	// FlagCompressed marks that everything after the 25-byte header
	// is snappy-compressed, per the version_codec config. The header
	// itself is never compressed — Stamp and GC's relink both rewrite
	// header fields in place at a fixed offset, which a whole-slot
	// compression scheme would make impossible.
	FlagCompressed uint8 = 1 << 1
)

// RecordPointer locates a single slot within a record page.
type RecordPointer struct {
	PageID    uint32
	SlotIndex uint16
}

// IsZero reports whether p is the null pointer (page 0), used to
// terminate a version chain.
func (p RecordPointer) IsZero() bool { return p.PageID == 0 }

// VersionMeta is the 25-byte header prefixed to every record version.
type VersionMeta struct {
	TxID     uint64
	CommitTS uint64
	Prev     RecordPointer
	Flags    uint8
}

func (m VersionMeta) IsTombstone() bool  { return m.Flags&FlagTombstone != 0 }
func (m VersionMeta) IsCompressed() bool { return m.Flags&FlagCompressed != 0 }

// Encode writes m into dst, which must be at least MetaSize bytes.
func (m VersionMeta) Encode(dst []byte) {
	binary.BigEndian.PutUint64(dst[0:8], m.TxID)
	binary.BigEndian.PutUint64(dst[8:16], m.CommitTS)
	binary.BigEndian.PutUint32(dst[16:20], m.Prev.PageID)
	binary.BigEndian.PutUint16(dst[20:22], m.Prev.SlotIndex)
	dst[22] = m.Flags
	dst[23] = 0
	dst[24] = 0
}

// DecodeVersionMeta parses a VersionMeta from the first MetaSize bytes
// of src.
func DecodeVersionMeta(src []byte) (VersionMeta, error) {
	if len(src) < MetaSize {
		return VersionMeta{}, fmt.Errorf("mvcc: short version header: have %d bytes, want %d", len(src), MetaSize)
	}
	var m VersionMeta
	m.TxID = binary.BigEndian.Uint64(src[0:8])
	m.CommitTS = binary.BigEndian.Uint64(src[8:16])
	m.Prev.PageID = binary.BigEndian.Uint32(src[16:20])
	m.Prev.SlotIndex = binary.BigEndian.Uint16(src[20:22])
	m.Flags = src[22]
	return m, nil
}

// Pending returns a VersionMeta for a version written by txID that has
// not yet committed: commit_ts is 0, per spec section 3's "0 while
// uncommitted". Commit's Stamp phase rewrites CommitTS once the
// transaction reaches its commit timestamp.
func Pending(txID uint64, prev RecordPointer) VersionMeta {
	return VersionMeta{TxID: txID, CommitTS: 0, Prev: prev}
}

// Visible reports whether a version with header m is the chain
// position a reader holding snapshotTS should stop at — the first
// version, walking newest to oldest, that this reader is allowed to
// see, whether or not it happens to be a tombstone. Per spec section
// 4.4's visibility predicate, that is either:
//
//   - (a) a version written by the reader's own still-open
//     transaction (read-your-own-writes), or
//   - (b) 0 < commit_ts <= snapshotTS, or
//   - (c) snapshotTS == 0 and readerTxID == 0 (legacy/MVCC-disabled
//     fallback: unversioned records, which always carry commit_ts 0,
//     are always visible to a reader outside any transaction).
//
// Callers that land on a tombstone (checked separately via
// m.IsTombstone after Visible returns true) must report the entity as
// absent rather than returning the tombstone's payload — the version
// is still the correct chain stop, it just carries a "deleted" marker
// instead of live data. Uncommitted versions (commit_ts == 0) written
// by a different transaction are never visible under (b) or (c): (b)
// requires a nonzero commit_ts, and (c) does not apply to a reader
// that has a transaction id of its own.
func Visible(m VersionMeta, snapshotTS uint64, readerTxID uint64) bool {
	if readerTxID != 0 && m.TxID == readerTxID {
		return true
	}
	if m.CommitTS > 0 && m.CommitTS <= snapshotTS {
		return true
	}
	if snapshotTS == 0 && m.CommitTS == 0 && readerTxID == 0 {
		return true
	}
	return false
}
