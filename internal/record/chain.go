package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sombradb/sombra/internal/mvcc"
	"github.com/sombradb/sombra/internal/pageio"
)

// ErrChainEnd names the null-pointer chain terminator. No function in
// this package returns it: ReadAtSnapshot stops at a zero Prev pointer
// and reports ok=false instead.
var ErrChainEnd = errors.New("record: version chain terminator")

// Store appends and reads versioned node/edge records across record
// pages, laying out each slot as [1-byte entity kind][25-byte
// mvcc.VersionMeta][payload]. It owns a simple bump allocator over
// record pages: new versions append to the current tail page until it
// runs out of room, at which point a fresh page is allocated.
type Store struct {
	pager *pageio.Pager

	mu     sync.Mutex
	tailID uint32
	logger *zap.Logger

	// compressNonHead mirrors the version_codec config option: when
	// true, every version except an entity's first (meta.Prev == zero)
	// has its body snappy-compressed before being written, including a
	// version that becomes the new chain head.
	compressNonHead bool
}

func NewStore(pager *pageio.Pager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pager: pager, logger: logger}
}

// SetCompression toggles the version_codec=Snappy policy.
func (s *Store) SetCompression(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressNonHead = enabled
}

// SetTail restores the bump allocator's current page, e.g. the header
// page's "last record page" field on open.
func (s *Store) SetTail(pageID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tailID = pageID
}

// Tail returns the current tail page id, to be persisted in the
// catalog header at checkpoint.
func (s *Store) Tail() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tailID
}

func buildVersionedPayload(kind EntityKind, meta mvcc.VersionMeta, body []byte) []byte {
	out := make([]byte, 1+mvcc.MetaSize+len(body))
	out[0] = byte(kind)
	meta.Encode(out[1 : 1+mvcc.MetaSize])
	copy(out[1+mvcc.MetaSize:], body)
	return out
}

// AppendVersion writes a new version of an entity: kind identifies
// node vs. edge, meta carries tx_id/commit_ts/prev pointer, and body is
// the entity's encoded form (EncodeNode/EncodeEdge). When compression
// is enabled (SetCompression), every version appended with a non-zero
// meta.Prev is snappy-compressed before insertion; that includes the
// version that becomes the new chain head, and only an entity's first
// version is stored uncompressed. A version is never recompressed once
// a newer one supersedes it.
func (s *Store) AppendVersion(kind EntityKind, meta mvcc.VersionMeta, body []byte) (mvcc.RecordPointer, error) {
	s.mu.Lock()
	compress := s.compressNonHead && !meta.Prev.IsZero()
	s.mu.Unlock()

	stored := body
	if compress {
		stored = CompressBody(body)
		meta.Flags |= mvcc.FlagCompressed
	}
	payload := buildVersionedPayload(kind, meta, stored)

	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := s.currentTailLocked()
	if err != nil {
		return mvcc.RecordPointer{}, err
	}

	// Slot-level compression is never used here: the 25-byte version
	// header ahead of the body must stay plaintext so StampCommit and
	// GC's RelinkPrev can rewrite fixed-offset fields in place.
	idx, err := Insert(page, payload, false)
	if errors.Is(err, ErrNoSpace) {
		page, err = s.newTailLocked()
		if err != nil {
			return mvcc.RecordPointer{}, err
		}
		idx, err = Insert(page, payload, false)
		if err != nil {
			return mvcc.RecordPointer{}, fmt.Errorf("record: append version: fresh page still too small: %w", err)
		}
	} else if err != nil {
		return mvcc.RecordPointer{}, err
	}

	page.Finalize()
	if err := s.pager.Write(page); err != nil {
		return mvcc.RecordPointer{}, err
	}
	return Pointer(page, idx), nil
}

func (s *Store) currentTailLocked() (*pageio.Page, error) {
	if s.tailID == 0 {
		return s.newTailLocked()
	}
	return s.pager.Read(s.tailID)
}

func (s *Store) newTailLocked() (*pageio.Page, error) {
	page, err := s.pager.Allocate(pageio.KindRecord)
	if err != nil {
		return nil, fmt.Errorf("record: allocating new tail page: %w", err)
	}
	s.tailID = page.ID
	return page, nil
}

// ReadVersion reads and decodes the single version stored at ptr,
// without regard to visibility.
func (s *Store) ReadVersion(ptr mvcc.RecordPointer) (EntityKind, mvcc.VersionMeta, []byte, error) {
	page, err := s.pager.Read(ptr.PageID)
	if err != nil {
		return 0, mvcc.VersionMeta{}, nil, err
	}
	raw, err := Read(page, ptr.SlotIndex)
	if err != nil {
		return 0, mvcc.VersionMeta{}, nil, err
	}
	if len(raw) < 1+mvcc.MetaSize {
		return 0, mvcc.VersionMeta{}, nil, fmt.Errorf("record: slot %v: payload shorter than header", ptr)
	}
	kind := EntityKind(raw[0])
	meta, err := mvcc.DecodeVersionMeta(raw[1 : 1+mvcc.MetaSize])
	if err != nil {
		return 0, mvcc.VersionMeta{}, nil, err
	}
	body := raw[1+mvcc.MetaSize:]
	if meta.IsCompressed() {
		body, err = DecompressBody(body)
		if err != nil {
			return 0, mvcc.VersionMeta{}, nil, fmt.Errorf("record: decompressing slot %v: %w", ptr, err)
		}
	}
	return kind, meta, body, nil
}

// StampCommit rewrites the commit_ts field of the version at ptr, once
// its owning transaction has been assigned one. Because VersionMeta is
// fixed-size this is always an in-place Overwrite.
func (s *Store) StampCommit(ptr mvcc.RecordPointer, txID, commitTS uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := s.pager.Read(ptr.PageID)
	if err != nil {
		return err
	}
	raw, err := Read(page, ptr.SlotIndex)
	if err != nil {
		return err
	}
	meta, err := mvcc.DecodeVersionMeta(raw[1 : 1+mvcc.MetaSize])
	if err != nil {
		return err
	}
	meta.CommitTS = commitTS
	meta.Encode(raw[1 : 1+mvcc.MetaSize])

	// The slot's stored bytes are never slot-level compressed (see
	// AppendVersion); any body compression is recorded in meta.Flags and
	// decoded by ReadVersion, so Overwrite always gets compressed=false.
	if err := Overwrite(page, ptr.SlotIndex, raw, false); err != nil {
		return err
	}
	page.Finalize()
	return s.pager.Write(page)
}

// ScannedVersion is one versioned slot found by ScanVersionedSlots.
type ScannedVersion struct {
	Ptr      mvcc.RecordPointer
	Kind     EntityKind
	Meta     mvcc.VersionMeta
	EntityID uint64
}

// ScanVersionedSlots walks every record page from id 1 through
// maxPageID and returns every occupied versioned slot it finds. It is
// used once, at open, to rebuild the in-memory primary and label
// indexes from the data file itself; no index structure is persisted.
// EntityID is read directly from the first 8 bytes of
// the decoded body, which EncodeNode/EncodeEdge both place there.
func (s *Store) ScanVersionedSlots(maxPageID uint32) ([]ScannedVersion, error) {
	var out []ScannedVersion
	for id := uint32(1); id <= maxPageID; id++ {
		page, err := s.pager.Read(id)
		if err != nil {
			if errors.Is(err, pageio.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("record: scanning page %d: %w", id, err)
		}
		kind, err := page.Kind()
		if err != nil || kind != pageio.KindRecord {
			continue
		}
		count := page.EntryCount()
		for idx := uint16(0); idx < count; idx++ {
			raw, err := Read(page, idx)
			if err != nil {
				continue // freed slot
			}
			if len(raw) < 1+mvcc.MetaSize+8 {
				continue
			}
			k := EntityKind(raw[0])
			meta, err := mvcc.DecodeVersionMeta(raw[1 : 1+mvcc.MetaSize])
			if err != nil {
				continue
			}
			body := raw[1+mvcc.MetaSize:]
			if meta.IsCompressed() {
				body, err = DecompressBody(body)
				if err != nil {
					s.logger.Warn("record: scan: skipping undecodable compressed slot",
						zap.Uint32("page_id", id), zap.Uint16("slot", idx))
					continue
				}
			}
			if len(body) < 8 {
				continue
			}
			entityID := binary.BigEndian.Uint64(body[0:8])
			out = append(out, ScannedVersion{
				Ptr:      mvcc.RecordPointer{PageID: id, SlotIndex: idx},
				Kind:     k,
				Meta:     meta,
				EntityID: entityID,
			})
		}
	}
	return out, nil
}

// RelinkPrev rewrites only the Prev pointer of the version stored at
// ptr, used by internal/gc to splice a reclaimed interior version out
// of a chain: the version just newer than the reclaimed one gets its
// Prev rewritten to the reclaimed version's old Prev.
func (s *Store) RelinkPrev(ptr mvcc.RecordPointer, newPrev mvcc.RecordPointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := s.pager.Read(ptr.PageID)
	if err != nil {
		return err
	}
	raw, err := Read(page, ptr.SlotIndex)
	if err != nil {
		return err
	}
	meta, err := mvcc.DecodeVersionMeta(raw[1 : 1+mvcc.MetaSize])
	if err != nil {
		return err
	}
	meta.Prev = newPrev
	meta.Encode(raw[1 : 1+mvcc.MetaSize])

	if err := Overwrite(page, ptr.SlotIndex, raw, false); err != nil {
		return err
	}
	page.Finalize()
	return s.pager.Write(page)
}

// FreeVersion marks a reclaimed version's slot vacant. The page itself
// is left in place and the slot's byte range is not reclaimed; this
// matches Free's contract in slot.go.
func (s *Store) FreeVersion(ptr mvcc.RecordPointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := s.pager.Read(ptr.PageID)
	if err != nil {
		return err
	}
	if err := Free(page, ptr.SlotIndex); err != nil {
		return err
	}
	page.Finalize()
	return s.pager.Write(page)
}

// ReadAtSnapshot walks the version chain starting at head, returning
// the first version visible to a reader holding snapshotTS (or issued
// by readerTxID itself), per the Visible predicate in internal/mvcc.
// ok is false if no visible version exists (entity not yet visible).
// When the visible version is a tombstone, ok is true and tombstone is
// true; callers report the entity as absent.
func (s *Store) ReadAtSnapshot(head mvcc.RecordPointer, snapshotTS, readerTxID uint64) (kind EntityKind, body []byte, tombstone bool, ok bool, err error) {
	ptr := head
	for !ptr.IsZero() {
		k, meta, raw, rerr := s.ReadVersion(ptr)
		if rerr != nil {
			return 0, nil, false, false, rerr
		}
		if mvcc.Visible(meta, snapshotTS, readerTxID) {
			return k, raw, meta.IsTombstone(), true, nil
		}
		ptr = meta.Prev
	}
	return 0, nil, false, false, nil
}
