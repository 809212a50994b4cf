package record

import (
	"encoding/binary"
	"fmt"

	"github.com/sombradb/sombra/internal/mvcc"
	"github.com/sombradb/sombra/internal/pageio"
)

// entryWidth is the size of one slot-directory entry: offset(2) +
// length(2) + flags(1). The directory grows forward from the start of
// the page body; payloads are packed backward from the end, matching
// the slotted-page shape in spec section 4.1's "Slot operations" and
// the teacher's leaf-page directory/payload split.
const entryWidth = 5

const (
	slotOccupied   uint8 = 1 << 0
	slotCompressed uint8 = 1 << 1
)

// ErrNoSpace is returned by Insert/Overwrite when a page's free region
// cannot fit the requested payload.
var ErrNoSpace = fmt.Errorf("record: page has no space for payload")

func entryOffset(i uint16) int { return int(i) * entryWidth }

func readEntry(body []byte, i uint16) (offset, length uint16, flags uint8) {
	o := entryOffset(i)
	offset = binary.BigEndian.Uint16(body[o : o+2])
	length = binary.BigEndian.Uint16(body[o+2 : o+4])
	flags = body[o+4]
	return
}

func writeEntry(body []byte, i uint16, offset, length uint16, flags uint8) {
	o := entryOffset(i)
	binary.BigEndian.PutUint16(body[o:o+2], offset)
	binary.BigEndian.PutUint16(body[o+2:o+4], length)
	body[o+4] = flags
}

// freeSpace returns the number of unused bytes between the end of the
// directory and the start of the lowest-addressed payload.
func freeSpace(p *pageio.Page) int {
	dirEnd := entryOffset(p.EntryCount())
	return int(p.FreeSpaceOffset()) - dirEnd
}

// Insert appends payload to p as a new slot, returning its index. The
// page must already be loaded via Insert's caller from the pager;
// Finalize is left to the caller since several slot mutations are
// often batched before a single checksum recompute.
func Insert(p *pageio.Page, payload []byte, compressed bool) (uint16, error) {
	need := entryWidth + len(payload)
	if freeSpace(p) < need {
		return 0, ErrNoSpace
	}

	body := p.Body()
	newDataStart := int(p.FreeSpaceOffset()) - len(payload)
	copy(body[newDataStart:], payload)

	idx := p.EntryCount()
	flags := slotOccupied
	if compressed {
		flags |= slotCompressed
	}
	writeEntry(body, idx, uint16(newDataStart), uint16(len(payload)), flags)

	p.SetEntryCount(idx + 1)
	p.SetFreeSpaceOffset(uint16(newDataStart))
	return idx, nil
}

// Read returns the raw bytes stored at slot idx, decompressing them
// first if they were stored compressed.
func Read(p *pageio.Page, idx uint16) ([]byte, error) {
	if idx >= p.EntryCount() {
		return nil, fmt.Errorf("record: slot %d: %w", idx, pageio.ErrNotFound)
	}
	body := p.Body()
	offset, length, flags := readEntry(body, idx)
	if flags&slotOccupied == 0 {
		return nil, fmt.Errorf("record: slot %d: %w", idx, pageio.ErrNotFound)
	}
	raw := make([]byte, length)
	copy(raw, body[offset:int(offset)+int(length)])
	if flags&slotCompressed != 0 {
		return DecompressBody(raw)
	}
	return raw, nil
}

// Overwrite replaces the payload at idx in place if it fits in the
// slot's existing reserved length; it never moves or grows a slot
// (nothing compacts a slotted page), matching spec section
// 4.1's "only if size fits; otherwise allocate elsewhere and update
// caller's reference" contract.
func Overwrite(p *pageio.Page, idx uint16, payload []byte, compressed bool) error {
	if idx >= p.EntryCount() {
		return fmt.Errorf("record: slot %d: %w", idx, pageio.ErrNotFound)
	}
	body := p.Body()
	offset, length, flags := readEntry(body, idx)
	if flags&slotOccupied == 0 {
		return fmt.Errorf("record: slot %d: %w", idx, pageio.ErrNotFound)
	}
	if len(payload) > int(length) {
		return ErrNoSpace
	}
	copy(body[offset:int(offset)+len(payload)], payload)
	newFlags := slotOccupied
	if compressed {
		newFlags |= slotCompressed
	}
	writeEntry(body, idx, offset, uint16(len(payload)), newFlags)
	return nil
}

// Free clears the occupied flag on idx. The bytes are not reclaimed
// within the page, and nothing in this module compacts a page to reuse
// freed space; this matches spec section 4.1's
// free() contract of marking a slot vacant without an immediate
// compaction obligation.
func Free(p *pageio.Page, idx uint16) error {
	if idx >= p.EntryCount() {
		return fmt.Errorf("record: slot %d: %w", idx, pageio.ErrNotFound)
	}
	body := p.Body()
	offset, length, flags := readEntry(body, idx)
	if flags&slotOccupied == 0 {
		return nil
	}
	writeEntry(body, idx, offset, length, flags&^slotOccupied)
	return nil
}

// Pointer builds a mvcc.RecordPointer for a slot on page p.
func Pointer(p *pageio.Page, idx uint16) mvcc.RecordPointer {
	return mvcc.RecordPointer{PageID: p.ID, SlotIndex: idx}
}
