// Package pageio implements Sombra's fixed-size page I/O: the pager
// contract described in spec section 4.1 (read/write/allocate/free,
// page cache, free-page list) plus the generic on-disk page framing
// every page kind shares.
package pageio

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// DefaultPageSize is used when a Config does not override it. Must be a
// power of two.
const DefaultPageSize = 8192

// subHeaderSize is the size, in bytes, of the common prefix written at
// the start of every page's body: magic(4) + slot/entry count(2) +
// free-space offset(2) + body checksum(4). Record, index, and free
// pages all share this shape; they differ only in how the bytes past
// offset 12 are interpreted.
const subHeaderSize = 12

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Kind identifies what a page's bytes mean.
type Kind uint8

const (
	KindFree Kind = iota
	KindRecord
	KindIndex
)

var magicBytes = map[Kind][4]byte{
	KindFree:   {'F', 'R', 'E', 'E'},
	KindRecord: {'R', 'E', 'C', 0},
	KindIndex:  {'I', 'D', 'X', 'P'},
}

func kindForMagic(m [4]byte) (Kind, bool) {
	for k, mb := range magicBytes {
		if mb == m {
			return k, true
		}
	}
	return 0, false
}

// Page is one fixed-size logical page, identified by ID (page ids
// start at 1; the header page at file offset 0 is managed separately
// by internal/catalog and is never seen here). Buf is always exactly
// PageSize bytes and is the authoritative encoding — mutate it via the
// accessor helpers below, not by hand, so the checksum stays correct
// when Finalize is called.
type Page struct {
	ID  uint32
	Buf []byte
}

// newPage allocates a zeroed page buffer of the given kind and size.
// Record and index pages pack payloads backward from the tail of the
// body, so their free-space offset starts at the body's length, not 0 —
// leaving it 0 would make slot.Insert (internal/record/slot.go) treat
// the page as already full.
func newPage(id uint32, kind Kind, pageSize int) *Page {
	buf := make([]byte, pageSize)
	m := magicBytes[kind]
	copy(buf[0:4], m[:])
	p := &Page{ID: id, Buf: buf}
	if kind == KindRecord || kind == KindIndex {
		p.SetFreeSpaceOffset(uint16(len(p.Body())))
	}
	return p
}

// Kind reports the page's kind from its magic prefix.
func (p *Page) Kind() (Kind, error) {
	var m [4]byte
	copy(m[:], p.Buf[0:4])
	k, ok := kindForMagic(m)
	if !ok {
		return 0, fmt.Errorf("pageio: page %d: unknown magic %q: %w", p.ID, m[:], ErrCorruption)
	}
	return k, nil
}

// EntryCount / FreeSpaceOffset read and write the two uint16 fields
// following the magic: slot count for record pages, entry count for
// index pages (unused for free pages).
func (p *Page) EntryCount() uint16 {
	return binary.BigEndian.Uint16(p.Buf[4:6])
}

func (p *Page) SetEntryCount(n uint16) {
	binary.BigEndian.PutUint16(p.Buf[4:6], n)
}

func (p *Page) FreeSpaceOffset() uint16 {
	return binary.BigEndian.Uint16(p.Buf[6:8])
}

func (p *Page) SetFreeSpaceOffset(off uint16) {
	binary.BigEndian.PutUint16(p.Buf[6:8], off)
}

// Body returns the mutable region after the 12-byte sub-header, where
// record/index/free page kinds lay out their own data.
func (p *Page) Body() []byte {
	return p.Buf[subHeaderSize:]
}

// Checksum returns the stored body checksum (offset 8, 4 bytes).
func (p *Page) Checksum() uint32 {
	return binary.BigEndian.Uint32(p.Buf[8:12])
}

// Finalize recomputes and stores the body checksum. Callers must call
// this after mutating a page's body and before handing it to the
// pager for Write.
func (p *Page) Finalize() {
	sum := crc32.Checksum(p.Body(), castagnoli)
	binary.BigEndian.PutUint32(p.Buf[8:12], sum)
}

// Verify recomputes the checksum over the body and compares it to the
// stored value, returning ErrCorruption on mismatch.
func (p *Page) Verify() error {
	sum := crc32.Checksum(p.Body(), castagnoli)
	if sum != p.Checksum() {
		return fmt.Errorf("pageio: page %d: checksum mismatch (have %08x, want %08x): %w",
			p.ID, sum, p.Checksum(), ErrCorruption)
	}
	return nil
}

// --- free-page encoding ---
//
// A free page's body holds only the page id of the next free page (0
// meaning end of list), at the very start of the body.

// NewFreePage builds a page with KindFree magic linking to next.
func NewFreePage(id uint32, pageSize int, next uint32) *Page {
	p := newPage(id, KindFree, pageSize)
	binary.BigEndian.PutUint32(p.Body()[0:4], next)
	p.Finalize()
	return p
}

// NextFree reads the next-free-page link out of a free page's body.
func (p *Page) NextFree() uint32 {
	return binary.BigEndian.Uint32(p.Body()[0:4])
}

// SetNextFree rewrites a page in place as a free page linking to next.
// Used by Pager.Free to reclaim a page regardless of its prior kind.
func (p *Page) SetNextFree(next uint32) {
	m := magicBytes[KindFree]
	copy(p.Buf[0:4], m[:])
	p.SetEntryCount(0)
	p.SetFreeSpaceOffset(0)
	binary.BigEndian.PutUint32(p.Body()[0:4], next)
	p.Finalize()
}
