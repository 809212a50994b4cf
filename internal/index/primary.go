// Package index implements Sombra's in-memory primary and label/type
// indexes described in spec section 4.6. They live only in memory:
// nothing writes them to KindIndex pages, and Database.Open rebuilds
// them on every open by scanning the record pages.
package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sombradb/sombra/internal/mvcc"
)

// Primary is the entity-id -> ordered-version-pointer index: an
// in-memory ordered map whose values are head-first pointer vectors.
// Per spec section 4.6: insert prepends, head/all read, and
// find_by_pointer supports GC's reverse lookup during compaction.
type Primary struct {
	mu      sync.RWMutex
	byID    map[uint64][]mvcc.RecordPointer
}

func NewPrimary() *Primary {
	return &Primary{byID: make(map[uint64][]mvcc.RecordPointer)}
}

// Insert prepends newHead onto entity id's pointer vector.
func (p *Primary) Insert(id uint64, newHead mvcc.RecordPointer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[id] = append([]mvcc.RecordPointer{newHead}, p.byID[id]...)
}

// Head returns the current (newest) pointer for id.
func (p *Primary) Head(id uint64) (mvcc.RecordPointer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	chain := p.byID[id]
	if len(chain) == 0 {
		return mvcc.RecordPointer{}, false
	}
	return chain[0], true
}

// All returns every pointer ever recorded for id, newest first, for
// GC's full-chain scans.
func (p *Primary) All(id uint64) []mvcc.RecordPointer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]mvcc.RecordPointer, len(p.byID[id]))
	copy(out, p.byID[id])
	return out
}

// Ids returns every entity id with at least one version, in ascending
// order, for GC's watermark scan.
func (p *Primary) Ids() []uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]uint64, 0, len(p.byID))
	for id := range p.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FindByPointer reverse-looks-up which entity id owns ptr, and its
// position within that id's chain (0 = head). Used by GC to rewrite
// chain links when it compacts away an interior version.
func (p *Primary) FindByPointer(ptr mvcc.RecordPointer) (id uint64, position int, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for entityID, chain := range p.byID {
		for i, cp := range chain {
			if cp == ptr {
				return entityID, i, true
			}
		}
	}
	return 0, 0, false
}

// Prune replaces id's stored chain with pointers, used by GC after it
// has rewritten version links to skip reclaimed entries.
func (p *Primary) Prune(id uint64, pointers []mvcc.RecordPointer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(pointers) == 0 {
		delete(p.byID, id)
		return
	}
	p.byID[id] = pointers
}

// Count returns the number of entities tracked, for Stats().
func (p *Primary) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}

// ErrNotIndexed is returned when an id has never been inserted.
var ErrNotIndexed = fmt.Errorf("index: entity id not found")
