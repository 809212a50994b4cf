package index

import (
	"math"
	"sync"

	"github.com/sombradb/sombra/internal/mvcc"
)

// neverDeleted is the delete_ts sentinel representing "absent
// delete_ts" (infinity) from spec section 4.6: "where absent delete_ts
// is infinity".
const neverDeleted = math.MaxUint64

// entry is one versioned label/type index entry: {pointer, commit_ts,
// delete_ts}.
type entry struct {
	ptr      mvcc.RecordPointer
	commitTS uint64
	deleteTS uint64
}

// visible reports whether e is visible at snapshot s: commit_ts <= s
// and s < delete_ts.
func (e entry) visible(s uint64) bool {
	return e.commitTS <= s && s < e.deleteTS
}

// Label is a versioned secondary index keyed by label or edge-type
// name, mapping each key to the set of entries ever recorded for it.
// Label is safe for concurrent use: mu guards its map structure, and
// no lock above it orders writers to the same key.
type Label struct {
	mu      sync.RWMutex
	byLabel map[string][]*entry
	// byPointer indexes every entry recorded against a given record
	// pointer so a later update (which must close out that version's
	// label entries before indexing the new version) can find them all
	// without a linear scan of each key's whole history. A single
	// pointer can own more than one entry here, since a node's version
	// typically carries several labels at once.
	byPointer map[mvcc.RecordPointer][]*entry
}

func NewLabel() *Label {
	return &Label{
		byLabel:   make(map[string][]*entry),
		byPointer: make(map[mvcc.RecordPointer][]*entry),
	}
}

// Insert records a new visible-from commitTS entry for key -> ptr.
func (l *Label) Insert(key string, ptr mvcc.RecordPointer, commitTS uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &entry{ptr: ptr, commitTS: commitTS, deleteTS: neverDeleted}
	l.byLabel[key] = append(l.byLabel[key], e)
	l.byPointer[ptr] = append(l.byPointer[ptr], e)
}

// Retire closes out every entry recorded against ptr (one per label or
// type name that version carried) by setting their delete_ts, called
// when an update changes the label/type set or the entity is deleted.
func (l *Label) Retire(ptr mvcc.RecordPointer, deleteTS uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.byPointer[ptr] {
		e.deleteTS = deleteTS
	}
}

// VisiblePointers returns every pointer indexed under key visible at
// snapshot s.
func (l *Label) VisiblePointers(key string, s uint64) []mvcc.RecordPointer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []mvcc.RecordPointer
	for _, e := range l.byLabel[key] {
		if e.visible(s) {
			out = append(out, e.ptr)
		}
	}
	return out
}

// Compact drops entries whose delete_ts is at or below watermark
// (i.e. no present or future snapshot can ever see them), called by
// internal/gc after it reclaims the underlying versions.
func (l *Label) Compact(watermark uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, entries := range l.byLabel {
		kept := entries[:0]
		for _, e := range entries {
			if e.deleteTS != neverDeleted && e.deleteTS <= watermark {
				delete(l.byPointer, e.ptr)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(l.byLabel, key)
		} else {
			l.byLabel[key] = kept
		}
	}
}
