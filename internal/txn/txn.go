// Package txn implements the transaction state machine and manager
// from spec section 4.5: admission-controlled Begin, two-phase commit
// (Prepare -> Stamp -> Durability -> Publish), and Rollback. It carries
// no conflict detection — per spec section 4.5's "Write-write policy",
// concurrent updates to the same entity resolve last-writer-wins.
package txn

import (
	"fmt"

	"github.com/sombradb/sombra/internal/mvcc"
)

// State is a transaction's position in its lifecycle.
type State uint8

const (
	StateActive State = iota
	StatePreparing
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePreparing:
		return "preparing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Transaction is one client transaction: its snapshot, its eventual
// commit timestamp, and the bookkeeping Commit/Rollback need.
type Transaction struct {
	ID         uint64
	State      State
	SnapshotTS uint64
	CommitTS   uint64

	// createdVersions is every version pointer this transaction wrote,
	// in write order; Commit stamps each with the final commit_ts.
	createdVersions []mvcc.RecordPointer
	// dirtyPages is every page id this transaction's writes touched,
	// so Rollback can discard them from the pager's dirty set.
	dirtyPages map[uint32]struct{}
}

func newTransaction(id, snapshotTS uint64) *Transaction {
	return &Transaction{
		ID:         id,
		State:      StateActive,
		SnapshotTS: snapshotTS,
		dirtyPages: make(map[uint32]struct{}),
	}
}

// RecordWrite tracks a newly appended version and the page it landed
// on, for commit-time stamping and rollback respectively.
func (tx *Transaction) RecordWrite(ptr mvcc.RecordPointer) {
	tx.createdVersions = append(tx.createdVersions, ptr)
	tx.dirtyPages[ptr.PageID] = struct{}{}
}

// DirtyPageIDs returns the set of page ids this transaction dirtied.
func (tx *Transaction) DirtyPageIDs() []uint32 {
	ids := make([]uint32, 0, len(tx.dirtyPages))
	for id := range tx.dirtyPages {
		ids = append(ids, id)
	}
	return ids
}

// CreatedVersions returns every version pointer written by tx, in
// write order.
func (tx *Transaction) CreatedVersions() []mvcc.RecordPointer {
	out := make([]mvcc.RecordPointer, len(tx.createdVersions))
	copy(out, tx.createdVersions)
	return out
}

// ErrNotActive is returned by Commit/Rollback on a transaction that
// has already left the Active state.
var ErrNotActive = fmt.Errorf("txn: transaction is not active")
