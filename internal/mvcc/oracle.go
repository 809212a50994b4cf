package mvcc

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Oracle is the monotone timestamp source and active-snapshot registry
// from spec section 4.3. It hands out snapshot_ts to new transactions
// and commit_ts to committing ones off the same counter, and tracks
// which snapshots are still in use so the garbage collector knows how
// far back it must keep old versions (GCWatermark).
type Oracle struct {
	counter uint64

	mu        sync.Mutex
	active    map[uint64]int // snapshot_ts -> number of open transactions holding it
	nextToken uint64
}

// NewOracle creates an Oracle whose counter starts just above startTS,
// so recovery can hand it the highest commit_ts replayed from the WAL
// and guarantee freshly allocated timestamps never collide with
// already-committed ones.
func NewOracle(startTS uint64) *Oracle {
	return &Oracle{
		counter: startTS,
		active:  make(map[uint64]int),
	}
}

func (o *Oracle) next() uint64 {
	return atomic.AddUint64(&o.counter, 1)
}

// AllocateSnapshot hands out a fresh snapshot_ts and registers it as
// active until ReleaseSnapshot is called.
func (o *Oracle) AllocateSnapshot() uint64 {
	ts := o.next()
	o.mu.Lock()
	o.active[ts]++
	o.mu.Unlock()
	return ts
}

// ReleaseSnapshot unregisters a snapshot_ts previously returned by
// AllocateSnapshot. Must be called exactly once per allocation, when
// the owning transaction ends (commit or rollback).
func (o *Oracle) ReleaseSnapshot(ts uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.active[ts]
	if n <= 1 {
		delete(o.active, ts)
	} else {
		o.active[ts] = n - 1
	}
}

// AllocateCommitTS hands out a fresh commit_ts from the same counter as
// snapshots, so commit_ts and snapshot_ts share one total order.
func (o *Oracle) AllocateCommitTS() uint64 {
	return o.next()
}

// GCWatermark returns the lowest snapshot_ts currently held by any open
// transaction, or the current counter value if none are open. Versions
// committed-and-superseded strictly before this watermark can never be
// read by any present or future snapshot and are safe to reclaim.
func (o *Oracle) GCWatermark() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.active) == 0 {
		return atomic.LoadUint64(&o.counter)
	}
	tss := make([]uint64, 0, len(o.active))
	for ts := range o.active {
		tss = append(tss, ts)
	}
	sort.Slice(tss, func(i, j int) bool { return tss[i] < tss[j] })
	return tss[0]
}

// ActiveSnapshotCount reports how many transactions currently hold an
// open snapshot, for Stats().
func (o *Oracle) ActiveSnapshotCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, count := range o.active {
		n += count
	}
	return n
}
