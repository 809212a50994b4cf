package sombra

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sombradb/sombra/internal/index"
	"github.com/sombradb/sombra/internal/mvcc"
	"github.com/sombradb/sombra/internal/record"
	"github.com/sombradb/sombra/internal/txn"
)

// Tx is one client transaction handle: admission-controlled by
// Database.BeginTx, holding its own snapshot_ts for the lifetime of
// its reads, per spec section 4.6.
type Tx struct {
	db        *Database
	inner     *txn.Transaction
	RequestID uuid.UUID
	done      bool
	cancelled int32 // set via atomic.StoreInt32 by Database.Cancel

	// origNodeHeads/origEdgeHeads capture, the first time this
	// transaction touches an entity, the chain exactly as the primary
	// index held it before any of this transaction's writes. Rollback
	// restores each touched id to its captured chain (spec section
	// 4.6: "the index head is restored to the pointer's prev_version")
	// rather than leaving the new, never-committed head in place.
	origNodeHeads map[uint64][]mvcc.RecordPointer
	origEdgeHeads map[uint64][]mvcc.RecordPointer
}

// snapshotNodeHead records id's pre-transaction chain the first time
// this transaction writes a new version for it.
func (tx *Tx) snapshotNodeHead(id uint64) {
	if tx.origNodeHeads == nil {
		tx.origNodeHeads = make(map[uint64][]mvcc.RecordPointer)
	}
	if _, seen := tx.origNodeHeads[id]; seen {
		return
	}
	tx.origNodeHeads[id] = tx.db.nodeIdx.All(id)
}

func (tx *Tx) snapshotEdgeHead(id uint64) {
	if tx.origEdgeHeads == nil {
		tx.origEdgeHeads = make(map[uint64][]mvcc.RecordPointer)
	}
	if _, seen := tx.origEdgeHeads[id]; seen {
		return
	}
	tx.origEdgeHeads[id] = tx.db.edgeIdx.All(id)
}

// BeginTx admits a new transaction, allocating its snapshot timestamp
// and a fresh RequestID an external caller can later pass to
// Database.Cancel (spec section 5: "A request id may be attached to a
// transaction; an external cancel marks the transaction for rollback
// at the next safe point").
// Returns ErrTransactionLimitReached if max_concurrent_transactions is
// already at capacity.
func (db *Database) BeginTx() (*Tx, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}
	inner, err := db.txm.Begin()
	if err != nil {
		if errors.Is(err, txn.ErrTooManyTransactions) {
			return nil, ErrTransactionLimitReached
		}
		return nil, fmt.Errorf("sombra: begin tx: %w", err)
	}
	tx := &Tx{db: db, inner: inner, RequestID: uuid.New()}
	db.registerTx(tx)
	return tx, nil
}

// checkCancelled returns ErrCancelled if an external caller has
// called Database.Cancel with this transaction's RequestID. Called at
// the start of every write operation and before Commit, the "next
// safe point" spec section 5 requires; an fsync already in flight is
// never interrupted.
func (tx *Tx) checkCancelled() error {
	if atomic.LoadInt32(&tx.cancelled) != 0 {
		return ErrCancelled
	}
	return nil
}

func (db *Database) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

// Commit runs the transaction's four-phase commit (Prepare, Stamp,
// Durability, Publish). Once it returns successfully, every version
// this transaction wrote is visible to snapshots taken at or after its
// commit_ts.
func (tx *Tx) Commit() error {
	if tx.done {
		return txn.ErrNotActive
	}
	if err := tx.checkCancelled(); err != nil {
		tx.doRollback()
		return err
	}
	tx.done = true
	tx.db.unregisterTx(tx)
	return tx.db.txm.Commit(tx.inner)
}

// Rollback discards the transaction's writes: every version it
// appended is freed and detached from its chain, the primary index
// head for each entity it touched is restored to what it was before
// the transaction began, and its queued label/type index operations
// are dropped along with its dirty pages.
func (tx *Tx) Rollback() error {
	if tx.done {
		return txn.ErrNotActive
	}
	return tx.doRollback()
}

// doRollback is Rollback's body, shared with Commit's path for a
// transaction an external caller cancelled before it could commit.
func (tx *Tx) doRollback() error {
	tx.done = true
	tx.db.unregisterTx(tx)

	for id, chain := range tx.origNodeHeads {
		tx.db.nodeIdx.Prune(id, chain)
	}
	for id, chain := range tx.origEdgeHeads {
		tx.db.edgeIdx.Prune(id, chain)
	}
	for _, ptr := range tx.inner.CreatedVersions() {
		if err := tx.db.store.FreeVersion(ptr); err != nil {
			tx.db.logger.Warn("sombra: rollback: freeing version slot", zap.Uint32("page_id", ptr.PageID), zap.Uint16("slot", ptr.SlotIndex), zap.Error(err))
		}
	}

	tx.db.dropLabelOps(tx.inner.ID)
	return tx.db.txm.Rollback(tx.inner)
}

// CreateNode allocates a fresh node id and writes its first version.
// labels and props may be nil/empty.
func (tx *Tx) CreateNode(labels []string, props *record.PropertyMap) (uint64, error) {
	if err := tx.checkCancelled(); err != nil {
		return 0, err
	}
	if props == nil {
		props = record.NewPropertyMap()
	}
	id := tx.db.nextNodeID()
	n := &record.Node{ID: id, Labels: labels, Properties: props}
	body := record.EncodeNode(n)
	meta := mvcc.Pending(tx.inner.ID, mvcc.RecordPointer{})

	ptr, err := tx.db.store.AppendVersion(record.EntityNode, meta, body)
	if err != nil {
		return 0, fmt.Errorf("sombra: create node: %w", err)
	}
	tx.inner.RecordWrite(ptr)
	tx.snapshotNodeHead(id)
	tx.db.nodeIdx.Insert(id, ptr)

	ops := make([]labelOp, 0, len(labels))
	for _, l := range labels {
		ops = append(ops, labelOp{idx: tx.db.labelIdx, key: l, insert: ptr})
	}
	tx.db.queueLabelOps(tx.inner.ID, ops...)
	return id, nil
}

// GetNode returns the node id as visible to tx's snapshot (including
// tx's own uncommitted writes), or ErrNotFound if absent or tombstoned.
func (tx *Tx) GetNode(id uint64) (*record.Node, error) {
	head, ok := tx.db.nodeIdx.Head(id)
	if !ok {
		return nil, ErrNotFound
	}
	kind, body, tombstone, ok, err := tx.db.store.ReadAtSnapshot(head, tx.inner.SnapshotTS, tx.inner.ID)
	if err != nil {
		return nil, fmt.Errorf("sombra: get node %d: %w", id, err)
	}
	if !ok || tombstone || kind != record.EntityNode {
		return nil, ErrNotFound
	}
	return record.DecodeNode(body)
}

// UpdateNode reads the node visible to tx, applies mutate to a decoded
// copy, and appends the mutated result as a new version whose Prev
// points at the current chain head. The index head advances to the new
// pointer and label-index entries are retired/inserted as needed.
func (tx *Tx) UpdateNode(id uint64, mutate func(n *record.Node)) error {
	if err := tx.checkCancelled(); err != nil {
		return err
	}
	oldHead, ok := tx.db.nodeIdx.Head(id)
	if !ok {
		return ErrNotFound
	}
	kind, body, tombstone, ok, err := tx.db.store.ReadAtSnapshot(oldHead, tx.inner.SnapshotTS, tx.inner.ID)
	if err != nil {
		return fmt.Errorf("sombra: update node %d: %w", id, err)
	}
	if !ok || tombstone || kind != record.EntityNode {
		return ErrNotFound
	}
	n, err := record.DecodeNode(body)
	if err != nil {
		return fmt.Errorf("sombra: update node %d: decoding current version: %w", id, err)
	}
	oldLabels := n.Labels
	mutate(n)
	n.ID = id

	newBody := record.EncodeNode(n)
	meta := mvcc.Pending(tx.inner.ID, oldHead)
	newPtr, err := tx.db.store.AppendVersion(record.EntityNode, meta, newBody)
	if err != nil {
		return fmt.Errorf("sombra: update node %d: %w", id, err)
	}
	tx.inner.RecordWrite(newPtr)
	tx.snapshotNodeHead(id)
	tx.db.nodeIdx.Insert(id, newPtr)

	tx.db.queueLabelOps(tx.inner.ID, diffLabelOps(tx.db.labelIdx, oldHead, oldLabels, newPtr, n.Labels)...)
	return nil
}

// DeleteNode appends a tombstone version for id, making it absent to
// any snapshot taken at or after this transaction's eventual commit_ts.
func (tx *Tx) DeleteNode(id uint64) error {
	if err := tx.checkCancelled(); err != nil {
		return err
	}
	oldHead, ok := tx.db.nodeIdx.Head(id)
	if !ok {
		return ErrNotFound
	}
	kind, body, tombstone, ok, err := tx.db.store.ReadAtSnapshot(oldHead, tx.inner.SnapshotTS, tx.inner.ID)
	if err != nil {
		return fmt.Errorf("sombra: delete node %d: %w", id, err)
	}
	if !ok || tombstone || kind != record.EntityNode {
		return ErrNotFound
	}
	n, err := record.DecodeNode(body)
	if err != nil {
		return fmt.Errorf("sombra: delete node %d: decoding current version: %w", id, err)
	}

	meta := mvcc.Pending(tx.inner.ID, oldHead)
	meta.Flags |= mvcc.FlagTombstone
	newPtr, err := tx.db.store.AppendVersion(record.EntityNode, meta, record.EncodeNode(n))
	if err != nil {
		return fmt.Errorf("sombra: delete node %d: %w", id, err)
	}
	tx.inner.RecordWrite(newPtr)
	tx.snapshotNodeHead(id)
	tx.db.nodeIdx.Insert(id, newPtr)

	ops := make([]labelOp, 0, len(n.Labels))
	for _, l := range n.Labels {
		ops = append(ops, labelOp{idx: tx.db.labelIdx, key: l, retire: oldHead})
	}
	tx.db.queueLabelOps(tx.inner.ID, ops...)
	return nil
}

// CreateEdge allocates a fresh edge id, writes its first version, and
// maintains the intrusive out/in edge-list symmetry on source and
// target by appending new node versions linking the new edge in at the
// head of each list (spec section 3 invariant 4).
func (tx *Tx) CreateEdge(source, target uint64, edgeType string, props *record.PropertyMap) (uint64, error) {
	if err := tx.checkCancelled(); err != nil {
		return 0, err
	}
	if props == nil {
		props = record.NewPropertyMap()
	}

	srcHead, ok := tx.db.nodeIdx.Head(source)
	if !ok {
		return 0, fmt.Errorf("sombra: create edge: source %d: %w", source, ErrNotFound)
	}
	_, srcBody, srcDeleted, ok, err := tx.db.store.ReadAtSnapshot(srcHead, tx.inner.SnapshotTS, tx.inner.ID)
	if err != nil || !ok || srcDeleted {
		return 0, fmt.Errorf("sombra: create edge: source %d: %w", source, ErrNotFound)
	}
	srcNode, err := record.DecodeNode(srcBody)
	if err != nil {
		return 0, fmt.Errorf("sombra: create edge: decoding source %d: %w", source, err)
	}

	tgtHead, ok := tx.db.nodeIdx.Head(target)
	if !ok {
		return 0, fmt.Errorf("sombra: create edge: target %d: %w", target, ErrNotFound)
	}
	_, tgtBody, tgtDeleted, ok, err := tx.db.store.ReadAtSnapshot(tgtHead, tx.inner.SnapshotTS, tx.inner.ID)
	if err != nil || !ok || tgtDeleted {
		return 0, fmt.Errorf("sombra: create edge: target %d: %w", target, ErrNotFound)
	}
	tgtNode, err := record.DecodeNode(tgtBody)
	if err != nil {
		return 0, fmt.Errorf("sombra: create edge: decoding target %d: %w", target, err)
	}

	id := tx.db.nextEdgeID()
	e := &record.Edge{
		ID:                  id,
		Source:              source,
		Target:              target,
		Type:                edgeType,
		Properties:          props,
		NextOutgoingEdgeID:  srcNode.FirstOutgoingEdgeID,
		NextIncomingEdgeID:  tgtNode.FirstIncomingEdgeID,
	}
	edgeMeta := mvcc.Pending(tx.inner.ID, mvcc.RecordPointer{})
	edgePtr, err := tx.db.store.AppendVersion(record.EntityEdge, edgeMeta, record.EncodeEdge(e))
	if err != nil {
		return 0, fmt.Errorf("sombra: create edge: %w", err)
	}
	tx.inner.RecordWrite(edgePtr)
	tx.snapshotEdgeHead(id)
	tx.db.edgeIdx.Insert(id, edgePtr)
	tx.db.queueLabelOps(tx.inner.ID, labelOp{idx: tx.db.typeIdx, key: edgeType, insert: edgePtr})

	srcNode.FirstOutgoingEdgeID = id
	if target == source {
		// A self-loop touches one node, not two: both edge-list heads
		// land on the same version, so only a single relink version
		// is written for it.
		srcNode.FirstIncomingEdgeID = id
	}
	srcNewBody := record.EncodeNode(srcNode)
	srcMeta := mvcc.Pending(tx.inner.ID, srcHead)
	srcNewPtr, err := tx.db.store.AppendVersion(record.EntityNode, srcMeta, srcNewBody)
	if err != nil {
		return 0, fmt.Errorf("sombra: create edge: relinking source %d: %w", source, err)
	}
	tx.inner.RecordWrite(srcNewPtr)
	tx.snapshotNodeHead(source)
	tx.db.nodeIdx.Insert(source, srcNewPtr)
	tx.db.queueLabelOps(tx.inner.ID, diffLabelOps(tx.db.labelIdx, srcHead, srcNode.Labels, srcNewPtr, srcNode.Labels)...)

	if target != source {
		tgtNode.FirstIncomingEdgeID = id
		tgtNewBody := record.EncodeNode(tgtNode)
		tgtMeta := mvcc.Pending(tx.inner.ID, tgtHead)
		tgtNewPtr, err := tx.db.store.AppendVersion(record.EntityNode, tgtMeta, tgtNewBody)
		if err != nil {
			return 0, fmt.Errorf("sombra: create edge: relinking target %d: %w", target, err)
		}
		tx.inner.RecordWrite(tgtNewPtr)
		tx.snapshotNodeHead(target)
		tx.db.nodeIdx.Insert(target, tgtNewPtr)
		tx.db.queueLabelOps(tx.inner.ID, diffLabelOps(tx.db.labelIdx, tgtHead, tgtNode.Labels, tgtNewPtr, tgtNode.Labels)...)
	}

	return id, nil
}

// GetEdge returns the edge visible to tx's snapshot, or ErrNotFound.
func (tx *Tx) GetEdge(id uint64) (*record.Edge, error) {
	head, ok := tx.db.edgeIdx.Head(id)
	if !ok {
		return nil, ErrNotFound
	}
	kind, body, tombstone, ok, err := tx.db.store.ReadAtSnapshot(head, tx.inner.SnapshotTS, tx.inner.ID)
	if err != nil {
		return nil, fmt.Errorf("sombra: get edge %d: %w", id, err)
	}
	if !ok || tombstone || kind != record.EntityEdge {
		return nil, ErrNotFound
	}
	return record.DecodeEdge(body)
}

// DeleteEdge appends a tombstone edge version. It does not unlink the
// edge from its endpoints' intrusive lists in place: the lists keep
// pointing at the edge, and GetEdge reports it absent. The collector
// Open starts sweeps node chains only, so the edge's chain is not
// compacted.
func (tx *Tx) DeleteEdge(id uint64) error {
	if err := tx.checkCancelled(); err != nil {
		return err
	}
	oldHead, ok := tx.db.edgeIdx.Head(id)
	if !ok {
		return ErrNotFound
	}
	kind, body, tombstone, ok, err := tx.db.store.ReadAtSnapshot(oldHead, tx.inner.SnapshotTS, tx.inner.ID)
	if err != nil {
		return fmt.Errorf("sombra: delete edge %d: %w", id, err)
	}
	if !ok || tombstone || kind != record.EntityEdge {
		return ErrNotFound
	}
	e, err := record.DecodeEdge(body)
	if err != nil {
		return fmt.Errorf("sombra: delete edge %d: decoding current version: %w", id, err)
	}

	meta := mvcc.Pending(tx.inner.ID, oldHead)
	meta.Flags |= mvcc.FlagTombstone
	newPtr, err := tx.db.store.AppendVersion(record.EntityEdge, meta, record.EncodeEdge(e))
	if err != nil {
		return fmt.Errorf("sombra: delete edge %d: %w", id, err)
	}
	tx.inner.RecordWrite(newPtr)
	tx.snapshotEdgeHead(id)
	tx.db.edgeIdx.Insert(id, newPtr)
	tx.db.queueLabelOps(tx.inner.ID, labelOp{idx: tx.db.typeIdx, key: e.Type, retire: oldHead})
	return nil
}

// diffLabelOps retires every label entry recorded against oldPtr and
// inserts a fresh entry at newPtr for each of newLabels. Every label
// index entry is keyed to a specific record pointer (see
// internal/index/label.go), so a label surviving an update still needs
// a new entry once the chain head moves to newPtr — there is no
// "unchanged, skip it" case to optimize for.
func diffLabelOps(idx *index.Label, oldPtr mvcc.RecordPointer, oldLabels []string, newPtr mvcc.RecordPointer, newLabels []string) []labelOp {
	ops := make([]labelOp, 0, len(oldLabels)+len(newLabels))
	for _, l := range oldLabels {
		ops = append(ops, labelOp{idx: idx, key: l, retire: oldPtr})
	}
	for _, l := range newLabels {
		ops = append(ops, labelOp{idx: idx, key: l, insert: newPtr})
	}
	return ops
}
