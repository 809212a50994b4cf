// Package sombra implements an embedded, single-file property-graph
// database: a page-cached, write-ahead-logged record store holding
// nodes and edges, with a multi-version concurrency control layer
// providing snapshot isolation for concurrent transactions within one
// process.
package sombra

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sombradb/sombra/internal/catalog"
	"github.com/sombradb/sombra/internal/gc"
	"github.com/sombradb/sombra/internal/index"
	"github.com/sombradb/sombra/internal/mvcc"
	"github.com/sombradb/sombra/internal/pageio"
	"github.com/sombradb/sombra/internal/record"
	"github.com/sombradb/sombra/internal/txn"
	"github.com/sombradb/sombra/internal/wal"
)

// Database is one open Sombra handle: a file lock, pager, WAL, and the
// in-memory oracle/index/transaction-manager state rebuilt from the
// file on Open.
type Database struct {
	path   string
	cfg    Config
	logger *zap.Logger

	lock      *catalog.Lock
	headerF   *os.File
	pager     *pageio.Pager
	wal       *wal.WAL
	oracle    *mvcc.Oracle
	store     *record.Store
	nodeIdx   *index.Primary
	edgeIdx   *index.Primary
	labelIdx  *index.Label
	typeIdx   *index.Label
	txm       *txn.Manager
	collector *gc.Collector

	mu              sync.Mutex
	header          catalog.Header
	closed          bool
	pendingLabelOps map[uint64][]labelOp
	activeByRequest map[uuid.UUID]*Tx
}

// labelOp is a label/type index mutation queued by a write inside a
// transaction and applied once that transaction's commit_ts is known,
// in onPublish. Indexing by commit_ts (rather than provisionally, at
// write time) keeps the Label index's {commit_ts, delete_ts} windows
// meaningful: an entry's commit_ts must be the value readers actually
// compare snapshot_ts against.
type labelOp struct {
	idx    *index.Label
	key    string
	insert mvcc.RecordPointer // zero if this op is a pure retire
	retire mvcc.RecordPointer // zero if this op is a pure insert
}

// Open opens (or creates) the database file at path, applying opts
// over DefaultConfig. It acquires the advisory exclusive file lock,
// replays the WAL, and rebuilds the primary and label/type indexes by
// scanning the record pages; the indexes are never persisted, so every
// open reconstructs them from the data file.
func Open(path string, opts ...Option) (db *Database, err error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger, _ := zap.NewProduction()
	if logger == nil {
		logger = zap.NewNop()
	}

	lock, err := catalog.AcquireLock(path + ".lock")
	if err != nil {
		if errors.Is(err, catalog.ErrDatabaseLocked) {
			return nil, ErrDatabaseLocked
		}
		return nil, fmt.Errorf("sombra: acquiring lock: %w", err)
	}
	defer func() {
		if err != nil {
			lock.Release()
		}
	}()

	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if err = catalog.CreateFile(path, cfg.PageSize, cfg.MVCCEnabled); err != nil {
			return nil, fmt.Errorf("sombra: creating database file: %w", err)
		}
	}

	headerF, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("sombra: opening database file: %w", err)
	}
	defer func() {
		if err != nil {
			headerF.Close()
		}
	}()

	header, err := catalog.ReadHeader(headerF, cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("sombra: reading header: %w", err)
	}

	pager, err := pageio.Open(path, int(cfg.PageSize), cfg.CachePages, logger)
	if err != nil {
		return nil, fmt.Errorf("sombra: opening pager: %w", err)
	}
	nextPageID, _ := pager.AllocatorState()
	pager.SetAllocatorState(nextPageID, header.FreePageHead)

	walCfg := wal.Config{
		PageSize:           int(cfg.PageSize),
		ShortTimeoutMicros: cfg.GroupCommitShortTimeoutUs,
		LongTimeoutMicros:  cfg.GroupCommitLongTimeoutUs,
		MaxWriters:         cfg.GroupCommitMaxWriters,
	}
	w, err := wal.Open(path+".wal", walCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("sombra: opening wal: %w", err)
	}

	var maxRecoveredPageID uint32
	maxCommitTS, err := w.Recover(func(f wal.Frame) error {
		page := &pageio.Page{ID: f.PageID, Buf: append([]byte(nil), f.Body...)}
		if f.PageID > maxRecoveredPageID {
			maxRecoveredPageID = f.PageID
		}
		return pager.Write(page)
	})
	if err != nil {
		return nil, fmt.Errorf("sombra: replaying wal: %w", err)
	}
	// nextPageID comes from the data file's size, which after a crash
	// may not cover pages that only ever reached the WAL. Re-derive it
	// from the highest page id recovery touched so ScanVersionedSlots below does
	// not stop short of data that recovery just restored.
	if maxRecoveredPageID+1 > nextPageID {
		nextPageID = maxRecoveredPageID + 1
		pager.SetAllocatorState(nextPageID, header.FreePageHead)
	}
	if err = pager.Checkpoint(); err != nil {
		return nil, fmt.Errorf("sombra: flushing recovered pages: %w", err)
	}
	if err = w.Checkpoint(); err != nil {
		return nil, fmt.Errorf("sombra: truncating wal after recovery: %w", err)
	}

	startTS := maxCommitTS
	if header.MaxTimestamp > startTS {
		startTS = header.MaxTimestamp
	}
	oracle := mvcc.NewOracle(startTS)

	store := record.NewStore(pager, logger)
	store.SetTail(header.LastRecordPage)
	store.SetCompression(cfg.VersionCodec == CodecSnappy)

	db = &Database{
		path:            path,
		cfg:             cfg,
		logger:          logger,
		lock:            lock,
		headerF:         headerF,
		pager:           pager,
		wal:             w,
		oracle:          oracle,
		store:           store,
		nodeIdx:         index.NewPrimary(),
		edgeIdx:         index.NewPrimary(),
		labelIdx:        index.NewLabel(),
		typeIdx:         index.NewLabel(),
		header:          header,
		pendingLabelOps: make(map[uint64][]labelOp),
		activeByRequest: make(map[uuid.UUID]*Tx),
	}

	nextPageID, _ = pager.AllocatorState()
	if err = db.rebuildIndexes(nextPageID); err != nil {
		return nil, fmt.Errorf("sombra: rebuilding indexes: %w", err)
	}

	db.txm = txn.NewManager(oracle, pager, w, store, cfg.MaxConcurrentTransactions, logger)
	db.txm.OnPublish = db.onPublish

	gcCfg := gc.Config{
		IntervalSecs:         cfg.GCIntervalSecs,
		MinVersionsPerRecord: cfg.GCMinVersionsPerRecord,
		ScanBatchSize:        cfg.GCScanBatchSize,
		MaxVersionChainLen:   cfg.MaxVersionChainLength,
	}
	db.collector = gc.New(oracle, db.nodeIdx, db.labelIdx, store, gcCfg, logger)
	if cfg.GCIntervalSecs > 0 {
		go db.collector.Run()
	}

	return db, nil
}

// rebuildIndexes scans every record page and reconstructs nodeIdx,
// edgeIdx, labelIdx, and typeIdx from the versioned slots found. Per
// entity, the chain head is whichever scanned version's pointer is
// never referenced as another version's Prev within the same entity.
// It also recomputes NextNodeID/NextEdgeID from the highest entity id
// actually found on disk: the header's counters are only persisted on a
// graceful Close, so after a crash they may lag behind what was
// committed before the process died (spec section 8, Scenario D).
func (db *Database) rebuildIndexes(maxPageID uint32) error {
	scanned, err := db.store.ScanVersionedSlots(maxPageID)
	if err != nil {
		return err
	}

	type group struct {
		kind record.EntityKind
		id   uint64
	}
	byEntity := make(map[group][]record.ScannedVersion)
	var maxNodeID, maxEdgeID uint64
	for _, sv := range scanned {
		g := group{kind: sv.Kind, id: sv.EntityID}
		byEntity[g] = append(byEntity[g], sv)
		switch sv.Kind {
		case record.EntityNode:
			if sv.EntityID > maxNodeID {
				maxNodeID = sv.EntityID
			}
		case record.EntityEdge:
			if sv.EntityID > maxEdgeID {
				maxEdgeID = sv.EntityID
			}
		}
	}
	db.mu.Lock()
	if maxNodeID+1 > db.header.NextNodeID {
		db.header.NextNodeID = maxNodeID + 1
	}
	if maxEdgeID+1 > db.header.NextEdgeID {
		db.header.NextEdgeID = maxEdgeID + 1
	}
	db.mu.Unlock()

	for g, versions := range byEntity {
		byPtr := make(map[mvcc.RecordPointer]record.ScannedVersion, len(versions))
		isPrev := make(map[mvcc.RecordPointer]bool, len(versions))
		for _, sv := range versions {
			byPtr[sv.Ptr] = sv
			if !sv.Meta.Prev.IsZero() {
				isPrev[sv.Meta.Prev] = true
			}
		}

		var head mvcc.RecordPointer
		for _, sv := range versions {
			if !isPrev[sv.Ptr] {
				head = sv.Ptr
				break
			}
		}
		if head.IsZero() {
			// Every pointer in the group is referenced as someone's
			// Prev: a cycle, which should never happen. Skip rather
			// than spin forever walking it.
			db.logger.Warn("sombra: skipping entity with no discoverable chain head",
				zap.Uint64("entity_id", g.id))
			continue
		}

		var ordered []mvcc.RecordPointer
		for ptr := head; !ptr.IsZero(); {
			ordered = append(ordered, ptr)
			sv, ok := byPtr[ptr]
			if !ok {
				break
			}
			ptr = sv.Meta.Prev
		}

		switch g.kind {
		case record.EntityNode:
			db.nodeIdx.Prune(g.id, ordered)
		case record.EntityEdge:
			db.edgeIdx.Prune(g.id, ordered)
		}

		headSV := byPtr[head]
		if headSV.Meta.IsTombstone() {
			continue
		}
		if err := db.reindexHeadLabels(g.kind, head, headSV.Meta.CommitTS); err != nil {
			db.logger.Warn("sombra: reindexing labels for entity", zap.Uint64("entity_id", g.id), zap.Error(err))
		}
	}
	return nil
}

// reindexHeadLabels inserts the current label (node) or type (edge)
// index entries for a single freshly rebuilt chain head. Only the head
// version is indexed on rebuild: past label-history across a restart
// is not reconstructed, a deliberate simplification —
// point-in-time entity reads remain exactly correct via the full
// version chain regardless, since they never consult the label index.
func (db *Database) reindexHeadLabels(kind record.EntityKind, head mvcc.RecordPointer, commitTS uint64) error {
	_, _, body, err := db.store.ReadVersion(head)
	if err != nil {
		return err
	}
	switch kind {
	case record.EntityNode:
		n, err := record.DecodeNode(body)
		if err != nil {
			return err
		}
		for _, l := range n.Labels {
			db.labelIdx.Insert(l, head, commitTS)
		}
	case record.EntityEdge:
		e, err := record.DecodeEdge(body)
		if err != nil {
			return err
		}
		db.typeIdx.Insert(e.Type, head, commitTS)
	}
	return nil
}

// onPublish is invoked by the transaction manager once a commit has
// reached the Publish phase with a final commit_ts: it applies that
// transaction's queued label/type index operations and advances the
// header's last-committed-tx-id and high-water-timestamp bookkeeping.
func (db *Database) onPublish(tx *txn.Transaction) {
	db.mu.Lock()
	ops := db.pendingLabelOps[tx.ID]
	delete(db.pendingLabelOps, tx.ID)
	db.header.LastCommittedTxID = tx.ID
	if tx.CommitTS > db.header.MaxTimestamp {
		db.header.MaxTimestamp = tx.CommitTS
	}
	db.mu.Unlock()

	for _, op := range ops {
		if !op.retire.IsZero() {
			op.idx.Retire(op.retire, tx.CommitTS)
		}
		if !op.insert.IsZero() {
			op.idx.Insert(op.key, op.insert, tx.CommitTS)
		}
	}
}

func (db *Database) nextNodeID() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.header.NextNodeID
	db.header.NextNodeID++
	return id
}

func (db *Database) nextEdgeID() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.header.NextEdgeID
	db.header.NextEdgeID++
	return id
}

func (db *Database) queueLabelOps(txID uint64, ops ...labelOp) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pendingLabelOps[txID] = append(db.pendingLabelOps[txID], ops...)
}

func (db *Database) dropLabelOps(txID uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.pendingLabelOps, txID)
}

func (db *Database) registerTx(tx *Tx) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.activeByRequest[tx.RequestID] = tx
}

func (db *Database) unregisterTx(tx *Tx) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.activeByRequest, tx.RequestID)
}

// Cancel marks the transaction that was returned from BeginTx with
// this requestID for rollback at its next safe point, per spec
// section 5's cancellation model. Returns ErrNotFound if no active
// transaction carries requestID (it may have already committed or
// rolled back).
func (db *Database) Cancel(requestID uuid.UUID) error {
	db.mu.Lock()
	tx, ok := db.activeByRequest[requestID]
	db.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	atomic.StoreInt32(&tx.cancelled, 1)
	return nil
}

// Close stops the background collector, checkpoints the pager and WAL,
// persists the header, and releases the advisory file lock.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	db.closed = true
	db.mu.Unlock()

	if db.collector != nil && db.cfg.GCIntervalSecs > 0 {
		db.collector.Stop()
	}

	if err := db.pager.Checkpoint(); err != nil {
		return fmt.Errorf("sombra: close: pager checkpoint: %w", err)
	}
	if err := db.wal.Checkpoint(); err != nil {
		return fmt.Errorf("sombra: close: wal checkpoint: %w", err)
	}

	db.mu.Lock()
	_, freeHead := db.pager.AllocatorState()
	db.header.FreePageHead = freeHead
	db.header.LastRecordPage = db.store.Tail()
	db.header.OldestSnapshotTS = db.oracle.GCWatermark()
	h := db.header
	db.mu.Unlock()

	if err := catalog.WriteHeader(db.headerF, h); err != nil {
		return fmt.Errorf("sombra: close: writing header: %w", err)
	}
	if err := db.headerF.Close(); err != nil {
		return fmt.Errorf("sombra: close: closing header fd: %w", err)
	}
	if err := db.wal.Close(); err != nil {
		return fmt.Errorf("sombra: close: closing wal: %w", err)
	}
	if err := db.pager.Close(); err != nil {
		return fmt.Errorf("sombra: close: closing pager: %w", err)
	}
	return db.lock.Release()
}

// Stats reports a snapshot of Database's internal counters, useful for
// tests and operational introspection.
type Stats struct {
	NodeCount          int
	EdgeCount          int
	ActiveTransactions int
	ActiveSnapshots    int
	GCSweeps           uint64
	GCReclaimed        uint64
	PagerIOReads       uint64
}

func (db *Database) Stats() Stats {
	sweeps, reclaimed := db.collector.Stats()
	return Stats{
		NodeCount:          db.nodeIdx.Count(),
		EdgeCount:          db.edgeIdx.Count(),
		ActiveTransactions: db.txm.ActiveCount(),
		ActiveSnapshots:    db.oracle.ActiveSnapshotCount(),
		GCSweeps:           sweeps,
		GCReclaimed:        reclaimed,
		PagerIOReads:       db.pager.IOReads(),
	}
}

