package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sombradb/sombra/internal/mvcc"
	"github.com/sombradb/sombra/internal/pageio"
	"github.com/sombradb/sombra/internal/record"
	"github.com/sombradb/sombra/internal/wal"
)

// ErrTooManyTransactions is returned by Begin when
// max_concurrent_transactions is already reached.
var ErrTooManyTransactions = fmt.Errorf("txn: max_concurrent_transactions reached")

// Manager runs the admission-controlled transaction lifecycle of spec
// section 4.5 on top of internal/pageio, internal/wal, and
// internal/record's version store, using internal/mvcc's Oracle for
// timestamps.
type Manager struct {
	oracle *mvcc.Oracle
	pager  *pageio.Pager
	wal    *wal.WAL
	store  *record.Store
	logger *zap.Logger

	admission chan struct{}

	mu      sync.Mutex
	active  map[uint64]*Transaction
	nextID  uint64

	// OnPublish is invoked with the committed transaction's final
	// commit_ts every time a commit reaches the Publish phase, so the
	// catalog header's last-committed-tx-id field can be kept current.
	OnPublish func(tx *Transaction)
}

// NewManager constructs a Manager. maxConcurrent <= 0 means unlimited.
func NewManager(oracle *mvcc.Oracle, pager *pageio.Pager, w *wal.WAL, store *record.Store, maxConcurrent int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	var admission chan struct{}
	if maxConcurrent > 0 {
		admission = make(chan struct{}, maxConcurrent)
	}
	return &Manager{
		oracle:    oracle,
		pager:     pager,
		wal:       w,
		store:     store,
		logger:    logger,
		admission: admission,
		active:    make(map[uint64]*Transaction),
		nextID:    1,
	}
}

// Begin admits a new transaction and allocates its snapshot timestamp.
// It returns ErrTooManyTransactions immediately (never blocks) when
// admission control is at capacity, matching spec section 4.5's
// "admission control (max_concurrent_transactions)".
func (m *Manager) Begin() (*Transaction, error) {
	if m.admission != nil {
		select {
		case m.admission <- struct{}{}:
		default:
			return nil, ErrTooManyTransactions
		}
	}

	id := atomic.AddUint64(&m.nextID, 1) - 1
	snapshotTS := m.oracle.AllocateSnapshot()
	tx := newTransaction(id, snapshotTS)

	m.mu.Lock()
	m.active[id] = tx
	m.mu.Unlock()

	return tx, nil
}

func (m *Manager) release(tx *Transaction) {
	m.mu.Lock()
	delete(m.active, tx.ID)
	m.mu.Unlock()
	m.oracle.ReleaseSnapshot(tx.SnapshotTS)
	if m.admission != nil {
		<-m.admission
	}
}

// Commit runs the four-phase commit described in spec section 4.5:
// Prepare (validate state), Stamp (allocate commit_ts and rewrite
// every version tx wrote), Durability (flush WAL frames for tx's
// dirty pages via group commit), Publish (mark committed, release the
// snapshot, notify OnPublish).
func (m *Manager) Commit(tx *Transaction) error {
	if tx.State != StateActive {
		return ErrNotActive
	}
	tx.State = StatePreparing

	commitTS := m.oracle.AllocateCommitTS()
	tx.CommitTS = commitTS

	for _, ptr := range tx.createdVersions {
		if err := m.store.StampCommit(ptr, tx.ID, commitTS); err != nil {
			return fmt.Errorf("txn: stamp commit_ts for tx %d: %w", tx.ID, err)
		}
	}

	if err := m.durability(tx); err != nil {
		return fmt.Errorf("txn: durability for tx %d: %w", tx.ID, err)
	}

	tx.State = StateCommitted
	m.release(tx)
	if m.OnPublish != nil {
		m.OnPublish(tx)
	}
	return nil
}

// durability builds one WAL frame per page tx dirtied (in the pager's
// dirty set that belongs to this transaction) and hands them to the
// group committer as a single transaction, the last frame carrying
// FlagCommit.
func (m *Manager) durability(tx *Transaction) error {
	dirty := m.pager.DirtyPages()
	ids := tx.DirtyPageIDs()
	if len(ids) == 0 {
		return nil
	}

	frames := make([]*wal.Frame, 0, len(ids))
	for _, id := range ids {
		page, ok := dirty[id]
		if !ok {
			// Already flushed by a checkpoint racing with this
			// commit; nothing left to log for this page.
			continue
		}
		frames = append(frames, &wal.Frame{
			PageID:     id,
			TxID:       tx.ID,
			Flags:      wal.FlagMVCC,
			SnapshotTS: tx.SnapshotTS,
			CommitTS:   tx.CommitTS,
			Body:       page.Buf,
		})
	}
	if len(frames) == 0 {
		return nil
	}
	frames[len(frames)-1].Flags |= wal.FlagCommit
	return m.wal.CommitTransaction(frames)
}

// Rollback discards a transaction's uncommitted writes: its dirty
// pages are dropped from the pager without being flushed or logged,
// and its snapshot is released.
func (m *Manager) Rollback(tx *Transaction) error {
	if tx.State != StateActive && tx.State != StatePreparing {
		return ErrNotActive
	}
	m.pager.ClearDirty(tx.DirtyPageIDs()...)
	tx.State = StateRolledBack
	m.release(tx)
	return nil
}

// ActiveCount returns the number of currently open transactions, for
// Stats().
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
