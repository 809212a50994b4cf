package sombra

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/sombradb/sombra/internal/record"
)

func openTestDB(t *testing.T, opts ...Option) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.sombra")
	opts = append([]Option{WithMVCCEnabled(true), WithGC(0, 1, 10_000)}, opts...)
	db, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strProp(s string) *record.PropertyMap {
	m := record.NewPropertyMap()
	m.Set("name", record.StringValue(s))
	return m
}

func intProp(key string, v int64) *record.PropertyMap {
	m := record.NewPropertyMap()
	m.Set(key, record.IntValue(v))
	return m
}

// Scenario A: read-your-own-writes.
func TestScenarioReadYourOwnWrites(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	id, err := tx.CreateNode([]string{"User"}, strProp("Alice"))
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	n, err := tx.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if v, _ := n.Properties.Get("name"); v.Str != "Alice" {
		t.Fatalf("expected to read back this transaction's own uncommitted write, got %q", v.Str)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// Scenario B: snapshot isolation.
func TestScenarioSnapshotIsolation(t *testing.T) {
	db := openTestDB(t)

	tx1, _ := db.BeginTx()
	id, err := tx1.CreateNode([]string{"User"}, intProp("v", 1))
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("Commit tx1: %v", err)
	}

	tx2, err := db.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx tx2: %v", err)
	}

	tx3, _ := db.BeginTx()
	if err := tx3.UpdateNode(id, func(n *record.Node) {
		n.Properties.Set("v", record.IntValue(2))
	}); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if err := tx3.Commit(); err != nil {
		t.Fatalf("Commit tx3: %v", err)
	}

	n2, err := tx2.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode (tx2): %v", err)
	}
	if v, _ := n2.Properties.Get("v"); v.Int != 1 {
		t.Fatalf("tx2's snapshot should still see v=1, got %d", v.Int)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit tx2: %v", err)
	}

	tx4, _ := db.BeginTx()
	n4, err := tx4.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode (tx4): %v", err)
	}
	if v, _ := n4.Properties.Get("v"); v.Int != 2 {
		t.Fatalf("tx4, begun after tx3 committed, should see v=2, got %d", v.Int)
	}
	if err := tx4.Commit(); err != nil {
		t.Fatalf("Commit tx4: %v", err)
	}
}

// Scenario C: tombstone.
func TestScenarioTombstone(t *testing.T) {
	db := openTestDB(t)

	tx1, _ := db.BeginTx()
	id, err := tx1.CreateNode([]string{"X"}, nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("Commit tx1: %v", err)
	}

	tx2, _ := db.BeginTx()
	if err := tx2.DeleteNode(id); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatalf("Commit tx2: %v", err)
	}

	tx3, _ := db.BeginTx()
	if _, err := tx3.GetNode(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetNode after delete = %v, want ErrNotFound", err)
	}
	if err := tx3.Commit(); err != nil {
		t.Fatalf("Commit tx3: %v", err)
	}
}

// Scenario D: crash recovery (simulated by closing the database without
// committing the second transaction, then reopening it).
func TestScenarioCrashRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.sombra")
	db, err := Open(path, WithMVCCEnabled(true), WithGC(0, 1, 10_000))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tx1, _ := db.BeginTx()
	const firstBatch = 50
	for i := 0; i < firstBatch; i++ {
		if _, err := tx1.CreateNode([]string{"Batch1"}, nil); err != nil {
			t.Fatalf("CreateNode (batch1): %v", err)
		}
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("Commit tx1: %v", err)
	}

	tx2, _ := db.BeginTx()
	const secondBatch = 50
	secondIDs := make([]uint64, 0, secondBatch)
	for i := 0; i < secondBatch; i++ {
		id, err := tx2.CreateNode([]string{"Batch2"}, nil)
		if err != nil {
			t.Fatalf("CreateNode (batch2): %v", err)
		}
		secondIDs = append(secondIDs, id)
	}
	// tx2 is never committed. Simulate an abrupt process death: unlike
	// Close, which checkpoints the pager and would flush tx2's still-only
	// in-memory dirty pages straight into the data file, we only release
	// the advisory lock so a second Open can proceed. batch1's commit
	// already reached durable storage via the WAL's group commit; tx2's
	// writes never left the pager's dirty set and are simply dropped.
	if err := db.lock.Release(); err != nil {
		t.Fatalf("lock.Release: %v", err)
	}

	reopened, err := Open(path, WithMVCCEnabled(true), WithGC(0, 1, 10_000))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	readTx, err := reopened.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx after reopen: %v", err)
	}
	defer readTx.Commit()

	if _, err := readTx.GetNode(1); err != nil {
		t.Fatalf("expected batch1's first node to survive recovery, got %v", err)
	}
	for _, id := range secondIDs {
		if _, err := readTx.GetNode(id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("uncommitted batch2 node %d should be absent after recovery, got %v", id, err)
		}
	}
}

// Scenario E: GC safety — a long-held snapshot must keep seeing the
// value it originally read even after many intervening commits and an
// explicit GC sweep.
func TestScenarioGCSafety(t *testing.T) {
	db := openTestDB(t)

	tx0, _ := db.BeginTx()
	id, err := tx0.CreateNode([]string{"Counter"}, intProp("v", 0))
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx0.Commit(); err != nil {
		t.Fatalf("Commit tx0: %v", err)
	}

	holder, err := db.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx (holder): %v", err)
	}
	nBefore, err := holder.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode (holder, before updates): %v", err)
	}
	beforeVal, _ := nBefore.Properties.Get("v")

	for i := int64(1); i <= 10; i++ {
		updTx, err := db.BeginTx()
		if err != nil {
			t.Fatalf("BeginTx (update %d): %v", i, err)
		}
		if err := updTx.UpdateNode(id, func(n *record.Node) {
			n.Properties.Set("v", record.IntValue(i))
		}); err != nil {
			t.Fatalf("UpdateNode (%d): %v", i, err)
		}
		if err := updTx.Commit(); err != nil {
			t.Fatalf("Commit (update %d): %v", i, err)
		}
	}

	db.collector.Sweep()

	nAfter, err := holder.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode (holder, after sweep): %v", err)
	}
	afterVal, _ := nAfter.Properties.Get("v")
	if afterVal.Int != beforeVal.Int {
		t.Fatalf("holder's snapshot value changed from %d to %d across GC", beforeVal.Int, afterVal.Int)
	}
	if err := holder.Commit(); err != nil {
		t.Fatalf("Commit (holder): %v", err)
	}
}

// Scenario F: file lock.
func TestScenarioFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.sombra")
	p1, err := Open(path, WithMVCCEnabled(true))
	if err != nil {
		t.Fatalf("Open (p1): %v", err)
	}
	defer p1.Close()

	if _, err := Open(path, WithMVCCEnabled(true)); !errors.Is(err, ErrDatabaseLocked) {
		t.Fatalf("Open (p2) = %v, want ErrDatabaseLocked", err)
	}
}

func TestCreateEdgeMaintainsIntrusiveListSymmetry(t *testing.T) {
	db := openTestDB(t)
	tx, _ := db.BeginTx()

	a, err := tx.CreateNode([]string{"Person"}, strProp("A"))
	if err != nil {
		t.Fatalf("CreateNode a: %v", err)
	}
	b, err := tx.CreateNode([]string{"Person"}, strProp("B"))
	if err != nil {
		t.Fatalf("CreateNode b: %v", err)
	}
	edgeID, err := tx.CreateEdge(a, b, "KNOWS", nil)
	if err != nil {
		t.Fatalf("CreateEdge: %v", err)
	}

	srcNode, err := tx.GetNode(a)
	if err != nil {
		t.Fatalf("GetNode a: %v", err)
	}
	if srcNode.FirstOutgoingEdgeID != edgeID {
		t.Fatalf("source's FirstOutgoingEdgeID = %d, want %d", srcNode.FirstOutgoingEdgeID, edgeID)
	}
	tgtNode, err := tx.GetNode(b)
	if err != nil {
		t.Fatalf("GetNode b: %v", err)
	}
	if tgtNode.FirstIncomingEdgeID != edgeID {
		t.Fatalf("target's FirstIncomingEdgeID = %d, want %d", tgtNode.FirstIncomingEdgeID, edgeID)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestCreateEdgeSelfLoopUpdatesBothHeadsOnOneNode(t *testing.T) {
	db := openTestDB(t)
	tx, _ := db.BeginTx()

	a, err := tx.CreateNode([]string{"Person"}, nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	edgeID, err := tx.CreateEdge(a, a, "SELF", nil)
	if err != nil {
		t.Fatalf("CreateEdge (self-loop): %v", err)
	}

	n, err := tx.GetNode(a)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.FirstOutgoingEdgeID != edgeID || n.FirstIncomingEdgeID != edgeID {
		t.Fatalf("self-loop must update both edge-list heads on the single node, got out=%d in=%d want %d",
			n.FirstOutgoingEdgeID, n.FirstIncomingEdgeID, edgeID)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestRollbackRestoresIndexHeadAndFreesVersions(t *testing.T) {
	db := openTestDB(t)

	tx1, _ := db.BeginTx()
	id, err := tx1.CreateNode([]string{"User"}, intProp("v", 1))
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, _ := db.BeginTx()
	if err := tx2.UpdateNode(id, func(n *record.Node) {
		n.Properties.Set("v", record.IntValue(2))
	}); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if err := tx2.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	tx3, _ := db.BeginTx()
	n, err := tx3.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode after rollback: %v", err)
	}
	if v, _ := n.Properties.Get("v"); v.Int != 1 {
		t.Fatalf("rollback should have restored the pre-update value, got v=%d", v.Int)
	}
	if err := tx3.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestCancelMarksTransactionForRollbackAtNextSafePoint(t *testing.T) {
	db := openTestDB(t)

	tx1, _ := db.BeginTx()
	id, err := tx1.CreateNode([]string{"User"}, nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2, err := db.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if err := db.Cancel(tx2.RequestID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if err := tx2.UpdateNode(id, func(n *record.Node) {}); !errors.Is(err, ErrCancelled) {
		t.Fatalf("UpdateNode on a cancelled transaction = %v, want ErrCancelled", err)
	}
	if err := tx2.Commit(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Commit on a cancelled transaction = %v, want ErrCancelled", err)
	}
}

func TestCancelUnknownRequestIDReturnsNotFound(t *testing.T) {
	db := openTestDB(t)
	if err := db.Cancel(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel on an unknown request id = %v, want ErrNotFound", err)
	}
}

func TestConcurrentDBSerializesCRUD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.sombra")
	db, err := Open(path, WithMVCCEnabled(true), WithGC(0, 1, 10_000))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cdb := NewConcurrentDB(db)
	defer cdb.Close()

	id, err := cdb.CreateNode([]string{"User"}, strProp("Alice"))
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	n, err := cdb.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if v, _ := n.Properties.Get("name"); v.Str != "Alice" {
		t.Fatalf("expected name=Alice, got %q", v.Str)
	}

	if err := cdb.UpdateNode(id, func(n *record.Node) {
		n.Properties.Set("name", record.StringValue("Bob"))
	}); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	n2, err := cdb.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode after update: %v", err)
	}
	if v, _ := n2.Properties.Get("name"); v.Str != "Bob" {
		t.Fatalf("expected name=Bob after update, got %q", v.Str)
	}

	if err := cdb.DeleteNode(id); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := cdb.GetNode(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetNode after delete = %v, want ErrNotFound", err)
	}
}

func TestGetNodeNotFound(t *testing.T) {
	db := openTestDB(t)
	tx, _ := db.BeginTx()
	defer tx.Commit()
	if _, err := tx.GetNode(999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetNode(999) = %v, want ErrNotFound", err)
	}
}

func TestCreateEdgeMissingEndpointReturnsNotFound(t *testing.T) {
	db := openTestDB(t)
	tx, _ := db.BeginTx()
	defer tx.Rollback()

	a, err := tx.CreateNode([]string{"Person"}, nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if _, err := tx.CreateEdge(a, 999, "KNOWS", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CreateEdge with a missing target = %v, want ErrNotFound", err)
	}
}

func TestStatsReportsCounts(t *testing.T) {
	db := openTestDB(t)
	tx, _ := db.BeginTx()
	if _, err := tx.CreateNode([]string{"User"}, nil); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	stats := db.Stats()
	if stats.NodeCount != 1 {
		t.Fatalf("Stats().NodeCount = %d, want 1", stats.NodeCount)
	}
}

func TestCloseThenOperateReturnsErrClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.sombra")
	db, err := Open(path, WithMVCCEnabled(true))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := db.BeginTx(); !errors.Is(err, ErrClosed) {
		t.Fatalf("BeginTx after Close = %v, want ErrClosed", err)
	}
	if err := db.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("double Close = %v, want ErrClosed", err)
	}
}

