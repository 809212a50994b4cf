package record

import (
	"path/filepath"
	"testing"

	"github.com/sombradb/sombra/internal/mvcc"
	"github.com/sombradb/sombra/internal/pageio"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.sombra")
	pager, err := pageio.Open(path, pageio.DefaultPageSize, 16, nil)
	if err != nil {
		t.Fatalf("pageio.Open: %v", err)
	}
	t.Cleanup(func() { pager.Close() })
	return NewStore(pager, nil)
}

func TestStoreAppendAndReadVersion(t *testing.T) {
	s := newTestStore(t)
	n := &Node{ID: 1, Labels: []string{"Person"}, Properties: NewPropertyMap()}
	body := EncodeNode(n)
	meta := mvcc.Pending(1, mvcc.RecordPointer{})

	ptr, err := s.AppendVersion(EntityNode, meta, body)
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	kind, gotMeta, gotBody, err := s.ReadVersion(ptr)
	if err != nil {
		t.Fatalf("ReadVersion: %v", err)
	}
	if kind != EntityNode {
		t.Fatalf("kind = %v, want EntityNode", kind)
	}
	if gotMeta.TxID != 1 || gotMeta.CommitTS != 0 {
		t.Fatalf("unexpected meta: %+v", gotMeta)
	}
	if string(gotBody) != string(body) {
		t.Fatalf("body mismatch")
	}
}

func TestStoreStampCommit(t *testing.T) {
	s := newTestStore(t)
	body := EncodeNode(&Node{ID: 1, Properties: NewPropertyMap()})
	meta := mvcc.Pending(5, mvcc.RecordPointer{})
	ptr, err := s.AppendVersion(EntityNode, meta, body)
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	if err := s.StampCommit(ptr, 5, 77); err != nil {
		t.Fatalf("StampCommit: %v", err)
	}
	_, gotMeta, _, err := s.ReadVersion(ptr)
	if err != nil {
		t.Fatalf("ReadVersion: %v", err)
	}
	if gotMeta.CommitTS != 77 {
		t.Fatalf("CommitTS = %d, want 77", gotMeta.CommitTS)
	}
}

func TestStoreReadAtSnapshotVisibility(t *testing.T) {
	s := newTestStore(t)
	body := EncodeNode(&Node{ID: 1, Properties: NewPropertyMap()})
	meta := mvcc.Pending(1, mvcc.RecordPointer{})
	ptr, err := s.AppendVersion(EntityNode, meta, body)
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	// Before the version has a commit_ts, an unrelated reader sees nothing.
	_, _, _, ok, err := s.ReadAtSnapshot(ptr, 1000, 0)
	if err != nil {
		t.Fatalf("ReadAtSnapshot: %v", err)
	}
	if ok {
		t.Fatalf("an uncommitted version must not be visible to a foreign reader")
	}

	// The writer itself can always see it (read-your-own-writes).
	_, _, _, ok, err = s.ReadAtSnapshot(ptr, 1000, 1)
	if err != nil {
		t.Fatalf("ReadAtSnapshot: %v", err)
	}
	if !ok {
		t.Fatalf("the writing transaction should see its own uncommitted write")
	}

	if err := s.StampCommit(ptr, 1, 50); err != nil {
		t.Fatalf("StampCommit: %v", err)
	}
	_, _, tombstone, ok, err := s.ReadAtSnapshot(ptr, 100, 0)
	if err != nil {
		t.Fatalf("ReadAtSnapshot: %v", err)
	}
	if !ok || tombstone {
		t.Fatalf("committed version should be visible and not a tombstone: ok=%v tombstone=%v", ok, tombstone)
	}
}

func TestStoreReadAtSnapshotWalksChainToVisibleVersion(t *testing.T) {
	s := newTestStore(t)
	oldBody := EncodeNode(&Node{ID: 1, Properties: NewPropertyMap()})
	oldMeta := mvcc.Pending(1, mvcc.RecordPointer{})
	oldPtr, err := s.AppendVersion(EntityNode, oldMeta, oldBody)
	if err != nil {
		t.Fatalf("AppendVersion(old): %v", err)
	}
	if err := s.StampCommit(oldPtr, 1, 10); err != nil {
		t.Fatalf("StampCommit(old): %v", err)
	}

	newBody := EncodeNode(&Node{ID: 1, Properties: NewPropertyMap()})
	newMeta := mvcc.Pending(2, oldPtr)
	newPtr, err := s.AppendVersion(EntityNode, newMeta, newBody)
	if err != nil {
		t.Fatalf("AppendVersion(new): %v", err)
	}
	if err := s.StampCommit(newPtr, 2, 20); err != nil {
		t.Fatalf("StampCommit(new): %v", err)
	}

	// A reader with a snapshot before the new version committed should
	// walk the chain back to the old version.
	kind, _, _, ok, err := s.ReadAtSnapshot(newPtr, 15, 0)
	if err != nil {
		t.Fatalf("ReadAtSnapshot: %v", err)
	}
	if !ok || kind != EntityNode {
		t.Fatalf("expected the old version to be visible at snapshot_ts 15")
	}
}

func TestStoreFreeVersion(t *testing.T) {
	s := newTestStore(t)
	body := EncodeNode(&Node{ID: 1, Properties: NewPropertyMap()})
	ptr, err := s.AppendVersion(EntityNode, mvcc.Pending(1, mvcc.RecordPointer{}), body)
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	if err := s.FreeVersion(ptr); err != nil {
		t.Fatalf("FreeVersion: %v", err)
	}
	if _, _, _, err := s.ReadVersion(ptr); err == nil {
		t.Fatalf("expected ReadVersion to fail on a freed slot")
	}
}

func TestStoreScanVersionedSlots(t *testing.T) {
	s := newTestStore(t)
	body := EncodeNode(&Node{ID: 42, Properties: NewPropertyMap()})
	ptr, err := s.AppendVersion(EntityNode, mvcc.Pending(1, mvcc.RecordPointer{}), body)
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	found, err := s.ScanVersionedSlots(ptr.PageID)
	if err != nil {
		t.Fatalf("ScanVersionedSlots: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 scanned version, got %d", len(found))
	}
	if found[0].EntityID != 42 || found[0].Kind != EntityNode {
		t.Fatalf("unexpected scanned version: %+v", found[0])
	}
}
