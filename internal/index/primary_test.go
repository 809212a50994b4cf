package index

import (
	"reflect"
	"testing"

	"github.com/sombradb/sombra/internal/mvcc"
)

func TestPrimaryInsertPrependsNewHead(t *testing.T) {
	p := NewPrimary()
	v1 := mvcc.RecordPointer{PageID: 1, SlotIndex: 0}
	v2 := mvcc.RecordPointer{PageID: 1, SlotIndex: 1}

	p.Insert(5, v1)
	p.Insert(5, v2)

	head, ok := p.Head(5)
	if !ok || head != v2 {
		t.Fatalf("Head = %+v, %v; want %+v, true", head, ok, v2)
	}
	all := p.All(5)
	want := []mvcc.RecordPointer{v2, v1}
	if !reflect.DeepEqual(all, want) {
		t.Fatalf("All = %+v, want %+v", all, want)
	}
}

func TestPrimaryHeadMissing(t *testing.T) {
	p := NewPrimary()
	if _, ok := p.Head(99); ok {
		t.Fatalf("expected Head to report not-found for an unindexed id")
	}
}

func TestPrimaryPruneReplacesChain(t *testing.T) {
	p := NewPrimary()
	v1 := mvcc.RecordPointer{PageID: 1, SlotIndex: 0}
	v2 := mvcc.RecordPointer{PageID: 1, SlotIndex: 1}
	p.Insert(1, v1)
	p.Insert(1, v2)

	pruned := []mvcc.RecordPointer{v2}
	p.Prune(1, pruned)
	if got := p.All(1); !reflect.DeepEqual(got, pruned) {
		t.Fatalf("All after Prune = %+v, want %+v", got, pruned)
	}
}

func TestPrimaryPruneEmptyDeletesEntity(t *testing.T) {
	p := NewPrimary()
	p.Insert(1, mvcc.RecordPointer{PageID: 1, SlotIndex: 0})
	p.Prune(1, nil)
	if _, ok := p.Head(1); ok {
		t.Fatalf("expected entity 1 to be gone after pruning to an empty chain")
	}
	if n := p.Count(); n != 0 {
		t.Fatalf("Count = %d, want 0", n)
	}
}

func TestPrimaryFindByPointer(t *testing.T) {
	p := NewPrimary()
	v1 := mvcc.RecordPointer{PageID: 2, SlotIndex: 0}
	v2 := mvcc.RecordPointer{PageID: 2, SlotIndex: 1}
	p.Insert(7, v1)
	p.Insert(7, v2)

	id, pos, ok := p.FindByPointer(v1)
	if !ok || id != 7 || pos != 1 {
		t.Fatalf("FindByPointer(v1) = %d, %d, %v; want 7, 1, true", id, pos, ok)
	}
	id, pos, ok = p.FindByPointer(v2)
	if !ok || id != 7 || pos != 0 {
		t.Fatalf("FindByPointer(v2) = %d, %d, %v; want 7, 0, true", id, pos, ok)
	}
	if _, _, ok := p.FindByPointer(mvcc.RecordPointer{PageID: 99}); ok {
		t.Fatalf("expected FindByPointer to miss an unindexed pointer")
	}
}

func TestPrimaryIdsSorted(t *testing.T) {
	p := NewPrimary()
	p.Insert(30, mvcc.RecordPointer{PageID: 1})
	p.Insert(10, mvcc.RecordPointer{PageID: 1, SlotIndex: 1})
	p.Insert(20, mvcc.RecordPointer{PageID: 1, SlotIndex: 2})

	ids := p.Ids()
	want := []uint64{10, 20, 30}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("Ids = %v, want %v", ids, want)
	}
}
