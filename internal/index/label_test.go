package index

import (
	"testing"

	"github.com/sombradb/sombra/internal/mvcc"
)

func TestLabelVisiblePointersWindow(t *testing.T) {
	l := NewLabel()
	ptr := mvcc.RecordPointer{PageID: 1, SlotIndex: 0}
	l.Insert("Person", ptr, 10)

	if got := l.VisiblePointers("Person", 5); len(got) != 0 {
		t.Fatalf("expected no visible pointers before commit_ts, got %v", got)
	}
	got := l.VisiblePointers("Person", 10)
	if len(got) != 1 || got[0] != ptr {
		t.Fatalf("VisiblePointers(10) = %v, want [%v]", got, ptr)
	}
	got = l.VisiblePointers("Person", 1000)
	if len(got) != 1 || got[0] != ptr {
		t.Fatalf("VisiblePointers(1000) = %v, want [%v]", got, ptr)
	}
}

func TestLabelRetireClosesVisibilityWindow(t *testing.T) {
	l := NewLabel()
	ptr := mvcc.RecordPointer{PageID: 1, SlotIndex: 0}
	l.Insert("Person", ptr, 10)
	l.Retire(ptr, 20)

	if got := l.VisiblePointers("Person", 15); len(got) != 1 {
		t.Fatalf("expected the entry still visible just before delete_ts, got %v", got)
	}
	if got := l.VisiblePointers("Person", 20); len(got) != 0 {
		t.Fatalf("expected the entry retired at its own delete_ts, got %v", got)
	}
}

func TestLabelRetireClosesAllEntriesForPointer(t *testing.T) {
	l := NewLabel()
	ptr := mvcc.RecordPointer{PageID: 1, SlotIndex: 0}
	l.Insert("Person", ptr, 10)
	l.Insert("Employee", ptr, 10)
	l.Retire(ptr, 20)

	if got := l.VisiblePointers("Person", 25); len(got) != 0 {
		t.Fatalf("expected Person entry retired, got %v", got)
	}
	if got := l.VisiblePointers("Employee", 25); len(got) != 0 {
		t.Fatalf("expected Employee entry retired, got %v", got)
	}
}

func TestLabelCompactDropsFullyRetiredEntries(t *testing.T) {
	l := NewLabel()
	ptr := mvcc.RecordPointer{PageID: 1, SlotIndex: 0}
	l.Insert("Person", ptr, 10)
	l.Retire(ptr, 20)

	l.Compact(15)
	if got := l.VisiblePointers("Person", 1000); len(got) != 0 {
		t.Fatalf("entry already retired at 20 should remain invisible regardless of compaction")
	}

	l.Compact(20)
	l.mu.RLock()
	_, stillThere := l.byPointer[ptr]
	l.mu.RUnlock()
	if stillThere {
		t.Fatalf("byPointer entry for %v should have been dropped by Compact(20)", ptr)
	}
}

func TestLabelCompactKeepsLiveEntries(t *testing.T) {
	l := NewLabel()
	ptr := mvcc.RecordPointer{PageID: 1, SlotIndex: 0}
	l.Insert("Person", ptr, 10)

	l.Compact(1000)
	if got := l.VisiblePointers("Person", 1000); len(got) != 1 {
		t.Fatalf("a never-retired entry must survive Compact regardless of watermark, got %v", got)
	}
}
