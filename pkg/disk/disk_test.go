package disk

import (
	"testing"

	"github.com/dsnet/golib/memfile"

	"github.com/intellect4all/storage-engines/pkg/page"
)

// newMemTable backs a table with an in-memory file instead of touching
// disk, per SPEC_FULL's memfile-backed test wiring.
func newMemTable(t *testing.T) (*Manager, TableID) {
	t.Helper()
	m := NewManager()
	var buf []byte
	f := memfile.New(&buf)
	id, err := m.OpenTableWithFile("", f, false)
	if err != nil {
		t.Fatalf("OpenTableWithFile: %v", err)
	}
	return m, id
}

func TestAllocFreeRoundTrip(t *testing.T) {
	m, id := newMemTable(t)
	defer m.Close()

	pid, err := m.AllocPage(id)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if pid == page.NoPage {
		t.Fatal("alloc returned page 0 (reserved for header)")
	}

	p := page.New(pid, page.KindLeaf)
	p.InitLeaf(page.NoPage)
	if err := p.InsertSlot(1, []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := m.WritePage(id, p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := m.ReadPage(id, pid)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if got.FindSlot(1) < 0 {
		t.Fatal("written slot missing after read-back")
	}

	if err := m.FreePage(id, pid); err != nil {
		t.Fatalf("FreePage: %v", err)
	}
	pid2, err := m.AllocPage(id)
	if err != nil {
		t.Fatalf("AllocPage (reuse): %v", err)
	}
	if pid2 != pid {
		t.Fatalf("expected freed page %d to be reused, got %d", pid, pid2)
	}
}

func TestAllocExhaustsAndDoublesFile(t *testing.T) {
	m, id := newMemTable(t)
	defer m.Close()

	seen := make(map[page.ID]bool)
	for i := 0; i < initialPages-1; i++ {
		pid, err := m.AllocPage(id)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if seen[pid] {
			t.Fatalf("page %d allocated twice", pid)
		}
		seen[pid] = true
	}

	// Free list now exhausted; next alloc must double the file rather than
	// fail.
	pid, err := m.AllocPage(id)
	if err != nil {
		t.Fatalf("alloc past exhaustion: %v", err)
	}
	if seen[pid] {
		t.Fatalf("page %d reused unexpectedly", pid)
	}
}

func TestRootPagePersistsThroughHeader(t *testing.T) {
	m, id := newMemTable(t)
	defer m.Close()

	pid, err := m.AllocPage(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetRootPage(id, pid); err != nil {
		t.Fatal(err)
	}
	root, err := m.RootPage(id)
	if err != nil {
		t.Fatal(err)
	}
	if root != pid {
		t.Fatalf("RootPage = %d, want %d", root, pid)
	}
}
