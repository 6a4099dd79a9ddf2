package btree

import (
	"fmt"
	"testing"

	"github.com/dsnet/golib/memfile"

	"github.com/intellect4all/storage-engines/pkg/buffer"
	"github.com/intellect4all/storage-engines/pkg/disk"
	"github.com/intellect4all/storage-engines/pkg/kverrors"
	"github.com/intellect4all/storage-engines/pkg/page"
)

type noopFlusher struct{}

func (noopFlusher) FlushTo(int64) error { return nil }

func newTestTree(t *testing.T, capacity int) *Tree {
	t.Helper()
	dm := disk.NewManager()
	var buf []byte
	f := memfile.New(&buf)
	table, err := dm.OpenTableWithFile("", f, false)
	if err != nil {
		t.Fatalf("OpenTableWithFile: %v", err)
	}
	pool := buffer.New(capacity, dm, noopFlusher{})
	return New(pool, dm, table)
}

func val(i int) []byte { return []byte(fmt.Sprintf("v%07d", i)) }

func TestInsertFindSingle(t *testing.T) {
	tr := newTestTree(t, 64)
	if err := tr.Insert(42, val(42)); err != nil {
		t.Fatal(err)
	}
	got, err := tr.Get(42)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(val(42)) {
		t.Fatalf("got %q, want %q", got, val(42))
	}
	if _, err := tr.Get(7); kverrors.KindOf(err) != kverrors.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	tr := newTestTree(t, 64)
	if err := tr.Insert(1, val(1)); err != nil {
		t.Fatal(err)
	}
	err := tr.Insert(1, val(99))
	if kverrors.KindOf(err) != kverrors.KindDuplicate {
		t.Fatalf("expected Duplicate, got %v", err)
	}
}

// TestManyInsertsForceSplitsAndStayFindable inserts enough keys that leaves
// must split repeatedly (and eventually the root itself), then verifies
// every key is still findable by lookup with its value intact and the root
// is no longer a leaf.
func TestManyInsertsForceSplitsAndStayFindable(t *testing.T) {
	tr := newTestTree(t, 512)
	const n = 600
	for i := 0; i < n; i++ {
		if err := tr.Insert(int64(i), val(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		got, err := tr.Get(int64(i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if string(got) != string(val(i)) {
			t.Fatalf("key %d: got %q want %q", i, got, val(i))
		}
	}

	root, err := tr.disk.RootPage(tr.table)
	if err != nil {
		t.Fatal(err)
	}
	rootPage, err := tr.pool.FetchPage(tr.table, root, false)
	if err != nil {
		t.Fatal(err)
	}
	if rootPage.Kind() != page.KindInternal {
		t.Fatalf("expected root to have split into an internal page after %d inserts", n)
	}
	tr.pool.UnpinPage(tr.table, root, false)
}

func TestDeleteRemovesKeyAndRebalances(t *testing.T) {
	tr := newTestTree(t, 512)
	const n = 400
	for i := 0; i < n; i++ {
		if err := tr.Insert(int64(i), val(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := 0; i < n; i += 2 {
		if err := tr.Delete(int64(i)); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		got, err := tr.Get(int64(i))
		if i%2 == 0 {
			if kverrors.KindOf(err) != kverrors.KindNotFound {
				t.Fatalf("key %d should be gone, got value %q err %v", i, got, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("key %d should survive: %v", i, err)
		}
		if string(got) != string(val(i)) {
			t.Fatalf("key %d: got %q want %q", i, got, val(i))
		}
	}
}

func TestDeleteMissingKey(t *testing.T) {
	tr := newTestTree(t, 64)
	if err := tr.Insert(1, val(1)); err != nil {
		t.Fatal(err)
	}
	err := tr.Delete(2)
	if kverrors.KindOf(err) != kverrors.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteAllKeysLeavesEmptyRoot(t *testing.T) {
	tr := newTestTree(t, 512)
	const n = 50
	for i := 0; i < n; i++ {
		if err := tr.Insert(int64(i), val(i)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < n; i++ {
		if err := tr.Delete(int64(i)); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}
	if _, err := tr.Get(0); kverrors.KindOf(err) != kverrors.KindNotFound {
		t.Fatalf("expected NotFound on empty tree, got %v", err)
	}
}
