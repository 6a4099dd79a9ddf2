package recovery

import (
	"path/filepath"
	"testing"

	"github.com/dsnet/golib/memfile"
	"github.com/google/go-cmp/cmp"

	"github.com/intellect4all/storage-engines/pkg/disk"
	"github.com/intellect4all/storage-engines/pkg/logmgr"
	"github.com/intellect4all/storage-engines/pkg/page"
)

func newTestDisk(t *testing.T) (*disk.Manager, disk.TableID) {
	t.Helper()
	dm := disk.NewManager()
	var buf []byte
	f := memfile.New(&buf)
	table, err := dm.OpenTableWithFile("", f, false)
	if err != nil {
		t.Fatalf("OpenTableWithFile: %v", err)
	}
	return dm, table
}

func newLeafWithValue(t *testing.T, dm *disk.Manager, table disk.TableID, key int64, value []byte) (page.ID, uint16, uint16) {
	t.Helper()
	pid, err := dm.AllocPage(table)
	if err != nil {
		t.Fatal(err)
	}
	p := page.New(pid, page.KindLeaf)
	p.InitLeaf(page.NoPage)
	if err := p.InsertSlot(key, value); err != nil {
		t.Fatal(err)
	}
	if err := dm.WritePage(table, p); err != nil {
		t.Fatal(err)
	}
	slot := p.Slots()[p.FindSlot(key)]
	return pid, slot.Offset, slot.Size
}

func readValueAt(t *testing.T, dm *disk.Manager, table disk.TableID, pid page.ID, offset, size uint16) []byte {
	t.Helper()
	p, err := dm.ReadPage(table, pid)
	if err != nil {
		t.Fatal(err)
	}
	return append([]byte(nil), p.Bytes()[offset:offset+size]...)
}

// TestRecoverRedoesCommittedUpdateLostFromBuffer simulates a crash where an
// UPDATE was logged and committed, but the dirty page never made it to
// disk (the buffer pool frame was lost). Recovery's redo pass must reapply
// the after-image.
func TestRecoverRedoesCommittedUpdateLostFromBuffer(t *testing.T) {
	dm, table := newTestDisk(t)
	pid, offset, size := newLeafWithValue(t, dm, table, 1, []byte("AAAA"))

	dir := t.TempDir()
	log, err := logmgr.New(filepath.Join(dir, "wal.log"), "", logmgr.TraceQuiet)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	beginLSN, err := log.Append(logmgr.Record{TrxID: 1, Type: logmgr.TypeBegin, PrevLSN: -1})
	if err != nil {
		t.Fatal(err)
	}
	updLSN, err := log.Append(logmgr.Record{
		TrxID: 1, Type: logmgr.TypeUpdate, PrevLSN: beginLSN,
		Table: table, Page: pid, SlotOffset: offset, Size: size,
		Before: []byte("AAAA"), After: []byte("BBBB"),
	})
	if err != nil {
		t.Fatal(err)
	}
	commitLSN, err := log.Append(logmgr.Record{TrxID: 1, Type: logmgr.TypeCommit, PrevLSN: updLSN})
	if err != nil {
		t.Fatal(err)
	}
	if err := log.FlushTo(commitLSN); err != nil {
		t.Fatal(err)
	}

	// Page on disk still reads "AAAA" -- the crash happened before write-back.
	if got := readValueAt(t, dm, table, pid, offset, size); string(got) != "AAAA" {
		t.Fatalf("precondition: got %q, want AAAA", got)
	}

	m := New(dm, log, table)
	stats, err := m.Recover(ModeFull, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{RecordsScanned: stats.RecordsScanned, RedoApplied: 1, UndoApplied: 0, TransactionsUp: 0}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Fatalf("recovery stats mismatch (-want +got):\n%s", diff)
	}

	if got := readValueAt(t, dm, table, pid, offset, size); string(got) != "BBBB" {
		t.Fatalf("after redo: got %q, want BBBB", got)
	}
}

// TestRecoverUndoesUncommittedUpdate simulates a crash mid-transaction: the
// UPDATE's after-image made it to disk, but no COMMIT or ROLLBACK was ever
// logged. Recovery's undo pass must restore the before-image and emit a
// CLR + ROLLBACK.
func TestRecoverUndoesUncommittedUpdate(t *testing.T) {
	dm, table := newTestDisk(t)
	pid, offset, size := newLeafWithValue(t, dm, table, 2, []byte("CCCC"))

	dir := t.TempDir()
	log, err := logmgr.New(filepath.Join(dir, "wal.log"), "", logmgr.TraceQuiet)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	beginLSN, err := log.Append(logmgr.Record{TrxID: 2, Type: logmgr.TypeBegin, PrevLSN: -1})
	if err != nil {
		t.Fatal(err)
	}
	updLSN, err := log.Append(logmgr.Record{
		TrxID: 2, Type: logmgr.TypeUpdate, PrevLSN: beginLSN,
		Table: table, Page: pid, SlotOffset: offset, Size: size,
		Before: []byte("CCCC"), After: []byte("DDDD"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := log.FlushTo(updLSN); err != nil {
		t.Fatal(err)
	}

	// Simulate the page write-back having already happened before the crash.
	p, err := dm.ReadPage(table, pid)
	if err != nil {
		t.Fatal(err)
	}
	copy(p.Bytes()[offset:int(offset)+int(size)], []byte("DDDD"))
	p.SetPageLSN(updLSN)
	if err := dm.WritePage(table, p); err != nil {
		t.Fatal(err)
	}

	m := New(dm, log, table)
	stats, err := m.Recover(ModeFull, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{RecordsScanned: stats.RecordsScanned, RedoApplied: 0, UndoApplied: 1, TransactionsUp: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Fatalf("recovery stats mismatch (-want +got):\n%s", diff)
	}

	if got := readValueAt(t, dm, table, pid, offset, size); string(got) != "CCCC" {
		t.Fatalf("after undo: got %q, want CCCC", got)
	}

	records, err := log.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	last := records[len(records)-1]
	if last.Type != logmgr.TypeRollback || last.TrxID != 2 {
		t.Fatalf("expected trailing ROLLBACK for trx 2, got %+v", last)
	}
}
