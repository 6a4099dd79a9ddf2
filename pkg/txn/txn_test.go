package txn

import (
	"path/filepath"
	"testing"

	"github.com/intellect4all/storage-engines/pkg/lockmgr"
	"github.com/intellect4all/storage-engines/pkg/logmgr"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	log, err := logmgr.New(filepath.Join(dir, "wal.log"), "", logmgr.TraceQuiet)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	return New(lockmgr.New(), log)
}

func TestBeginCommitReleasesLocks(t *testing.T) {
	m := newTestManager(t)

	trx, err := m.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if trx.State != Active {
		t.Fatalf("new trx state = %v, want Active", trx.State)
	}

	rid := lockmgr.RecordID{Table: 1, Page: 2, Slot: 5}
	if err := m.locks.Acquire(rid, trx.ID, lockmgr.Exclusive); err != nil {
		t.Fatal(err)
	}

	if err := m.Commit(trx.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(trx.ID)
	if got.State != Committed {
		t.Fatalf("state after commit = %v, want Committed", got.State)
	}

	// Lock should be released: a second trx can now acquire it exclusively.
	if err := m.locks.Acquire(rid, 999, lockmgr.Exclusive); err != nil {
		t.Fatalf("lock not released on commit: %v", err)
	}
}

func TestMarkAbortedTransitionsState(t *testing.T) {
	m := newTestManager(t)
	trx, err := m.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MarkAborted(trx.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(trx.ID)
	if got.State != Aborted {
		t.Fatalf("state after abort = %v, want Aborted", got.State)
	}
}

func TestCommitTwiceFails(t *testing.T) {
	m := newTestManager(t)
	trx, _ := m.Begin()
	if err := m.Commit(trx.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(trx.ID); err == nil {
		t.Fatal("expected error committing an already-committed trx")
	}
}
