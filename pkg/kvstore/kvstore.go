// Package kvstore is the public facade: init_db/open_table/db_find/
// db_update/db_insert/db_delete/trx_begin/trx_commit/trx_abort, wiring the
// disk, buffer, log, lock, transaction, B+tree, and recovery packages
// together the way spec.md §2 lays out the system.
package kvstore

import (
	"fmt"

	"github.com/intellect4all/storage-engines/pkg/btree"
	"github.com/intellect4all/storage-engines/pkg/buffer"
	"github.com/intellect4all/storage-engines/pkg/disk"
	"github.com/intellect4all/storage-engines/pkg/kverrors"
	"github.com/intellect4all/storage-engines/pkg/lockmgr"
	"github.com/intellect4all/storage-engines/pkg/logmgr"
	"github.com/intellect4all/storage-engines/pkg/recovery"
	"github.com/intellect4all/storage-engines/pkg/txn"
)

// tableHandle bundles everything kvstore needs per open table.
type tableHandle struct {
	tree *btree.Tree
}

// DB is the process-wide handle init_db returns: one buffer pool and one
// WAL shared across every open table, per-table B+trees layered on top.
type DB struct {
	disk     *disk.Manager
	pool     *buffer.Pool
	log      *logmgr.Manager
	locks    *lockmgr.Manager
	txns     *txn.Manager
	tables   map[disk.TableID]*tableHandle
	mode     recovery.Mode
	logLimit int
}

// InitDB opens (or creates) the WAL at logPath/logmsgPath, stands up a
// numBuf-frame buffer pool over a fresh disk manager, and records
// mode/logLimit for ARIES recovery (init_db, spec.md §4.5/§4.6). InitDB
// itself runs no recovery: each table's recovery pass runs when that table
// is opened via OpenTable -- this resolves the ordering ambiguity between
// "recover at init_db time" and "tables aren't open yet".
//
// checkpointCron starts the log manager's periodic FlushTo scheduler
// (SPEC_FULL §4.7's additive-durability checkpoint); an empty string skips
// it (tests that want a quiet background do this).
func InitDB(numBuf int, mode recovery.Mode, logLimit int, logPath, logmsgPath, checkpointCron string) (*DB, error) {
	log, err := logmgr.New(logPath, logmsgPath, logmgr.TraceNormal)
	if err != nil {
		return nil, fmt.Errorf("kvstore: init_db: %w", err)
	}
	if checkpointCron != "" {
		if err := log.StartScheduler(checkpointCron); err != nil {
			return nil, fmt.Errorf("kvstore: init_db: %w", err)
		}
	}
	dm := disk.NewManager()
	pool := buffer.New(numBuf, dm, log)
	locks := lockmgr.New()
	return &DB{
		disk:     dm,
		pool:     pool,
		log:      log,
		locks:    locks,
		txns:     txn.New(locks, log),
		tables:   make(map[disk.TableID]*tableHandle),
		mode:     mode,
		logLimit: logLimit,
	}, nil
}

// OpenTable opens the table file at path, recovers it against the shared
// WAL, and returns its table id.
func (db *DB) OpenTable(path string) (disk.TableID, error) {
	id, err := db.disk.OpenTable(path)
	if err != nil {
		return 0, err
	}
	rec := recovery.New(db.disk, db.log, id)
	if _, err := rec.Recover(db.mode, db.logLimit); err != nil {
		return 0, fmt.Errorf("kvstore: recover table %s: %w", path, err)
	}
	db.tables[id] = &tableHandle{tree: btree.New(db.pool, db.disk, id)}
	return id, nil
}

func (db *DB) tree(table disk.TableID) (*btree.Tree, error) {
	h, ok := db.tables[table]
	if !ok {
		return nil, fmt.Errorf("kvstore: unknown table %d: %w", table, kverrors.ErrInvalidArg)
	}
	return h.tree, nil
}

// Shutdown flushes every dirty page, closes the WAL, and closes every table
// file (shutdown_db).
func (db *DB) Shutdown() error {
	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	if err := db.log.Close(); err != nil {
		return err
	}
	return db.disk.Close()
}

// DbInsert adds a brand-new key/value (db_insert); non-transactional, per
// spec.md's own design (there is no log record type for a structural
// insert -- see DESIGN.md's Open Question #2 resolution).
func (db *DB) DbInsert(table disk.TableID, key int64, value []byte) error {
	tr, err := db.tree(table)
	if err != nil {
		return err
	}
	tr.Lock()
	defer tr.Unlock()
	return tr.Insert(key, value)
}

// DbDelete removes key (db_delete); non-transactional, same rationale as
// DbInsert.
func (db *DB) DbDelete(table disk.TableID, key int64) error {
	tr, err := db.tree(table)
	if err != nil {
		return err
	}
	tr.Lock()
	defer tr.Unlock()
	return tr.Delete(key)
}

// DbFind looks up key (db_find). If trx is non-nil the read takes a SHARED
// record lock as a transactional read; the lock stays held until trx
// commits or aborts.
func (db *DB) DbFind(table disk.TableID, trx *txn.Transaction, key int64) ([]byte, error) {
	tr, err := db.tree(table)
	if err != nil {
		return nil, err
	}
	tr.RLock()
	defer tr.RUnlock()

	leaf, idx, err := tr.Lookup(key)
	if err != nil {
		return nil, err
	}
	if trx != nil {
		rid := lockmgr.RecordID{Table: table, Page: leaf.ID(), Slot: key}
		if err := db.locks.Acquire(rid, trx.ID, lockmgr.Shared); err != nil {
			tr.Unpin(leaf, false, false)
			return nil, err
		}
	}
	value := leaf.Value(leaf.Slots()[idx])
	tr.Unpin(leaf, false, false)
	return value, nil
}

// DbUpdate overwrites key's value in place (db_update): an EXCLUSIVE record
// lock, a logged UPDATE record with before/after images, then the in-place
// page write. Requires an active transaction (the only transactional,
// logged, locked mutation this store has).
func (db *DB) DbUpdate(table disk.TableID, trx *txn.Transaction, key int64, newValue []byte) error {
	if trx == nil {
		return fmt.Errorf("kvstore: db_update requires an active transaction: %w", kverrors.ErrTrxInactive)
	}
	tr, err := db.tree(table)
	if err != nil {
		return err
	}
	tr.RLock()
	defer tr.RUnlock()

	leaf, idx, err := tr.LookupForUpdate(key)
	if err != nil {
		return err
	}
	rid := lockmgr.RecordID{Table: table, Page: leaf.ID(), Slot: key}
	if err := db.locks.Acquire(rid, trx.ID, lockmgr.Exclusive); err != nil {
		tr.Unpin(leaf, false, true)
		return err
	}

	slot := leaf.Slots()[idx]
	if len(newValue) != int(slot.Size) {
		tr.Unpin(leaf, false, true)
		return fmt.Errorf("kvstore: db_update: new value size %d != stored size %d: %w", len(newValue), slot.Size, kverrors.ErrInvalidArg)
	}
	before := leaf.Value(slot)

	lsn, err := db.log.Append(logmgr.Record{
		TrxID: logmgr.TrxID(trx.ID), Type: logmgr.TypeUpdate, PrevLSN: trx.LastLSN,
		Table: table, Page: leaf.ID(), SlotOffset: slot.Offset, Size: slot.Size,
		Before: before, After: newValue,
	})
	if err != nil {
		tr.Unpin(leaf, false, true)
		return err
	}
	db.txns.SetLastLSN(trx.ID, lsn)

	if _, err := leaf.SetValueInPlace(key, newValue); err != nil {
		tr.Unpin(leaf, true, true)
		return err
	}
	leaf.SetPageLSN(lsn)
	if err := leaf.SetSlotTrxID(key, int32(trx.ID)); err != nil {
		tr.Unpin(leaf, true, true)
		return err
	}
	tr.Unpin(leaf, true, true)
	trx.LastLSN = lsn
	return nil
}

// TrxBegin starts a new transaction (trx_begin).
func (db *DB) TrxBegin() (*txn.Transaction, error) { return db.txns.Begin() }

// TrxCommit commits trx (trx_commit): flush the log through COMMIT, then
// release every lock it holds.
func (db *DB) TrxCommit(trx *txn.Transaction) error { return db.txns.Commit(trx.ID) }

// TrxAbort rolls back trx (trx_abort): chase last_LSN -> prev_LSN, restore
// each UPDATE's before-image, emit a CLR per undone step, then finalize via
// txn.Manager.MarkAborted. This is the page-level undo walk pkg/txn's
// package doc defers to this facade.
func (db *DB) TrxAbort(trx *txn.Transaction) error {
	lastLSN := trx.LastLSN
	lsn := lastLSN
	for lsn != -1 {
		rec, err := db.log.ReadAt(lsn)
		if err != nil {
			return fmt.Errorf("kvstore: trx_abort: read LSN %d: %w", lsn, err)
		}
		switch rec.Type {
		case logmgr.TypeUpdate:
			p, err := db.pool.FetchPage(rec.Table, rec.Page, true)
			if err != nil {
				return fmt.Errorf("kvstore: trx_abort: fetch page %d: %w", rec.Page, err)
			}
			copy(p.Bytes()[rec.SlotOffset:int(rec.SlotOffset)+int(rec.Size)], rec.Before)

			clrLSN, err := db.log.Append(logmgr.Record{
				TrxID: rec.TrxID, Type: logmgr.TypeCLR, PrevLSN: lastLSN,
				Table: rec.Table, Page: rec.Page, SlotOffset: rec.SlotOffset, Size: rec.Size,
				After: rec.Before, NextUndoLSN: rec.PrevLSN,
			})
			if err != nil {
				db.pool.UnpinWritePage(rec.Table, rec.Page, false)
				return fmt.Errorf("kvstore: trx_abort: write CLR: %w", err)
			}
			p.SetPageLSN(clrLSN)
			db.pool.UnpinWritePage(rec.Table, rec.Page, true)

			lastLSN = clrLSN
			db.txns.SetLastLSN(trx.ID, lastLSN)
			lsn = rec.PrevLSN
		case logmgr.TypeCLR:
			lsn = rec.NextUndoLSN
		default:
			lsn = rec.PrevLSN
		}
	}
	trx.LastLSN = lastLSN
	return db.txns.MarkAborted(trx.ID)
}
