// Package txn is the transaction table: trx id allocation, ACTIVE/ABORTED/
// COMMITTED state, the per-trx last_LSN chain, and commit/abort's lock
// release. The page-level undo walk that trx_abort performs lives in the
// kvstore facade, which has the buffer pool and log manager in hand.
package txn

import (
	"fmt"
	"sync"

	"github.com/intellect4all/storage-engines/pkg/kverrors"
	"github.com/intellect4all/storage-engines/pkg/lockmgr"
	"github.com/intellect4all/storage-engines/pkg/logmgr"
)

// State is a transaction's lifecycle state (spec.md §3.3).
type State int

const (
	Active State = iota
	Aborted
	Committed
)

// Transaction is the process-wide trx table's per-trx record.
type Transaction struct {
	ID      int64
	State   State
	LastLSN int64 // -1 until BEGIN is logged
}

// Manager is the process-wide, single-instance transaction table.
type Manager struct {
	mu      sync.Mutex
	nextID  int64
	trxs    map[int64]*Transaction
	locks   *lockmgr.Manager
	log     *logmgr.Manager
}

// New creates an empty transaction table bound to a lock manager and log
// manager.
func New(locks *lockmgr.Manager, log *logmgr.Manager) *Manager {
	return &Manager{
		trxs:  make(map[int64]*Transaction),
		locks: locks,
		log:   log,
	}
}

// Begin emits BEGIN and returns a fresh, ACTIVE transaction (trx_begin).
func (m *Manager) Begin() (*Transaction, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	lsn, err := m.log.Append(logmgr.Record{TrxID: logmgr.TrxID(id), Type: logmgr.TypeBegin, PrevLSN: -1})
	if err != nil {
		return nil, err
	}

	trx := &Transaction{ID: id, State: Active, LastLSN: lsn}
	m.mu.Lock()
	m.trxs[id] = trx
	m.mu.Unlock()
	return trx, nil
}

// Get looks up an active transaction by id.
func (m *Manager) Get(id int64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trx, ok := m.trxs[id]
	if !ok {
		return nil, fmt.Errorf("txn: unknown trx %d: %w", id, kverrors.ErrInvalidArg)
	}
	return trx, nil
}

// SetLastLSN updates trx's last_LSN chain pointer after logging an UPDATE.
func (m *Manager) SetLastLSN(id int64, lsn int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trx, ok := m.trxs[id]; ok {
		trx.LastLSN = lsn
	}
}

// Commit emits COMMIT, flushes the log through it, and releases every lock
// trx holds (trx_commit). The caller must have already flushed any pending
// page writes it cares about; FlushTo(commit_LSN) here is spec.md §4.5's
// durability requirement before reporting success.
func (m *Manager) Commit(id int64) error {
	trx, err := m.Get(id)
	if err != nil {
		return err
	}
	if trx.State != Active {
		return fmt.Errorf("txn: commit of non-active trx %d: %w", id, kverrors.ErrTrxInactive)
	}

	lsn, err := m.log.Append(logmgr.Record{TrxID: logmgr.TrxID(id), Type: logmgr.TypeCommit, PrevLSN: trx.LastLSN})
	if err != nil {
		return err
	}
	if err := m.log.FlushTo(lsn); err != nil {
		return err
	}

	m.mu.Lock()
	trx.State = Committed
	trx.LastLSN = lsn
	m.mu.Unlock()

	m.locks.ReleaseAll(id)
	return nil
}

// MarkAborted emits ROLLBACK, flushes it, and releases locks. The caller
// (kvstore) is responsible for having already walked the undo chain and
// written the CLRs before calling this.
func (m *Manager) MarkAborted(id int64) error {
	trx, err := m.Get(id)
	if err != nil {
		return err
	}

	lsn, err := m.log.Append(logmgr.Record{TrxID: logmgr.TrxID(id), Type: logmgr.TypeRollback, PrevLSN: trx.LastLSN})
	if err != nil {
		return err
	}
	if err := m.log.FlushTo(lsn); err != nil {
		return err
	}

	m.mu.Lock()
	trx.State = Aborted
	trx.LastLSN = lsn
	m.mu.Unlock()

	m.locks.ReleaseAll(id)
	return nil
}
