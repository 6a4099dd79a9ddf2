// Package lockmgr is the record-level S/X lock manager: a hash-bucketed
// lock table keyed by (table,page,slot), FIFO ordering within a bucket, and
// wait-for-graph deadlock detection, the graph rebuilt from scratch on every
// acquire that has to wait.
package lockmgr

import (
	"sync"

	"github.com/intellect4all/storage-engines/pkg/disk"
	"github.com/intellect4all/storage-engines/pkg/kverrors"
	"github.com/intellect4all/storage-engines/pkg/page"
)

// Mode is a lock's requested or held mode.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// RecordID identifies one leaf slot: the unit of locking (spec.md §3.4).
type RecordID struct {
	Table disk.TableID
	Page  page.ID
	Slot  int64 // the record's key, which is the leaf slot's natural identity
}

type entry struct {
	rid     RecordID
	trx     int64
	mode    Mode
	granted bool
}

// Manager is the process-wide lock table.
type Manager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[RecordID][]*entry
	held    map[int64][]*entry // per-trx held entries, append order (release walks LIFO)
}

// New creates an empty lock table.
func New() *Manager {
	m := &Manager{
		buckets: make(map[RecordID][]*entry),
		held:    make(map[int64][]*entry),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func compatible(requested, held Mode) bool {
	if requested == Shared {
		return held == Shared
	}
	return false
}

// Acquire implements lock_acquire (spec.md §4.4): returns nil once trx holds
// mode on rid, or kverrors.ErrDeadlock if granting would create a cycle in
// the wait-for graph (the caller must then abort trx).
func (m *Manager) Acquire(rid RecordID, trx int64, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.buckets[rid]

	// Step 1: already holds a sufficient lock.
	for _, e := range bucket {
		if e.trx == trx && e.granted && (e.mode == Exclusive || e.mode == mode) {
			return nil
		}
	}

	if m.grantableLocked(bucket, trx, mode) {
		e := &entry{rid: rid, trx: trx, mode: mode, granted: true}
		m.buckets[rid] = append(bucket, e)
		m.held[trx] = append(m.held[trx], e)
		return nil
	}

	// Must wait: add a WAITING entry, then check for a cycle before parking.
	waiter := &entry{rid: rid, trx: trx, mode: mode, granted: false}
	m.buckets[rid] = append(bucket, waiter)

	graph := m.buildWaitForGraphLocked()
	if hasCycleFrom(graph, trx) {
		m.removeEntryLocked(rid, waiter)
		return kverrors.ErrDeadlock
	}

	for {
		m.cond.Wait()
		// The entry may have been removed out from under us if the
		// manager was reset; guard defensively.
		if !m.containsLocked(rid, waiter) {
			return kverrors.ErrTrxInactive
		}
		if m.grantableLocked(m.buckets[rid], trx, mode) {
			waiter.granted = true
			m.held[trx] = append(m.held[trx], waiter)
			return nil
		}
	}
}

// grantableLocked reports whether mode is compatible with every OTHER
// trx's currently granted entry in bucket (step 3/4: compatibility checked
// only against granted holders).
func (m *Manager) grantableLocked(bucket []*entry, trx int64, mode Mode) bool {
	for _, e := range bucket {
		if e.trx == trx || !e.granted {
			continue
		}
		if !compatible(mode, e.mode) {
			return false
		}
	}
	return true
}

func (m *Manager) containsLocked(rid RecordID, target *entry) bool {
	for _, e := range m.buckets[rid] {
		if e == target {
			return true
		}
	}
	return false
}

func (m *Manager) removeEntryLocked(rid RecordID, target *entry) {
	bucket := m.buckets[rid]
	for i, e := range bucket {
		if e == target {
			m.buckets[rid] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// buildWaitForGraphLocked rebuilds the wait-for graph from scratch: an edge
// waiter.trx -> holder.trx for every WAITING entry incompatible with a
// GRANTED entry in the same bucket.
func (m *Manager) buildWaitForGraphLocked() map[int64]map[int64]bool {
	graph := make(map[int64]map[int64]bool)
	for _, bucket := range m.buckets {
		for _, w := range bucket {
			if w.granted {
				continue
			}
			for _, g := range bucket {
				if g.granted && g.trx != w.trx && !compatible(w.mode, g.mode) {
					if graph[w.trx] == nil {
						graph[w.trx] = make(map[int64]bool)
					}
					graph[w.trx][g.trx] = true
				}
			}
		}
	}
	return graph
}

// hasCycleFrom runs a DFS from start over graph's wait-for edges, stopping
// on a revisit of start (cycle) or exhaustion (safe to wait).
func hasCycleFrom(graph map[int64]map[int64]bool, start int64) bool {
	visited := make(map[int64]bool)
	var dfs func(node int64) bool
	dfs = func(node int64) bool {
		for next := range graph[node] {
			if next == start {
				return true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(start)
}

// ReleaseAll implements lock_release_all: releases every lock trx holds, in
// LIFO order, then wakes every waiter so it can re-check grantability.
func (m *Manager) ReleaseAll(trx int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.held[trx]
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		m.removeEntryLocked(e.rid, e)
	}
	delete(m.held, trx)
	m.cond.Broadcast()
}

// HeldTrxID, given a record, reports the trx that last wrote it and still
// holds its X-lock (I6), or 0. The leaf slot's trx_id field is the durable
// copy of this; this is used when the lock manager itself needs to answer
// the question without touching the page.
func (m *Manager) HeldTrxID(rid RecordID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.buckets[rid] {
		if e.granted && e.mode == Exclusive {
			return e.trx
		}
	}
	return 0
}
