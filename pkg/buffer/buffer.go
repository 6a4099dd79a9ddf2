// Package buffer implements the fixed-capacity frame-array buffer pool:
// LRU eviction over pinned frames, a (table,page) hash index, and
// log-before-page write-back (I4).
package buffer

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/intellect4all/storage-engines/pkg/disk"
	"github.com/intellect4all/storage-engines/pkg/kverrors"
	"github.com/intellect4all/storage-engines/pkg/page"
)

// Key identifies a page across all tables.
type Key struct {
	Table disk.TableID
	Page  page.ID
}

// LogFlusher is the log manager's durability hook: the pool must flush the
// log through a dirty frame's page_LSN before writing that frame to disk.
type LogFlusher interface {
	FlushTo(lsn int64) error
}

type frame struct {
	key          Key
	p            *page.Page
	dirty        bool
	pinCount     int
	writerPinned bool          // true while one caller holds this frame forWrite
	elem         *list.Element // position in the LRU list; front = MRU
}

// Pool is the process-wide buffer pool: num_buf frames, shared by every
// open table.
type Pool struct {
	mu       sync.Mutex
	capacity int
	frames   map[Key]*frame
	lru      *list.List
	disk     *disk.Manager
	log      LogFlusher
}

// New creates a pool with capacity frames, backed by dm and flushing wal
// before any dirty write-back.
func New(capacity int, dm *disk.Manager, wal LogFlusher) *Pool {
	return &Pool{
		capacity: capacity,
		frames:   make(map[Key]*frame),
		lru:      list.New(),
		disk:     dm,
		log:      wal,
	}
}

// FetchPage returns the pinned page for (table,pid), reading it from disk on
// a cache miss. forWrite declares an intent to mutate the page: the pool
// refuses (kverrors.ErrPageLatched) a second forWrite pin while one is
// already outstanding on the same frame, per spec.md §5's latching
// discipline -- only one writer at a time, readers may still share
// pin_count alongside it. The caller must release a forWrite pin with
// UnpinWritePage, and any other pin with UnpinPage, exactly once.
func (pool *Pool) FetchPage(table disk.TableID, pid page.ID, forWrite bool) (*page.Page, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	key := Key{table, pid}
	if fr, ok := pool.frames[key]; ok {
		if forWrite && fr.writerPinned {
			return nil, fmt.Errorf("buffer: fetch page (%d,%d): %w", table, pid, kverrors.ErrPageLatched)
		}
		pool.touch(fr)
		fr.pinCount++
		if forWrite {
			fr.writerPinned = true
		}
		return fr.p, nil
	}

	p, err := pool.disk.ReadPage(table, pid)
	if err != nil {
		return nil, err
	}
	fr, err := pool.install(key, p)
	if err != nil {
		return nil, err
	}
	fr.pinCount++
	if forWrite {
		fr.writerPinned = true
	}
	return fr.p, nil
}

// NewPage allocates a fresh page on disk and returns it pinned, already
// resident in the pool.
func (pool *Pool) NewPage(table disk.TableID, kind page.Kind) (*page.Page, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	pid, err := pool.disk.AllocPage(table)
	if err != nil {
		return nil, err
	}
	p := page.New(pid, kind)
	key := Key{table, pid}
	fr, err := pool.install(key, p)
	if err != nil {
		return nil, err
	}
	fr.dirty = true
	fr.pinCount++
	fr.writerPinned = true
	return fr.p, nil
}

// install places p into a frame, evicting if the pool is at capacity. Caller
// holds pool.mu.
func (pool *Pool) install(key Key, p *page.Page) (*frame, error) {
	if len(pool.frames) >= pool.capacity {
		if err := pool.evictLocked(); err != nil {
			return nil, err
		}
	}
	fr := &frame{key: key, p: p}
	fr.elem = pool.lru.PushFront(fr)
	pool.frames[key] = fr
	return fr, nil
}

// evictLocked selects the least-recently-used unpinned frame (walking from
// the LRU tail), flushing it if dirty, and removes it. Returns
// kverrors.ErrBufferFull if every frame is pinned.
func (pool *Pool) evictLocked() error {
	for e := pool.lru.Back(); e != nil; e = e.Prev() {
		fr := e.Value.(*frame)
		if fr.pinCount > 0 {
			continue
		}
		if fr.dirty {
			if pool.log != nil {
				if err := pool.log.FlushTo(fr.p.PageLSN()); err != nil {
					return fmt.Errorf("buffer: log flush before evict: %w", err)
				}
			}
			if err := pool.disk.WritePage(fr.key.Table, fr.p); err != nil {
				return fmt.Errorf("buffer: evict write-back: %w", err)
			}
		}
		pool.lru.Remove(e)
		delete(pool.frames, fr.key)
		return nil
	}
	return kverrors.ErrBufferFull
}

func (pool *Pool) touch(fr *frame) {
	pool.lru.MoveToFront(fr.elem)
}

// UnpinPage releases one non-forWrite pin on (table,pid). If dirty is true
// the frame is marked dirty (its eventual write-back is still gated on
// log-before-page).
func (pool *Pool) UnpinPage(table disk.TableID, pid page.ID, dirty bool) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	fr, ok := pool.frames[Key{table, pid}]
	if !ok {
		return fmt.Errorf("buffer: unpin unknown page (%d,%d): %w", table, pid, kverrors.ErrInvalidArg)
	}
	if dirty {
		fr.dirty = true
	}
	if fr.pinCount > 0 {
		fr.pinCount--
	}
	return nil
}

// UnpinWritePage releases a pin previously taken with FetchPage(forWrite:
// true) or NewPage, clearing the outstanding-writer flag so a subsequent
// forWrite fetch can proceed. If dirty is true the frame is marked dirty.
func (pool *Pool) UnpinWritePage(table disk.TableID, pid page.ID, dirty bool) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	fr, ok := pool.frames[Key{table, pid}]
	if !ok {
		return fmt.Errorf("buffer: unpin unknown page (%d,%d): %w", table, pid, kverrors.ErrInvalidArg)
	}
	if dirty {
		fr.dirty = true
	}
	fr.writerPinned = false
	if fr.pinCount > 0 {
		fr.pinCount--
	}
	return nil
}

// FlushPage writes a resident dirty frame back to disk immediately
// (log-before-page), clearing its dirty bit. No-op if the page isn't
// resident or isn't dirty.
func (pool *Pool) FlushPage(table disk.TableID, pid page.ID) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	fr, ok := pool.frames[Key{table, pid}]
	if !ok || !fr.dirty {
		return nil
	}
	if pool.log != nil {
		if err := pool.log.FlushTo(fr.p.PageLSN()); err != nil {
			return err
		}
	}
	if err := pool.disk.WritePage(table, fr.p); err != nil {
		return err
	}
	fr.dirty = false
	return nil
}

// FlushAll writes back every dirty frame (log-before-page), used by
// shutdown and checkpointing.
func (pool *Pool) FlushAll() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for key, fr := range pool.frames {
		if !fr.dirty {
			continue
		}
		if pool.log != nil {
			if err := pool.log.FlushTo(fr.p.PageLSN()); err != nil {
				return err
			}
		}
		if err := pool.disk.WritePage(key.Table, fr.p); err != nil {
			return err
		}
		fr.dirty = false
	}
	return nil
}

// Close flushes every dirty frame then drops all resident frames.
func (pool *Pool) Close() error {
	if err := pool.FlushAll(); err != nil {
		return err
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.frames = make(map[Key]*frame)
	pool.lru = list.New()
	return nil
}

// Resident reports how many frames are currently cached (diagnostics/tests).
func (pool *Pool) Resident() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.frames)
}
