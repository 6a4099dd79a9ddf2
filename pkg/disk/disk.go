// Package disk is the lowest layer: one file per table, organized as fixed
// 4096-byte pages with page 0 as the header page and free pages threaded
// into a singly-linked free list rooted there.
package disk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	atomicfile "github.com/natefinch/atomic"
	"github.com/ncw/directio"

	"github.com/intellect4all/storage-engines/pkg/kverrors"
	"github.com/intellect4all/storage-engines/pkg/page"
)

const (
	initialPages = 2560 // 10 MiB / 4 KiB, per spec.md §4.1
)

// blockFile is the minimal file interface the disk manager needs; both
// *os.File (opened plain or via directio.OpenFile) and
// github.com/dsnet/golib/memfile's in-memory File satisfy it.
type blockFile interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Close() error
}

type syncer interface{ Sync() error }
type truncater interface{ Truncate(size int64) error }

func syncFile(f blockFile) error {
	if s, ok := f.(syncer); ok {
		return s.Sync()
	}
	return nil
}

func growFile(f blockFile, newSize int64) error {
	if t, ok := f.(truncater); ok {
		return t.Truncate(newSize)
	}
	// memfile and similar grow on write; touch the last byte to force it.
	_, err := f.WriteAt([]byte{0}, newSize-1)
	return err
}

// TableID is a small process-local handle returned by OpenTable.
type TableID int

type table struct {
	mu       sync.Mutex
	path     string
	f        blockFile
	header   *page.Page // page 0, kept resident and write-through
	numPages uint64
}

// Manager owns every open table file.
type Manager struct {
	mu     sync.RWMutex
	tables map[TableID]*table
	nextID TableID
}

// NewManager creates an empty, process-wide disk manager.
func NewManager() *Manager {
	return &Manager{tables: make(map[TableID]*table)}
}

// openDirectIO opens path for O_DIRECT aligned I/O, falling back to a plain
// os.File when the filesystem doesn't support it (tmpfs, non-Linux hosts).
func openDirectIO(path string) (*os.File, bool, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err == nil {
		return f, true, nil
	}
	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	return f, false, err
}

// OpenTable opens or creates a table file at path, attempting O_DIRECT and
// falling back to buffered I/O. A freshly created (empty) file is extended
// to initialPages and its free list threaded, per spec.md §4.1.
func (m *Manager) OpenTable(path string) (TableID, error) {
	fi, statErr := os.Stat(path)
	f, _, err := openDirectIO(path)
	if err != nil {
		return 0, fmt.Errorf("disk: open %s: %w", path, kverrors.ErrIo)
	}
	return m.openTableWithFile(path, f, statErr == nil && fi.Size() > 0)
}

// OpenTableWithFile registers an already-open blockFile (used by tests to
// back a table with github.com/dsnet/golib/memfile instead of a real file).
func (m *Manager) OpenTableWithFile(path string, f blockFile, preexisting bool) (TableID, error) {
	return m.openTableWithFile(path, f, preexisting)
}

func (m *Manager) openTableWithFile(path string, f blockFile, preexisting bool) (TableID, error) {
	t := &table{path: path, f: f}

	if preexisting {
		buf := make([]byte, page.Size)
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			return 0, fmt.Errorf("disk: read header %s: %w", path, kverrors.ErrIo)
		}
		hp, err := page.FromBytes(0, buf)
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("disk: %s: %w", path, kverrors.ErrCorrupt)
		}
		t.header = hp
		t.numPages = hp.NumPages()
	} else {
		if err := growFile(f, int64(initialPages)*page.Size); err != nil {
			f.Close()
			return 0, fmt.Errorf("disk: extend %s: %w", path, kverrors.ErrIo)
		}
		hp := page.New(0, page.KindHeader)
		hp.InitHeader(initialPages, 1)
		if err := t.writeHeaderLocked(hp); err != nil {
			f.Close()
			return 0, err
		}
		if err := t.threadFreeList(1, initialPages); err != nil {
			f.Close()
			return 0, err
		}
		t.header = hp
		t.numPages = initialPages
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.tables[id] = t
	m.mu.Unlock()
	return id, nil
}

// threadFreeList writes free pages [from, to) each pointing to the next,
// last one terminating the list.
func (t *table) threadFreeList(from, to uint64) error {
	for pid := from; pid < to; pid++ {
		next := page.NoPage
		if pid+1 < to {
			next = page.ID(pid + 1)
		}
		fp := page.New(page.ID(pid), page.KindFree)
		fp.InitFree(next)
		if _, err := t.f.WriteAt(fp.Bytes(), int64(pid)*page.Size); err != nil {
			return fmt.Errorf("disk: thread free list: %w", kverrors.ErrIo)
		}
	}
	return syncFile(t.f)
}

// writeHeaderLocked durably writes page 0 both into the table file (so
// ReadPage(0) stays consistent with normal page I/O) and into a small
// shadow file via atomic.WriteFile, so a whole copy of num_pages/root_page/
// first_free_page survives a crash mid-extension without a torn write
// (spec.md §4.1: "must sync header after extension, crash-atomic w.r.t.
// num_pages"). Page 0 itself is overwritten in place; opening a table reads
// the header from page 0 and does not read the shadow file back.
func (t *table) writeHeaderLocked(hp *page.Page) error {
	if _, err := t.f.WriteAt(hp.Bytes(), 0); err != nil {
		return fmt.Errorf("disk: write header: %w", kverrors.ErrIo)
	}
	if err := syncFile(t.f); err != nil {
		return fmt.Errorf("disk: sync header: %w", kverrors.ErrIo)
	}
	shadow := make([]byte, 32)
	binary.BigEndian.PutUint64(shadow[0:], hp.NumPages())
	binary.BigEndian.PutUint64(shadow[8:], uint64(hp.FirstFreePage()))
	binary.BigEndian.PutUint64(shadow[16:], uint64(hp.RootPage()))
	binary.BigEndian.PutUint32(shadow[24:], hp.FreePageCount())
	if t.path != "" {
		if err := atomicfile.WriteFile(t.path+".hdr", bytes.NewReader(shadow)); err != nil {
			return fmt.Errorf("disk: shadow header write: %w", kverrors.ErrIo)
		}
	}
	return nil
}

// AllocPage pops the free list head, extending (doubling) the file if the
// list is empty.
func (m *Manager) AllocPage(id TableID) (page.ID, error) {
	t, err := m.table(id)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	head := t.header.FirstFreePage()
	if head == page.NoPage {
		oldPages := t.numPages
		newPages := oldPages * 2
		if err := growFile(t.f, int64(newPages)*page.Size); err != nil {
			return 0, fmt.Errorf("disk: extend: %w", kverrors.ErrIo)
		}
		if err := t.threadFreeList(oldPages, newPages); err != nil {
			return 0, err
		}
		t.numPages = newPages
		t.header.SetNumPages(newPages)
		t.header.SetFirstFreePage(page.ID(oldPages))
		if err := t.writeHeaderLocked(t.header); err != nil {
			return 0, err
		}
		head = page.ID(oldPages)
	}

	buf := make([]byte, page.Size)
	if _, err := t.f.ReadAt(buf, int64(head)*page.Size); err != nil {
		return 0, fmt.Errorf("disk: read free page: %w", kverrors.ErrIo)
	}
	fp, err := page.FromBytes(head, buf)
	if err != nil {
		return 0, fmt.Errorf("disk: %w", kverrors.ErrCorrupt)
	}
	next := fp.NextFreePage()
	t.header.SetFirstFreePage(next)
	if t.header.FreePageCount() > 0 {
		t.header.SetFreePageCount(t.header.FreePageCount() - 1)
	}
	if err := t.writeHeaderLocked(t.header); err != nil {
		return 0, err
	}
	return head, nil
}

// FreePage pushes pid onto the free list head.
func (m *Manager) FreePage(id TableID, pid page.ID) error {
	t, err := m.table(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	fp := page.New(pid, page.KindFree)
	fp.InitFree(t.header.FirstFreePage())
	if _, err := t.f.WriteAt(fp.Bytes(), int64(pid)*page.Size); err != nil {
		return fmt.Errorf("disk: free_page write: %w", kverrors.ErrIo)
	}
	t.header.SetFirstFreePage(pid)
	t.header.SetFreePageCount(t.header.FreePageCount() + 1)
	return t.writeHeaderLocked(t.header)
}

// ReadPage performs a synchronous pread of one page.
func (m *Manager) ReadPage(id TableID, pid page.ID) (*page.Page, error) {
	t, err := m.table(id)
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		t.mu.Lock()
		defer t.mu.Unlock()
		cp := *t.header
		return &cp, nil
	}
	buf := make([]byte, page.Size)
	if _, err := t.f.ReadAt(buf, int64(pid)*page.Size); err != nil {
		return nil, fmt.Errorf("disk: read_page %d: %w", pid, kverrors.ErrIo)
	}
	return page.FromBytes(pid, buf)
}

// WritePage performs a synchronous pwrite of the full page (spec.md's "full
// page barrier on writes").
func (m *Manager) WritePage(id TableID, p *page.Page) error {
	t, err := m.table(id)
	if err != nil {
		return err
	}
	if p.ID() == 0 {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.writeHeaderLocked(p)
	}
	if _, err := t.f.WriteAt(p.Bytes(), int64(p.ID())*page.Size); err != nil {
		return fmt.Errorf("disk: write_page %d: %w", p.ID(), kverrors.ErrIo)
	}
	return nil
}

// RootPage/SetRootPage read and update the table's header page root_page.
func (m *Manager) RootPage(id TableID) (page.ID, error) {
	t, err := m.table(id)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.header.RootPage(), nil
}

func (m *Manager) SetRootPage(id TableID, root page.ID) error {
	t, err := m.table(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.header.SetRootPage(root)
	return t.writeHeaderLocked(t.header)
}

// Sync flushes the table file to stable storage.
func (m *Manager) Sync(id TableID) error {
	t, err := m.table(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return syncFile(t.f)
}

// Close closes every open table file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, t := range m.tables {
		if err := t.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.tables = make(map[TableID]*table)
	return firstErr
}

func (m *Manager) table(id TableID) (*table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[id]
	if !ok {
		return nil, fmt.Errorf("disk: unknown table %d: %w", id, kverrors.ErrInvalidArg)
	}
	return t, nil
}
