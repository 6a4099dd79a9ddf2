// Package page implements the on-disk page format: a 128-byte common header
// followed by 3968 bytes of payload, interpreted differently depending on
// whether the page is the per-table header page, a free page, a B+tree
// internal page, or a B+tree leaf page.
package page

import (
	"encoding/binary"
	"errors"
)

const (
	Size          = 4096
	HeaderSize    = 128
	PayloadOffset = HeaderSize
	PayloadSize   = Size - HeaderSize

	LeafSlotSize       = 16 // key(8) + size(2) + offset(2) + trx_id(4)
	InternalEntrySize  = 16 // key(8) + child_pid(8)
	MaxInternalEntries = PayloadSize / InternalEntrySize // 248
)

// Kind identifies how a page's payload is interpreted.
type Kind byte

const (
	KindFree Kind = iota
	KindHeader
	KindInternal
	KindLeaf
)

// Header field offsets, all within the first 128 bytes. Not every page kind
// uses every field; see the accessor comments for which kind owns which
// offset.
const (
	offType          = 0  // 1 byte, all kinds
	offParentPage    = 8  // 8 bytes, internal/leaf: parent_page. free page: next_free_page.
	offIsLeaf        = 16 // 1 byte, internal/leaf
	offNumKeys       = 20 // 4 bytes, internal/leaf
	offPageLSN       = 24 // 8 bytes, internal/leaf
	offFreeSpace     = 32 // 2 bytes, leaf only
	offSiblingPage   = 40 // 8 bytes, leaf only: right sibling
	offLeftChild     = 48 // 8 bytes, internal only: leftmost child
	offFirstFreePage = 56 // 8 bytes, header page only
	offNumPages      = 64 // 8 bytes, header page only
	offRootPage      = 72 // 8 bytes, header page only
	offFreePageCount = 80 // 4 bytes, header page only (diagnostic, SPEC_FULL supplement)
)

var (
	ErrPageFull  = errors.New("page: no room for slot")
	ErrNoSuchKey = errors.New("page: key not present")
)

// ID identifies a page within a single table's file (the page's byte offset
// divided by Size).
type ID uint64

// NoPage is the sentinel for "no page" (parent of root, absent sibling,
// empty free list, empty tree).
const NoPage ID = 0

// Page is an in-memory view of one 4096-byte page.
type Page struct {
	id    ID
	data  [Size]byte
	dirty bool
}

// New creates a zeroed page of the given kind, ready for its type-specific
// initializer (InitHeader/InitFree/InitInternal/InitLeaf) to run.
func New(id ID, kind Kind) *Page {
	p := &Page{id: id, dirty: true}
	p.data[offType] = byte(kind)
	return p
}

// FromBytes wraps an existing 4096-byte buffer (as read from disk) as a Page.
func FromBytes(id ID, data []byte) (*Page, error) {
	if len(data) != Size {
		return nil, errors.New("page: wrong buffer size")
	}
	p := &Page{id: id}
	copy(p.data[:], data)
	return p, nil
}

func (p *Page) ID() ID        { return p.id }
func (p *Page) Bytes() []byte { return p.data[:] }
func (p *Page) Dirty() bool   { return p.dirty }
func (p *Page) SetDirty(d bool) { p.dirty = d }

func (p *Page) Kind() Kind { return Kind(p.data[offType]) }
func (p *Page) SetKind(k Kind) {
	p.data[offType] = byte(k)
	p.dirty = true
}

func (p *Page) u64(off int) uint64 { return binary.BigEndian.Uint64(p.data[off:]) }
func (p *Page) putU64(off int, v uint64) {
	binary.BigEndian.PutUint64(p.data[off:], v)
	p.dirty = true
}
func (p *Page) u32(off int) uint32 { return binary.BigEndian.Uint32(p.data[off:]) }
func (p *Page) putU32(off int, v uint32) {
	binary.BigEndian.PutUint32(p.data[off:], v)
	p.dirty = true
}
func (p *Page) u16(off int) uint16 { return binary.BigEndian.Uint16(p.data[off:]) }
func (p *Page) putU16(off int, v uint16) {
	binary.BigEndian.PutUint16(p.data[off:], v)
	p.dirty = true
}
func (p *Page) i64(off int) int64 { return int64(p.u64(off)) }
func (p *Page) putI64(off int, v int64) { p.putU64(off, uint64(v)) }

// --- common tree-page header (internal + leaf) ---

func (p *Page) ParentPage() ID      { return ID(p.u64(offParentPage)) }
func (p *Page) SetParentPage(id ID) { p.putU64(offParentPage, uint64(id)) }

func (p *Page) IsLeaf() bool { return p.data[offIsLeaf] != 0 }
func (p *Page) SetIsLeaf(v bool) {
	if v {
		p.data[offIsLeaf] = 1
	} else {
		p.data[offIsLeaf] = 0
	}
	p.dirty = true
}

func (p *Page) NumKeys() uint32      { return p.u32(offNumKeys) }
func (p *Page) setNumKeys(n uint32)  { p.putU32(offNumKeys, n) }

func (p *Page) PageLSN() int64      { return p.i64(offPageLSN) }
func (p *Page) SetPageLSN(lsn int64) { p.putI64(offPageLSN, lsn) }

// --- leaf-only header fields ---

func (p *Page) FreeSpace() uint16     { return p.u16(offFreeSpace) }
func (p *Page) setFreeSpace(n uint16) { p.putU16(offFreeSpace, n) }

func (p *Page) SiblingPage() ID      { return ID(p.u64(offSiblingPage)) }
func (p *Page) SetSiblingPage(id ID) { p.putU64(offSiblingPage, uint64(id)) }

// --- internal-only header field ---

func (p *Page) LeftChildPage() ID      { return ID(p.u64(offLeftChild)) }
func (p *Page) SetLeftChildPage(id ID) { p.putU64(offLeftChild, uint64(id)) }

// --- header-page-only fields (page 0 of a table) ---

func (p *Page) FirstFreePage() ID      { return ID(p.u64(offFirstFreePage)) }
func (p *Page) SetFirstFreePage(id ID) { p.putU64(offFirstFreePage, uint64(id)) }

func (p *Page) NumPages() uint64     { return p.u64(offNumPages) }
func (p *Page) SetNumPages(n uint64) { p.putU64(offNumPages, n) }

func (p *Page) RootPage() ID      { return ID(p.u64(offRootPage)) }
func (p *Page) SetRootPage(id ID) { p.putU64(offRootPage, uint64(id)) }

func (p *Page) FreePageCount() uint32     { return p.u32(offFreePageCount) }
func (p *Page) SetFreePageCount(n uint32) { p.putU32(offFreePageCount, n) }

// InitHeader sets up a fresh per-table header page (page 0).
func (p *Page) InitHeader(numPages uint64, firstFreePage ID) {
	p.SetKind(KindHeader)
	p.SetNumPages(numPages)
	p.SetFirstFreePage(firstFreePage)
	p.SetRootPage(NoPage)
}

// --- free-page-only field ---

// NextFreePage shares its byte offset with ParentPage since a page is never
// simultaneously free and a tree page.
func (p *Page) NextFreePage() ID      { return ID(p.u64(offParentPage)) }
func (p *Page) SetNextFreePage(id ID) { p.putU64(offParentPage, uint64(id)) }

// InitFree marks a page as free, threading it onto the free list.
func (p *Page) InitFree(next ID) {
	p.SetKind(KindFree)
	p.SetNextFreePage(next)
}

// InitLeaf sets up a fresh, empty leaf page.
func (p *Page) InitLeaf(parent ID) {
	p.SetKind(KindLeaf)
	p.SetIsLeaf(true)
	p.SetParentPage(parent)
	p.setNumKeys(0)
	p.setFreeSpace(PayloadSize)
	p.SetSiblingPage(NoPage)
	p.SetPageLSN(0)
}

// InitInternal sets up a fresh, empty internal page with a single child.
func (p *Page) InitInternal(parent ID, leftChild ID) {
	p.SetKind(KindInternal)
	p.SetIsLeaf(false)
	p.SetParentPage(parent)
	p.setNumKeys(0)
	p.SetLeftChildPage(leftChild)
	p.SetPageLSN(0)
}

// --- leaf slots ---

// Slot is the fixed 16-byte leaf index entry; Offset/Size locate the
// variable-length value bytes packed from the page's tail.
type Slot struct {
	Key    int64
	Size   uint16
	Offset uint16
	TrxID  int32
}

func slotOff(i int) int { return PayloadOffset + i*LeafSlotSize }

func (p *Page) decodeSlot(i int) Slot {
	o := slotOff(i)
	return Slot{
		Key:    p.i64(o),
		Size:   p.u16(o + 8),
		Offset: p.u16(o + 10),
		TrxID:  int32(p.u32(o + 12)),
	}
}

func (p *Page) encodeSlot(i int, s Slot) {
	o := slotOff(i)
	p.putI64(o, s.Key)
	p.putU16(o+8, s.Size)
	p.putU16(o+10, s.Offset)
	p.putU32(o+12, uint32(s.TrxID))
}

// Slots returns all slots of a leaf page, ascending by key (I1).
func (p *Page) Slots() []Slot {
	n := int(p.NumKeys())
	out := make([]Slot, n)
	for i := 0; i < n; i++ {
		out[i] = p.decodeSlot(i)
	}
	return out
}

// Value returns the value bytes for a slot.
func (p *Page) Value(s Slot) []byte {
	return append([]byte(nil), p.data[s.Offset:s.Offset+s.Size]...)
}

// FindSlot returns the index of key in the slot array, or -1 if absent.
func (p *Page) FindSlot(key int64) int {
	slots := p.Slots()
	lo, hi := 0, len(slots)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case slots[mid].Key == key:
			return mid
		case slots[mid].Key < key:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return -1
}

// rebuildLeaf repacks the slot array and value region from scratch: slots
// ascending by key at the front, values packed contiguously from the page
// end in the same order. This keeps I3's free_space accounting exact after
// every mutation without incremental memmove bookkeeping.
func (p *Page) rebuildLeaf(slots []Slot, values [][]byte) {
	n := len(slots)
	off := uint16(Size)
	for i := n - 1; i >= 0; i-- {
		off -= uint16(len(values[i]))
		slots[i].Offset = off
		slots[i].Size = uint16(len(values[i]))
		copy(p.data[off:off+slots[i].Size], values[i])
	}
	for i := 0; i < n; i++ {
		p.encodeSlot(i, slots[i])
	}
	p.setNumKeys(uint32(n))
	used := uint16(n*LeafSlotSize) + (uint16(Size) - off)
	p.setFreeSpace(PayloadSize - used)
	p.dirty = true
}

// InsertSlot inserts key/value keeping slot order (I1). Returns ErrPageFull
// if there isn't room; the caller (B+tree insert) is responsible for
// splitting in that case.
func (p *Page) InsertSlot(key int64, value []byte) error {
	if p.FindSlot(key) >= 0 {
		return errDuplicate
	}
	need := uint16(LeafSlotSize + len(value))
	if p.FreeSpace() < need {
		return ErrPageFull
	}
	slots := p.Slots()
	values := make([][]byte, len(slots))
	for i, s := range slots {
		values[i] = p.Value(s)
	}
	idx := 0
	for idx < len(slots) && slots[idx].Key < key {
		idx++
	}
	newSlot := Slot{Key: key}
	slots = append(slots, Slot{})
	copy(slots[idx+1:], slots[idx:])
	slots[idx] = newSlot
	values = append(values, nil)
	copy(values[idx+1:], values[idx:])
	values[idx] = append([]byte(nil), value...)
	p.rebuildLeaf(slots, values)
	return nil
}

// DeleteSlot removes key, returning its last value. Returns ErrNoSuchKey if
// absent.
func (p *Page) DeleteSlot(key int64) ([]byte, error) {
	idx := p.FindSlot(key)
	if idx < 0 {
		return nil, ErrNoSuchKey
	}
	slots := p.Slots()
	values := make([][]byte, len(slots))
	for i, s := range slots {
		values[i] = p.Value(s)
	}
	removed := values[idx]
	slots = append(slots[:idx], slots[idx+1:]...)
	values = append(values[:idx], values[idx+1:]...)
	p.rebuildLeaf(slots, values)
	return removed, nil
}

// SetValueInPlace overwrites a slot's value bytes without touching slot
// layout; required length equals the existing slot's size (fixed-length
// update, spec.md §4.3 "new_val_size must equal the stored size"). Returns
// the previous bytes (the before-image).
func (p *Page) SetValueInPlace(key int64, newValue []byte) ([]byte, error) {
	idx := p.FindSlot(key)
	if idx < 0 {
		return nil, ErrNoSuchKey
	}
	s := p.decodeSlot(idx)
	if int(s.Size) != len(newValue) {
		return nil, errSizeMismatch
	}
	before := p.Value(s)
	copy(p.data[s.Offset:s.Offset+s.Size], newValue)
	p.dirty = true
	return before, nil
}

// ReplaceAll repacks the leaf with exactly these key/value pairs, writing
// the slots in the order given (keys must already be ascending to keep I1;
// ReplaceAll does not sort them); used by split/merge/redistribute to
// rebuild a leaf from a freshly assembled slot list.
func (p *Page) ReplaceAll(keys []int64, values [][]byte) {
	slots := make([]Slot, len(keys))
	for i, k := range keys {
		slots[i] = Slot{Key: k}
	}
	p.rebuildLeaf(slots, values)
}

// SetSlotTrxID tags the slot's trx_id field (I6), used on X-lock grant.
func (p *Page) SetSlotTrxID(key int64, trxID int32) error {
	idx := p.FindSlot(key)
	if idx < 0 {
		return ErrNoSuchKey
	}
	s := p.decodeSlot(idx)
	s.TrxID = trxID
	p.encodeSlot(idx, s)
	p.dirty = true
	return nil
}

// --- internal entries ---

// Entry is one {key, child_pid} pair of an internal page's sorted array.
type Entry struct {
	Key   int64
	Child ID
}

func entryOff(i int) int { return PayloadOffset + i*InternalEntrySize }

func (p *Page) decodeEntry(i int) Entry {
	o := entryOff(i)
	return Entry{Key: p.i64(o), Child: ID(p.u64(o + 8))}
}

func (p *Page) encodeEntry(i int, e Entry) {
	o := entryOff(i)
	p.putI64(o, e.Key)
	p.putU64(o+8, uint64(e.Child))
}

// Entries returns all entries of an internal page, ascending by key.
func (p *Page) Entries() []Entry {
	n := int(p.NumKeys())
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = p.decodeEntry(i)
	}
	return out
}

func (p *Page) setEntries(entries []Entry) {
	for i, e := range entries {
		p.encodeEntry(i, e)
	}
	p.setNumKeys(uint32(len(entries)))
	p.dirty = true
}

// ReplaceEntries overwrites an internal page's entire entry array (not
// touching left_child_page); used by split/merge/redistribute to rebuild a
// page from a freshly assembled entry list.
func (p *Page) ReplaceEntries(entries []Entry) { p.setEntries(entries) }

// ChildFor returns the child page that would contain key: the entry with
// the greatest key <= key, or LeftChildPage if key is less than every entry.
func (p *Page) ChildFor(key int64) ID {
	entries := p.Entries()
	child := p.LeftChildPage()
	for _, e := range entries {
		if key < e.Key {
			break
		}
		child = e.Child
	}
	return child
}

// InsertEntry inserts (key, child) keeping entries sorted; fails with
// ErrPageFull past MaxInternalEntries, at which point the caller must split.
func (p *Page) InsertEntry(key int64, child ID) error {
	entries := p.Entries()
	if len(entries) >= MaxInternalEntries {
		return ErrPageFull
	}
	idx := 0
	for idx < len(entries) && entries[idx].Key < key {
		idx++
	}
	entries = append(entries, Entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = Entry{Key: key, Child: child}
	p.setEntries(entries)
	return nil
}

// DeleteEntryAt removes the entry at index idx.
func (p *Page) DeleteEntryAt(idx int) {
	entries := p.Entries()
	entries = append(entries[:idx], entries[idx+1:]...)
	p.setEntries(entries)
}

// IndexOfChild returns the position of child in the entries array, or -1 if
// child is the left_child_page (per spec's get_left_index: 0 means
// left_child_page, 1-based otherwise — callers distinguish via the bool).
func (p *Page) IndexOfChild(child ID) (idx int, isLeft bool) {
	if p.LeftChildPage() == child {
		return -1, true
	}
	for i, e := range p.Entries() {
		if e.Child == child {
			return i, false
		}
	}
	return -1, false
}

var errDuplicate = errors.New("page: duplicate key")
var errSizeMismatch = errors.New("page: value size mismatch on in-place update")

// IsDuplicateErr reports whether err is the duplicate-key error InsertSlot
// returns, so callers can map it to kverrors.ErrDuplicate without an import
// cycle.
func IsDuplicateErr(err error) bool { return errors.Is(err, errDuplicate) }

// IsSizeMismatchErr reports whether err is SetValueInPlace's fixed-length
// violation.
func IsSizeMismatchErr(err error) bool { return errors.Is(err, errSizeMismatch) }
