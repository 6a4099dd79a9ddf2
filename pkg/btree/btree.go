// Package btree is the on-disk B+tree: find_leaf descent, leaf/internal
// split on insert, and merge-or-redistribute on delete, all expressed as
// pinned-page operations against a buffer.Pool. Structural mutations are
// serialized by a single tree-wide lock (the teacher's "global lock used for
// structural changes" pattern); record-level concurrency between
// transactions is the lock manager's job, layered on top by the kvstore
// facade.
package btree

import (
	"fmt"
	"sort"
	"sync"

	"github.com/intellect4all/storage-engines/pkg/buffer"
	"github.com/intellect4all/storage-engines/pkg/disk"
	"github.com/intellect4all/storage-engines/pkg/kverrors"
	"github.com/intellect4all/storage-engines/pkg/page"
)

// halfPayload is the split threshold spec.md §4.3 specifies: a leaf splits
// its combined slot set at the point cumulative slot+value size first
// reaches half of the 3968-byte payload.
const halfPayload = page.PayloadSize / 2

// Tree is one table's B+tree, bound to the shared buffer pool and disk
// manager. Callers take RLock for read-only operations (Find) and for
// in-place value updates, which are serialized per leaf by the buffer
// pool's writer pin, and Lock for anything that may restructure the tree
// (Insert, Delete).
type Tree struct {
	sync.RWMutex
	pool  *buffer.Pool
	disk  *disk.Manager
	table disk.TableID
}

// New binds a tree to table within pool/dm.
func New(pool *buffer.Pool, dm *disk.Manager, table disk.TableID) *Tree {
	return &Tree{pool: pool, disk: dm, table: table}
}

// unpin is a small convenience wrapper around the pool's UnpinPage, for
// pages pinned read-only (forWrite: false at fetch time).
func (t *Tree) unpin(p *page.Page, dirty bool) {
	_ = t.pool.UnpinPage(t.table, p.ID(), dirty)
}

// unpinWrite releases a page pinned forWrite: true at fetch time, clearing
// the buffer pool's outstanding-writer flag for that frame.
func (t *Tree) unpinWrite(p *page.Page, dirty bool) {
	_ = t.pool.UnpinWritePage(t.table, p.ID(), dirty)
}

// Unpin releases a page returned by FindLeaf/Lookup (exported for kvstore,
// which holds the leaf pinned across a lock-manager call and log write).
// forWrite must match the forWrite value the page was fetched with.
func (t *Tree) Unpin(p *page.Page, dirty, forWrite bool) {
	if forWrite {
		t.unpinWrite(p, dirty)
	} else {
		t.unpin(p, dirty)
	}
}

// FindLeaf descends from the root to the leaf that would contain key,
// returning it pinned; the caller must unpin it exactly once. Internal
// pages visited along the way are always fetched read-only and released
// before descending further (spec.md §4.3's hand-over-hand crabbing: a
// child is pinned before its parent is released). forWrite applies only to
// the final leaf, declaring the caller's intent to mutate it so the buffer
// pool can refuse a second concurrent writer on the same frame (spec.md
// §5). Returns kverrors.ErrNotFound if the tree is empty.
func (t *Tree) FindLeaf(key int64, forWrite bool) (*page.Page, error) {
	root, err := t.disk.RootPage(t.table)
	if err != nil {
		return nil, err
	}
	if root == page.NoPage {
		return nil, kverrors.ErrNotFound
	}
	pid := root
	var parent *page.Page
	for {
		leafWrite := false
		p, err := t.pool.FetchPage(t.table, pid, false)
		if err != nil {
			if parent != nil {
				t.unpin(parent, false)
			}
			return nil, err
		}
		if p.Kind() == page.KindLeaf {
			leafWrite = forWrite
			if parent != nil {
				t.unpin(parent, false)
			}
			if !leafWrite {
				return p, nil
			}
			// Re-acquire as a writer pin: the read-only descent pin above
			// never conflicts with a concurrent writer, but the leaf itself
			// must be handed back as the single outstanding mutable handle.
			t.unpin(p, false)
			return t.pool.FetchPage(t.table, pid, true)
		}
		child := p.ChildFor(key)
		if parent != nil {
			t.unpin(parent, false)
		}
		parent = p
		pid = child
	}
}

// Lookup locates key's leaf and slot index, returning the leaf pinned
// read-only. When err is nil the caller must unpin it (via Unpin with
// forWrite: false) exactly once; on error nothing is left pinned and leaf
// is nil. Returns kverrors.ErrNotFound if key isn't present.
func (t *Tree) Lookup(key int64) (leaf *page.Page, slotIdx int, err error) {
	leaf, err = t.FindLeaf(key, false)
	if err != nil {
		return nil, -1, err
	}
	idx := leaf.FindSlot(key)
	if idx < 0 {
		t.unpin(leaf, false)
		return nil, -1, kverrors.ErrNotFound
	}
	return leaf, idx, nil
}

// LookupForUpdate is Lookup's mutable counterpart: the returned leaf is
// pinned forWrite, so the buffer pool refuses a second concurrent
// LookupForUpdate landing on the same page (the two-keys-one-page race
// spec.md §5/§8 calls out) until this leaf is released via Unpin(...,
// forWrite: true). Returns kverrors.ErrNotFound if key isn't present.
func (t *Tree) LookupForUpdate(key int64) (leaf *page.Page, slotIdx int, err error) {
	leaf, err = t.FindLeaf(key, true)
	if err != nil {
		return nil, -1, err
	}
	idx := leaf.FindSlot(key)
	if idx < 0 {
		t.unpinWrite(leaf, false)
		return nil, -1, kverrors.ErrNotFound
	}
	return leaf, idx, nil
}

// Get is a convenience wrapper around Lookup for callers that don't need to
// hold the leaf pinned across a lock-manager call (tests, non-transactional
// reads).
func (t *Tree) Get(key int64) ([]byte, error) {
	leaf, idx, err := t.Lookup(key)
	if err != nil {
		return nil, err
	}
	defer t.unpin(leaf, false)
	return leaf.Value(leaf.Slots()[idx]), nil
}

// Insert adds a brand-new key/value, splitting leaves and internal pages as
// needed (db_insert). Returns kverrors.ErrDuplicate if key already exists.
func (t *Tree) Insert(key int64, value []byte) error {
	root, err := t.disk.RootPage(t.table)
	if err != nil {
		return err
	}
	if root == page.NoPage {
		leaf, err := t.pool.NewPage(t.table, page.KindLeaf)
		if err != nil {
			return err
		}
		leaf.InitLeaf(page.NoPage)
		if err := leaf.InsertSlot(key, value); err != nil {
			t.unpinWrite(leaf, true)
			return err
		}
		if err := t.disk.SetRootPage(t.table, leaf.ID()); err != nil {
			t.unpinWrite(leaf, true)
			return err
		}
		t.unpinWrite(leaf, true)
		return nil
	}

	leaf, err := t.FindLeaf(key, true)
	if err != nil {
		return err
	}
	if leaf.FindSlot(key) >= 0 {
		t.unpinWrite(leaf, false)
		return fmt.Errorf("btree: key %d: %w", key, kverrors.ErrDuplicate)
	}

	need := page.LeafSlotSize + len(value)
	if int(leaf.FreeSpace()) >= need {
		if err := leaf.InsertSlot(key, value); err != nil {
			t.unpinWrite(leaf, true)
			return err
		}
		t.unpinWrite(leaf, true)
		return nil
	}
	return t.splitLeafAndInsert(leaf, key, value)
}

// splitLeafAndInsert splits an overfull leaf in two, keeping the new key in
// whichever half it falls into, then promotes the right half's first key to
// the parent.
func (t *Tree) splitLeafAndInsert(leaf *page.Page, key int64, value []byte) error {
	slots := leaf.Slots()
	keys := make([]int64, 0, len(slots)+1)
	values := make([][]byte, 0, len(slots)+1)
	for _, s := range slots {
		keys = append(keys, s.Key)
		values = append(values, leaf.Value(s))
	}
	insertAt := sort.Search(len(keys), func(i int) bool { return keys[i] > key })
	keys = append(keys, 0)
	copy(keys[insertAt+1:], keys[insertAt:])
	keys[insertAt] = key
	values = append(values, nil)
	copy(values[insertAt+1:], values[insertAt:])
	values[insertAt] = value

	splitIdx := len(keys) / 2
	cum := 0
	for i := range keys {
		cum += page.LeafSlotSize + len(values[i])
		if cum >= halfPayload {
			splitIdx = i + 1
			break
		}
	}
	if splitIdx <= 0 {
		splitIdx = 1
	}
	if splitIdx >= len(keys) {
		splitIdx = len(keys) - 1
	}

	newLeaf, err := t.pool.NewPage(t.table, page.KindLeaf)
	if err != nil {
		t.unpinWrite(leaf, false)
		return err
	}
	newLeaf.InitLeaf(leaf.ParentPage())
	newLeaf.SetSiblingPage(leaf.SiblingPage())
	newLeaf.ReplaceAll(keys[splitIdx:], values[splitIdx:])

	leaf.ReplaceAll(keys[:splitIdx], values[:splitIdx])
	leaf.SetSiblingPage(newLeaf.ID())

	upKey := keys[splitIdx]
	return t.insertIntoParent(leaf, upKey, newLeaf)
}

// insertIntoParent attaches newRight as the tree node following left under
// left's parent, promoting upKey. left and newRight are both pinned on
// entry; both are unpinned before returning (directly or via further
// recursive splits).
func (t *Tree) insertIntoParent(left *page.Page, upKey int64, newRight *page.Page) error {
	parentPID := left.ParentPage()

	if parentPID == page.NoPage {
		newRoot, err := t.pool.NewPage(t.table, page.KindInternal)
		if err != nil {
			t.unpinWrite(left, true)
			t.unpinWrite(newRight, true)
			return err
		}
		newRoot.InitInternal(page.NoPage, left.ID())
		if err := newRoot.InsertEntry(upKey, newRight.ID()); err != nil {
			t.unpinWrite(left, true)
			t.unpinWrite(newRight, true)
			t.unpinWrite(newRoot, true)
			return err
		}
		if err := t.disk.SetRootPage(t.table, newRoot.ID()); err != nil {
			t.unpinWrite(left, true)
			t.unpinWrite(newRight, true)
			t.unpinWrite(newRoot, true)
			return err
		}
		left.SetParentPage(newRoot.ID())
		newRight.SetParentPage(newRoot.ID())
		t.unpinWrite(left, true)
		t.unpinWrite(newRight, true)
		t.unpinWrite(newRoot, true)
		return nil
	}

	newRight.SetParentPage(parentPID)
	parent, err := t.pool.FetchPage(t.table, parentPID, true)
	if err != nil {
		t.unpinWrite(left, true)
		t.unpinWrite(newRight, true)
		return err
	}
	t.unpinWrite(left, true)
	t.unpinWrite(newRight, true)

	if len(parent.Entries()) < page.MaxInternalEntries {
		if err := parent.InsertEntry(upKey, newRight.ID()); err != nil {
			t.unpinWrite(parent, true)
			return err
		}
		t.unpinWrite(parent, true)
		return nil
	}
	return t.splitInternalAndInsert(parent, upKey, newRight.ID())
}

// splitInternalAndInsert splits an overfull internal page. The entry at the
// split point is not copied into either half: its key is promoted to the
// grandparent and its child pointer becomes the new right page's
// left_child_page. Every combined entry is unconditionally placed into the
// assembled array before either half is written back, which is what rules
// out the "left_index == 0 leaves temp[0].child unpopulated" class of bug
// spec.md §9 flags in the original insert_into_page_after_splitting.
func (t *Tree) splitInternalAndInsert(parent *page.Page, key int64, child page.ID) error {
	existing := parent.Entries()
	all := make([]page.Entry, 0, len(existing)+1)
	idx := sort.Search(len(existing), func(i int) bool { return existing[i].Key > key })
	all = append(all, existing[:idx]...)
	all = append(all, page.Entry{Key: key, Child: child})
	all = append(all, existing[idx:]...)

	mid := len(all) / 2
	midKey := all[mid].Key
	leftEntries := all[:mid]
	rightLeftChild := all[mid].Child
	rightEntries := all[mid+1:]

	parent.ReplaceEntries(leftEntries)

	newRight, err := t.pool.NewPage(t.table, page.KindInternal)
	if err != nil {
		t.unpinWrite(parent, true)
		return err
	}
	newRight.InitInternal(parent.ParentPage(), rightLeftChild)
	for _, e := range rightEntries {
		if err := newRight.InsertEntry(e.Key, e.Child); err != nil {
			t.unpinWrite(parent, true)
			t.unpinWrite(newRight, true)
			return err
		}
	}

	if err := t.reparent(rightLeftChild, newRight.ID()); err != nil {
		t.unpinWrite(parent, true)
		t.unpinWrite(newRight, true)
		return err
	}
	for _, e := range rightEntries {
		if err := t.reparent(e.Child, newRight.ID()); err != nil {
			t.unpinWrite(parent, true)
			t.unpinWrite(newRight, true)
			return err
		}
	}

	return t.insertIntoParent(parent, midKey, newRight)
}

// reparent fetches child and rewrites its parent_page, maintaining I2 after
// an internal split or merge moves it to a different subtree.
func (t *Tree) reparent(child page.ID, newParent page.ID) error {
	p, err := t.pool.FetchPage(t.table, child, true)
	if err != nil {
		return err
	}
	p.SetParentPage(newParent)
	t.unpinWrite(p, true)
	return nil
}
