package page

import "testing"

func TestLeafInsertFindDelete(t *testing.T) {
	p := New(1, KindLeaf)
	p.InitLeaf(NoPage)

	if err := p.InsertSlot(5, []byte("A")); err != nil {
		t.Fatalf("insert 5: %v", err)
	}
	if err := p.InsertSlot(7, []byte("B")); err != nil {
		t.Fatalf("insert 7: %v", err)
	}
	if err := p.InsertSlot(3, []byte("C")); err != nil {
		t.Fatalf("insert 3: %v", err)
	}

	slots := p.Slots()
	if len(slots) != 3 {
		t.Fatalf("want 3 slots, got %d", len(slots))
	}
	for i := 1; i < len(slots); i++ {
		if slots[i-1].Key >= slots[i].Key {
			t.Fatalf("slots not ascending: %v", slots)
		}
	}

	idx := p.FindSlot(7)
	if idx < 0 {
		t.Fatal("key 7 not found")
	}
	if got := string(p.Value(slots[idx])); got != "B" {
		t.Fatalf("value for 7 = %q, want B", got)
	}

	wantFree := uint16(PayloadSize - 3*LeafSlotSize - 3)
	if p.FreeSpace() != wantFree {
		t.Fatalf("free_space = %d, want %d (I3)", p.FreeSpace(), wantFree)
	}

	if err := p.InsertSlot(7, []byte("dup")); !IsDuplicateErr(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	old, err := p.DeleteSlot(7)
	if err != nil {
		t.Fatalf("delete 7: %v", err)
	}
	if string(old) != "B" {
		t.Fatalf("deleted value = %q, want B", old)
	}
	if p.FindSlot(7) >= 0 {
		t.Fatal("key 7 still present after delete")
	}
	wantFree = uint16(PayloadSize - 2*LeafSlotSize - 2)
	if p.FreeSpace() != wantFree {
		t.Fatalf("free_space after delete = %d, want %d", p.FreeSpace(), wantFree)
	}
}

func TestLeafInPlaceUpdate(t *testing.T) {
	p := New(1, KindLeaf)
	p.InitLeaf(NoPage)
	if err := p.InsertSlot(42, []byte("xyz")); err != nil {
		t.Fatal(err)
	}
	before, err := p.SetValueInPlace(42, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != "xyz" {
		t.Fatalf("before-image = %q, want xyz", before)
	}
	if _, err := p.SetValueInPlace(42, []byte("toolong")); err == nil {
		t.Fatal("expected size-mismatch error on differing length")
	}
}

func TestInternalEntries(t *testing.T) {
	p := New(2, KindInternal)
	p.InitInternal(NoPage, 10)
	if err := p.InsertEntry(20, 11); err != nil {
		t.Fatal(err)
	}
	if err := p.InsertEntry(40, 12); err != nil {
		t.Fatal(err)
	}

	if got := p.ChildFor(5); got != 10 {
		t.Fatalf("ChildFor(5) = %d, want left child 10", got)
	}
	if got := p.ChildFor(20); got != 11 {
		t.Fatalf("ChildFor(20) = %d, want 11", got)
	}
	if got := p.ChildFor(100); got != 12 {
		t.Fatalf("ChildFor(100) = %d, want 12", got)
	}

	idx, isLeft := p.IndexOfChild(10)
	if !isLeft || idx != -1 {
		t.Fatalf("IndexOfChild(10) = (%d,%v), want left child", idx, isLeft)
	}
	idx, isLeft = p.IndexOfChild(12)
	if isLeft || idx != 1 {
		t.Fatalf("IndexOfChild(12) = (%d,%v), want (1,false)", idx, isLeft)
	}
}

func TestHeaderPageRoundTrip(t *testing.T) {
	p := New(0, KindHeader)
	p.InitHeader(2560, 1)
	p.SetRootPage(5)

	raw := append([]byte(nil), p.Bytes()...)
	p2, err := FromBytes(0, raw)
	if err != nil {
		t.Fatal(err)
	}
	if p2.NumPages() != 2560 || p2.FirstFreePage() != 1 || p2.RootPage() != 5 {
		t.Fatalf("header round-trip mismatch: %+v", p2)
	}
}
