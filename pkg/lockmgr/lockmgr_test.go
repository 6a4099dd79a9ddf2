package lockmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/intellect4all/storage-engines/pkg/kverrors"
)

func rid(slot int64) RecordID { return RecordID{Table: 1, Page: 2, Slot: slot} }

func TestSharedLocksAreCompatible(t *testing.T) {
	m := New()
	if err := m.Acquire(rid(5), 1, Shared); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(rid(5), 2, Shared); err != nil {
		t.Fatalf("second shared lock should be compatible: %v", err)
	}
}

func TestExclusiveBlocksThenGrantsAfterRelease(t *testing.T) {
	m := New()
	if err := m.Acquire(rid(5), 1, Exclusive); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(rid(5), 2, Exclusive)
	}()

	select {
	case <-done:
		t.Fatal("second exclusive lock granted while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	m.ReleaseAll(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected grant after release, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woken after release")
	}
}

func TestDeadlockDetected(t *testing.T) {
	m := New()
	// T1 X-locks 5, T2 X-locks 7.
	if err := m.Acquire(rid(5), 1, Exclusive); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(rid(7), 2, Exclusive); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make(map[int64]error)
	var mu sync.Mutex
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := m.Acquire(rid(7), 1, Exclusive) // T1 waits on T2
		mu.Lock()
		results[1] = err
		mu.Unlock()
	}()

	time.Sleep(20 * time.Millisecond) // ensure T1's wait is registered first

	go func() {
		defer wg.Done()
		err := m.Acquire(rid(5), 2, Exclusive) // T2 waits on T1 -> cycle
		mu.Lock()
		results[2] = err
		mu.Unlock()
		if err != nil {
			// Caller-driven abort: release whatever T2 held so the
			// survivor (T1) can make progress.
			m.ReleaseAll(2)
		}
	}()

	wg.Wait()

	// Exactly one of the two must have been told Deadlock.
	var deadlocks int
	for _, err := range results {
		if err != nil {
			if kverrors.KindOf(err) != kverrors.KindDeadlock {
				t.Fatalf("unexpected error: %v", err)
			}
			deadlocks++
		}
	}
	if deadlocks != 1 {
		t.Fatalf("expected exactly one Deadlock, got %d among %+v", deadlocks, results)
	}
}
