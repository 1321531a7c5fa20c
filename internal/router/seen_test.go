package router

import (
	"fmt"
	"sync"
	"testing"
)

func TestObserve_DetectsDuplicates(t *testing.T) {
	sb := NewSeenBuffer(4)

	if sb.Observe("c1", "m1") {
		t.Fatal("expected first observation of m1 not to be a duplicate")
	}
	if !sb.Observe("c1", "m1") {
		t.Fatal("expected second observation of m1 to be a duplicate")
	}
	if sb.Observe("c2", "m1") {
		t.Fatal("expected m1 in another conversation not to be a duplicate")
	}
	if sb.Observe("c1", "") || sb.Observe("c1", "") {
		t.Fatal("expected empty ids never to be duplicates")
	}
}

func TestRingBufferWraparound(t *testing.T) {
	sb := NewSeenBuffer(5)

	// Observe 7 ids; the buffer holds only 5.
	for i := 1; i <= 7; i++ {
		sb.Observe("c1", fmt.Sprintf("m-%d", i))
	}

	// ids 3 through 7 are retained.
	for i := 3; i <= 7; i++ {
		if id := fmt.Sprintf("m-%d", i); !sb.Observe("c1", id) {
			t.Errorf("expected retained id %s to be a duplicate", id)
		}
	}
	if sb.Observe("c1", "m-1") {
		t.Error("expected evicted id m-1 to be accepted again")
	}
}

func TestRemove(t *testing.T) {
	sb := NewSeenBuffer(5)

	sb.Observe("c1", "m1")
	sb.Observe("c1", "m2")
	sb.Observe("c2", "m1")
	sb.Remove("c1")

	if sb.Observe("c1", "m1") {
		t.Fatal("expected m1 to be new after remove")
	}
	if !sb.Observe("c2", "m1") {
		t.Fatal("expected other conversations to keep their ids")
	}

	// Should not panic.
	sb.Remove("does-not-exist")
}

func TestConcurrentObserve(t *testing.T) {
	sb := NewSeenBuffer(DefaultSeenWindow)
	goroutines := 50

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			// Every goroutine observes the same id; exactly one sees it first.
			if !sb.Observe("c1", "same") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Fatalf("expected exactly one first observation, got %d", fresh)
	}
}
