// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: blockring_test.go — unit and stress tests for the block ring
//
// Purpose:
//   - FIFO ordering, capacity blocking, close/drain semantics
//   - Producer/consumer stress with full ordering verification
//
// ─────────────────────────────────────────────────────────────────────────────

package blockring

import (
	"sync/atomic"
	"testing"
	"time"

	"tagstream/tags"
)

func block(begin, end int64) tags.Block {
	return tags.Block{Begin: begin, End: end}
}

func TestFIFOOrder(t *testing.T) {
	r := New(8)
	for i := int64(0); i < 5; i++ {
		if !r.Push(block(i, i+1)) {
			t.Fatalf("Push %d failed", i)
		}
	}
	if got := r.Len(); got != 5 {
		t.Fatalf("Len: want 5 got %d", got)
	}
	for i := int64(0); i < 5; i++ {
		b, ok := r.Pop()
		if !ok || b.Begin != i {
			t.Fatalf("Pop %d: got begin %d ok %v", i, b.Begin, ok)
		}
	}
}

func TestInvalidSizePanics(t *testing.T) {
	for _, size := range []int{0, -1, 3, 12} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("New(%d): expected panic", size)
				}
			}()
			New(size)
		}()
	}
}

func TestPushBlocksWhenFull(t *testing.T) {
	r := New(2)
	r.Push(block(0, 1))
	r.Push(block(1, 2))

	var pushed atomic.Bool
	go func() {
		r.Push(block(2, 3))
		pushed.Store(true)
	}()

	time.Sleep(20 * time.Millisecond)
	if pushed.Load() {
		t.Fatal("Push proceeded past capacity")
	}

	if b, ok := r.Pop(); !ok || b.Begin != 0 {
		t.Fatalf("Pop: got %v ok %v", b.Begin, ok)
	}

	deadline := time.After(time.Second)
	for !pushed.Load() {
		select {
		case <-deadline:
			t.Fatal("Push did not unblock after Pop")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestCloseDrains(t *testing.T) {
	r := New(4)
	r.Push(block(0, 1))
	r.Push(block(1, 2))
	r.Close()

	if ok := r.Push(block(2, 3)); ok {
		t.Fatal("Push after Close: want false")
	}

	for i := int64(0); i < 2; i++ {
		b, ok := r.Pop()
		if !ok || b.Begin != i {
			t.Fatalf("drain Pop %d: got %d ok %v", i, b.Begin, ok)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("Pop on closed empty ring: want false")
	}
}

func TestCloseReleasesBlockedPop(t *testing.T) {
	r := New(2)
	done := make(chan bool, 1)
	go func() {
		_, ok := r.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	r.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Pop on closed ring returned a block")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not release blocked Pop")
	}
}

func TestStressOrdering(t *testing.T) {
	const total = 100_000
	r := New(64)

	go func() {
		for i := int64(0); i < total; i++ {
			r.Push(block(i, i+1))
		}
		r.Close()
	}()

	var want int64
	for {
		b, ok := r.Pop()
		if !ok {
			break
		}
		if b.Begin != want {
			t.Fatalf("out of order: want %d got %d", want, b.Begin)
		}
		want++
	}
	if want != total {
		t.Fatalf("drained %d blocks, want %d", want, total)
	}
}
