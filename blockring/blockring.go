// ============================================================================
// BLOCK RING - BOUNDED QUEUE BETWEEN STREAM READER AND DISPATCHER
// ============================================================================
//
// Fixed-capacity FIFO of tag blocks decoupling the producer's reader
// goroutine from the dispatch loop.
//
// Core capabilities:
//   - Power-of-2 sizing with bit masking for O(1) slot addressing
//   - Blocking Push when full: the reader throttles instead of dropping,
//     preserving the ordered-block contract
//   - Blocking Pop when empty, with clean close semantics
//
// Safety model:
//   - Any number of producers and consumers; one mutex guards the cursors
//   - Close is idempotent; Pop drains remaining blocks before reporting
//     end of stream

package blockring

import (
	"sync"

	"tagstream/tags"
)

// Ring is a bounded FIFO of blocks.
type Ring struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	buf  []tags.Block
	mask uint64
	head uint64 // consumer cursor
	tail uint64 // producer cursor

	closed bool
}

// New creates a ring with the given capacity.
// Capacity must be a positive power of two.
func New(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("blockring: size must be >0 and power of two")
	}
	r := &Ring{
		buf:  make([]tags.Block, size),
		mask: uint64(size - 1),
	}
	r.notFull = sync.NewCond(&r.mu)
	r.notEmpty = sync.NewCond(&r.mu)
	return r
}

// Push enqueues a block, blocking while the ring is full.
// Returns false if the ring was closed.
func (r *Ring) Push(b tags.Block) bool {
	r.mu.Lock()
	for r.tail-r.head > r.mask && !r.closed {
		r.notFull.Wait()
	}
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.buf[r.tail&r.mask] = b
	r.tail++
	r.notEmpty.Signal()
	r.mu.Unlock()
	return true
}

// Pop dequeues the next block, blocking while the ring is empty.
// Returns false once the ring is closed and drained.
func (r *Ring) Pop() (tags.Block, bool) {
	r.mu.Lock()
	for r.head == r.tail && !r.closed {
		r.notEmpty.Wait()
	}
	if r.head == r.tail {
		r.mu.Unlock()
		return tags.Block{}, false
	}
	b := r.buf[r.head&r.mask]
	r.buf[r.head&r.mask] = tags.Block{} // drop references for GC
	r.head++
	r.notFull.Signal()
	r.mu.Unlock()
	return b, true
}

// Len returns the number of queued blocks.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.tail - r.head)
}

// Close ends the stream: blocked producers return false, consumers drain
// the remaining blocks and then see end of stream. Idempotent.
func (r *Ring) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.notFull.Broadcast()
		r.notEmpty.Broadcast()
	}
	r.mu.Unlock()
}
