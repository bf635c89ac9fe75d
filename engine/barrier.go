// ============================================================================
// ORDERED BARRIER - COMPLETION ORDERING FOR PARALLEL MEASUREMENTS
// ============================================================================
//
// A measurement that parallelizes its own block processing releases its
// mutex while the work runs, then serializes completion through a
// monotonic ticket so result state is still updated in block order.
//
// Protocol:
//   - Queue hands out the next ticket while the caller still holds the
//     measurement mutex, freezing the block order
//   - Sync blocks until every earlier ticket has released
//   - Release marks the ticket done (syncing first if needed) and wakes
//     the successor; it is idempotent

package engine

import "sync"

// OrderedBarrier serializes ticket completion in issue order.
type OrderedBarrier struct {
	mu sync.Mutex
	cv *sync.Cond

	accumulator  uint64 // next ticket id to hand out
	currentState uint64 // tickets fully released
}

// NewOrderedBarrier builds an empty barrier.
func NewOrderedBarrier() *OrderedBarrier {
	b := &OrderedBarrier{}
	b.cv = sync.NewCond(&b.mu)
	return b
}

// OrderInstance is one ticket in the barrier's issue order.
type OrderInstance struct {
	parent   *OrderedBarrier
	id       uint64
	released bool
}

// Queue issues the next ticket. Call while the block order is still
// frozen (under the measurement mutex).
func (b *OrderedBarrier) Queue() *OrderInstance {
	b.mu.Lock()
	inst := &OrderInstance{parent: b, id: b.accumulator}
	b.accumulator++
	b.mu.Unlock()
	return inst
}

// WaitUntilFinished blocks until every issued ticket has released.
func (b *OrderedBarrier) WaitUntilFinished() {
	b.mu.Lock()
	for b.currentState < b.accumulator {
		b.cv.Wait()
	}
	b.mu.Unlock()
}

// Sync blocks until all earlier tickets have released, establishing the
// point where ordered result-state updates may begin.
func (o *OrderInstance) Sync() {
	b := o.parent
	b.mu.Lock()
	for b.currentState < o.id {
		b.cv.Wait()
	}
	b.mu.Unlock()
}

// Release completes the ticket, syncing first if the caller has not.
// Idempotent; always release a ticket, even on the failure path.
func (o *OrderInstance) Release() {
	if o.released {
		return
	}
	b := o.parent
	b.mu.Lock()
	for b.currentState < o.id {
		b.cv.Wait()
	}
	b.currentState++
	o.released = true
	b.cv.Broadcast()
	b.mu.Unlock()
}

// OrderedPipeline is the per-measurement handle for Parallelize: one
// pipeline stage with its barrier, created lazily on first use.
type OrderedPipeline struct {
	barrier *OrderedBarrier
}

// Parallelize releases the measurement mutex mid-OnBlock and returns the
// ticket that serializes this block's completion. The caller performs
// its heavy work, then Sync()s before touching result state and
// Release()s when done. Only valid inside OnBlock.
func (b *Base) Parallelize(p *OrderedPipeline) *OrderInstance {
	if p.barrier == nil {
		p.barrier = NewOrderedBarrier()
	}
	inst := p.barrier.Queue()
	b.lockYielded = true
	b.mu.Unlock()
	return inst
}
