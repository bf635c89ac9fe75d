// ============================================================================
// RUNNER - BLOCK DISPATCH PIPELINE
// ============================================================================
//
// The runner is a single logical pipeline stage on a dedicated goroutine.
// Per pulled block it:
//
//  1. Stamps fences allocated since the previous boundary into the block
//  2. Applies queued boundary operations (synchronized-group start/stop/
//     clear land here so every child sees the identical stream prefix)
//  3. Snapshots the measurement list; the registry may mutate mid-block
//  4. Runs transforms sequentially in creation order: a virtual channel's
//     publisher always observes a block before that block's consumers,
//     and its in-place mutations are visible downstream
//  5. Fans the block out to the remaining measurements concurrently
//     under their own mutexes, bounded by the delivery semaphore
//  6. Joins all in-flight work and completes the block's fences,
//     releasing waiters
//
// Failure semantics:
//   - Per-measurement faults are absorbed inside deliver; the runner and
//     peer measurements never observe them
//   - End of stream force-completes outstanding fences and flushes
//     boundary operations so no client wait hangs on a dead session

package engine

import (
	"sync"

	"tagstream/control"
	"tagstream/tags"
	"tagstream/telemetry"
)

// taggerState is the registry half of the Tagger: the measurement list
// and the queue of block-boundary operations.
type taggerState struct {
	mu           sync.Mutex
	measurements []*Base
	nextOrder    uint64
	boundaryOps  []*boundaryOp
	runnerClosed bool
}

type boundaryOp struct {
	fn   func()
	done chan struct{}
}

func (t *Tagger) addMeasurement(b *Base) {
	t.state.mu.Lock()
	b.orderKey = t.state.nextOrder
	t.state.nextOrder++
	t.state.measurements = append(t.state.measurements, b)
	t.state.mu.Unlock()
	telemetry.LiveMeasurements.Inc()
}

func (t *Tagger) removeMeasurement(b *Base) {
	t.state.mu.Lock()
	ms := t.state.measurements
	for i, m := range ms {
		if m == b {
			t.state.measurements = append(ms[:i], ms[i+1:]...)
			telemetry.LiveMeasurements.Dec()
			break
		}
	}
	t.state.mu.Unlock()
}

// RunOnBlockBoundary queues fn for execution between two blocks on the
// dispatch goroutine, where no measurement holds a block in flight.
// With wait set the call blocks until fn ran. After stream end, fn runs
// inline.
func (t *Tagger) RunOnBlockBoundary(fn func(), wait bool) {
	op := &boundaryOp{fn: fn, done: make(chan struct{})}

	t.state.mu.Lock()
	if t.state.runnerClosed {
		t.state.mu.Unlock()
		fn()
		close(op.done)
		return
	}
	t.state.boundaryOps = append(t.state.boundaryOps, op)
	t.state.mu.Unlock()

	if wait {
		<-op.done
	}
}

func (t *Tagger) runBoundaryOps() {
	t.state.mu.Lock()
	ops := t.state.boundaryOps
	t.state.boundaryOps = nil
	t.state.mu.Unlock()

	for _, op := range ops {
		op.fn()
		close(op.done)
	}
}

// run is the dispatch loop body; one goroutine per Tagger.
func (t *Tagger) run() {
	if t.pinCPU >= 0 {
		pinDispatchThread(t.pinCPU)
	}

	for {
		blk, ok := t.source.NextBlock()
		if !ok {
			break
		}
		control.SignalActivity()

		blk.Fences = append(blk.Fences, t.fences.TakeStamped()...)

		t.runBoundaryOps()
		t.dispatch(&blk)

		for _, f := range blk.Fences {
			t.fences.Complete(f)
			telemetry.FenceCompletions.Inc()
		}
		control.PollCooldown()
	}

	// Stream over: no further sentinel can complete, so release every
	// pending wait and run queued boundary ops inline from now on.
	t.state.mu.Lock()
	t.state.runnerClosed = true
	t.state.mu.Unlock()
	t.runBoundaryOps()
	if last := t.fences.Last(); last > 0 {
		t.fences.Complete(last)
	}
	close(t.runnerDone)
}

// dispatch fans one block out to the current measurement set.
func (t *Tagger) dispatch(blk *tags.Block) {
	t.state.mu.Lock()
	ms := make([]*Base, len(t.state.measurements))
	copy(ms, t.state.measurements)
	t.state.mu.Unlock()

	fenceDone := t.fences.Completed()

	// Transform lane: virtual-channel publishers, sequential in creation
	// order. Consumers can only have been constructed after the channel
	// they consume existed, so creation order respects the dependency
	// DAG; mutated blocks flow downstream in that same order.
	for _, m := range ms {
		if m.producesVirtual {
			m.deliver(blk, fenceDone)
		}
	}

	// Concurrent wave: everything else, no observable ordering among
	// non-mutating measurements.
	var wg sync.WaitGroup
	for _, m := range ms {
		if m.producesVirtual {
			continue
		}
		wg.Add(1)
		t.sem <- struct{}{}
		go func(m *Base) {
			defer func() {
				<-t.sem
				wg.Done()
			}()
			m.deliver(blk, fenceDone)
		}(m)
	}
	wg.Wait()

	telemetry.BlocksDispatched.Inc()
	telemetry.TagsProcessed.Add(float64(len(blk.Tags)))
}
