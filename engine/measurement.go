// ============================================================================
// MEASUREMENT BASE - LIFECYCLE AND DISPATCH CONTRACT
// ============================================================================
//
// Base owns everything common to stream consumers: the per-measurement
// mutex, running/aborting state, fence gating of first delivery, bounded
// capture durations, and the fault channel toward WaitUntilFinished.
//
// Architecture overview:
//   - Capability interface: concrete measurements implement OnBlock,
//     ClearImpl, OnStart, OnStop; Base seals the lifecycle around them
//   - One mutex per measurement guards all mutable state and is held
//     across OnBlock; it is the only lock a measurement needs
//   - Abort cooperates at OnBlock-iteration granularity via CheckForAbort,
//     which panics with AbortError; the dispatcher recovers it
//
// Delivery protocol:
//   - A block is ignored until the fence allocated at Start has been
//     processed, so construction-time configuration is live in every
//     block the measurement sees
//   - While running, captureDuration accumulates stream time, clipped to
//     an optional bound that triggers self-stop mid-block
//
// Safety model:
//   - OnBlock must not call back into producer mutation APIs while its
//     own mutex is held; it returns and schedules such work instead
//   - Faults raised inside OnBlock stop only the raising measurement

package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tagstream/debug"
	"tagstream/tags"
	"tagstream/telemetry"
)

// AbortError is the distinguished fault raised by CheckForAbort and
// recovered by the dispatcher. It is treated as a stop, not a session
// failure.
type AbortError struct{}

func (*AbortError) Error() string {
	return "engine: measurement aborted, last block may be partially applied"
}

// ErrAborted is the canonical AbortError instance surfaced from
// WaitUntilFinished after an Abort.
var ErrAborted = &AbortError{}

// MeasurementFault wraps any non-abort failure raised inside OnBlock.
// It is scoped to the raising measurement; peers and the dispatcher
// continue unaffected.
type MeasurementFault struct {
	Cause any
}

func (f *MeasurementFault) Error() string {
	return fmt.Sprintf("engine: measurement fault: %v", f.Cause)
}

// Measurement is the capability interface a concrete measurement plugs
// into its Base. All four callbacks run under the measurement mutex.
type Measurement interface {
	// OnBlock processes one ordered block. The callee may mutate the
	// tag slice in place (transforms inject or drop tags) and must
	// report whether it did so. begin/end delimit the processed stream
	// interval; tags outside a clipped interval are never passed in.
	OnBlock(incoming *[]tags.Tag, begin, end tags.Timestamp) bool

	// ClearImpl resets accumulated result state.
	ClearImpl()

	// OnStart runs when the measurement is armed.
	OnStart()

	// OnStop runs when the measurement stops, after any in-flight
	// block has completed.
	OnStop()
}

// Base carries the shared lifecycle state of one measurement. Concrete
// measurements embed *Base and implement Measurement.
type Base struct {
	tagger TaggerBase
	impl   Measurement

	mu sync.Mutex
	// lockYielded marks that OnBlock released the mutex via Parallelize;
	// the dispatcher then skips its own unlock.
	lockYielded bool

	running     bool
	autostart   bool
	initialized bool
	aborting    atomic.Bool

	fault error

	captureDuration    tags.Timestamp
	maxCaptureDuration tags.Timestamp // <0 means unbounded
	runningSince       tags.Timestamp // stream time accounting anchor, <0 until first block

	minFence uint32

	channels        []tags.ChannelID
	virtualChannels []tags.ChannelID
	producesVirtual bool

	orderKey uint64

	// stopCh is created on start and closed on the running->stopped
	// transition; WaitUntilFinished blocks on it.
	stopCh chan struct{}
}

// NewBase binds a concrete measurement to its producer. The measurement
// is not delivered blocks until FinishInitialization.
func NewBase(t TaggerBase, impl Measurement) *Base {
	return &Base{
		tagger:             t,
		impl:               impl,
		autostart:          true,
		maxCaptureDuration: -1,
		runningSince:       -1,
	}
}

// ─────────────────────────────────────────────────────────────────────────
// Construction-time API (single-threaded, before FinishInitialization)
// ─────────────────────────────────────────────────────────────────────────

// RegisterChannel subscribes the measurement to a channel. Construction
// time only; the registration is fenced by the Start fence.
func (b *Base) RegisterChannel(ch tags.ChannelID) error {
	if err := b.tagger.registerChannel(ch); err != nil {
		return err
	}
	b.channels = append(b.channels, ch)
	return nil
}

// NewVirtualChannel allocates a virtual output channel owned by this
// measurement, released on Close. Allocating one marks the measurement
// as a transform, ordered before virtual-channel consumers in dispatch.
func (b *Base) NewVirtualChannel() tags.ChannelID {
	ch := b.tagger.allocVirtualChannel()
	b.virtualChannels = append(b.virtualChannels, ch)
	b.producesVirtual = true
	return ch
}

// FinishInitialization registers the measurement for dispatch and, unless
// a synchronized-group proxy suppressed it, starts acquisition.
func (b *Base) FinishInitialization() {
	b.tagger.addMeasurement(b)
	b.initialized = true
	if b.autostart {
		b.Start()
	}
}

// Tagger returns the producer handle the measurement was built against.
func (b *Base) Tagger() TaggerBase { return b.tagger }

// Lock acquires the measurement mutex. Concrete measurements take it
// around result readout; the dispatcher holds it across OnBlock, so a
// locked read never observes a half-applied block.
func (b *Base) Lock() { b.mu.Lock() }

// Unlock releases the measurement mutex.
func (b *Base) Unlock() { b.mu.Unlock() }

// ─────────────────────────────────────────────────────────────────────────
// Public lifecycle API
// ─────────────────────────────────────────────────────────────────────────

// Start arms the measurement: a fresh fence gates the first delivery so
// construction-time configuration is live in every observed block.
func (b *Base) Start() {
	f := b.tagger.GetFence(true)
	b.mu.Lock()
	b.startLocked(f)
	b.mu.Unlock()
}

// StartFor arms the measurement with a capture bound: after duration
// picoseconds of processed stream time the measurement stops itself.
// clearFirst resets accumulated data before arming.
func (b *Base) StartFor(duration tags.Timestamp, clearFirst bool) {
	f := b.tagger.GetFence(true)
	b.mu.Lock()
	if clearFirst {
		b.clearLocked()
	}
	b.maxCaptureDuration = duration
	b.startLocked(f)
	b.mu.Unlock()
}

// startLocked arms under the mutex with a pre-allocated fence; the fence
// is allocated outside so a pressure-blocked allocation can never hold
// the measurement mutex against the dispatcher.
func (b *Base) startLocked(fence uint32) {
	if b.running {
		return
	}
	b.minFence = fence
	b.fault = nil
	b.aborting.Store(false)
	b.runningSince = -1
	b.stopCh = make(chan struct{})
	b.impl.OnStart()
	b.running = true
}

// Stop detaches the measurement from dispatch while keeping result state
// readable. Acquiring the mutex waits out any in-flight OnBlock, so the
// stop transition always lands on a block boundary. Idempotent.
func (b *Base) Stop() {
	b.mu.Lock()
	b.finishLocked(nil, true)
	b.mu.Unlock()
}

// Clear zeros result state and the capture duration. Safe while running:
// the next dispatched block starts from zero.
func (b *Base) Clear() {
	b.mu.Lock()
	b.clearLocked()
	b.mu.Unlock()
}

func (b *Base) clearLocked() {
	b.captureDuration = 0
	b.runningSince = -1
	b.fault = nil
	b.impl.ClearImpl()
}

// Abort tears down the next-block path immediately. A long OnBlock loop
// observes the flag through CheckForAbort and unwinds; the dispatcher
// treats the unwind as a stop and WaitUntilFinished surfaces ErrAborted.
// The most recent block may be partially applied.
func (b *Base) Abort() {
	b.aborting.Store(true)
	// Waits out an in-flight OnBlock; if that block already unwound via
	// CheckForAbort the transition below is a no-op.
	b.mu.Lock()
	b.finishLocked(ErrAborted, false)
	b.mu.Unlock()
	telemetry.Aborts.Inc()
}

// CheckForAbort must be polled inside long OnBlock loops. It unwinds
// with AbortError when an abort is pending.
//
//go:inline
func (b *Base) CheckForAbort() {
	if b.aborting.Load() {
		panic(ErrAborted)
	}
}

// IsRunning reports whether the measurement is collecting data.
func (b *Base) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// GetCaptureDuration returns the stream time processed while running
// since creation or the last Clear.
func (b *Base) GetCaptureDuration() tags.Timestamp {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.captureDuration
}

// WaitUntilFinished blocks until the measurement has stopped, either
// explicitly or because its bounded capture duration elapsed. timeout is
// in milliseconds: negative waits forever, zero probes. A stored fault
// (abort or OnBlock failure) is surfaced alongside the result. Calling
// it on an unbounded running measurement logs an error and returns
// immediately.
func (b *Base) WaitUntilFinished(timeout int64) (bool, error) {
	b.mu.Lock()
	if !b.running {
		fault := b.fault
		b.mu.Unlock()
		return true, fault
	}
	if b.maxCaptureDuration < 0 {
		b.mu.Unlock()
		debug.DropMessage("WAIT", "waitUntilFinished called on an unbounded running measurement")
		return false, nil
	}
	stopCh := b.stopCh
	b.mu.Unlock()

	if timeout < 0 {
		<-stopCh
	} else {
		timer := time.NewTimer(time.Duration(timeout) * time.Millisecond)
		select {
		case <-stopCh:
			timer.Stop()
		case <-timer.C:
			return false, nil
		}
	}

	b.mu.Lock()
	fault := b.fault
	b.mu.Unlock()
	return true, fault
}

// Close stops the measurement, removes it from dispatch, and releases
// its channels. The measurement stays readable but receives no further
// blocks.
func (b *Base) Close() {
	b.Stop()
	if b.initialized {
		b.tagger.removeMeasurement(b)
		b.initialized = false
	}
	for _, ch := range b.channels {
		if err := b.tagger.unregisterChannel(ch); err != nil {
			debug.DropError("CLOSE", err)
		}
	}
	b.channels = nil
	for _, ch := range b.virtualChannels {
		if err := b.tagger.releaseVirtualChannel(ch); err != nil {
			debug.DropError("CLOSE", err)
		}
	}
	b.virtualChannels = nil
}

// ─────────────────────────────────────────────────────────────────────────
// Dispatch path (runner only)
// ─────────────────────────────────────────────────────────────────────────

// finishLocked lands the running->stopped transition, storing fault and
// releasing WaitUntilFinished waiters. callOnStop selects the graceful
// path; aborts and faults skip the OnStop callback.
func (b *Base) finishLocked(fault error, callOnStop bool) {
	if !b.running {
		if fault != nil && b.fault == nil {
			b.fault = fault
		}
		return
	}
	b.running = false
	b.fault = fault
	if callOnStop {
		b.impl.OnStop()
	}
	close(b.stopCh)
}

// firstAtOrAfter returns the index of the first tag with Time >= cut.
func firstAtOrAfter(tt []tags.Tag, cut tags.Timestamp) int {
	return sort.Search(len(tt), func(i int) bool { return tt[i].Time >= cut })
}

// deliver routes one block into the measurement under its mutex.
// fenceDone is the highest fence the dispatcher has completed; blocks
// before the measurement's min fence are ignored. Returns whether the
// measurement mutated the shared tag slice.
func (b *Base) deliver(blk *tags.Block, fenceDone uint32) bool {
	b.mu.Lock()
	b.lockYielded = false

	if !b.initialized || !b.running || fenceDone < b.minFence {
		b.mu.Unlock()
		return false
	}

	begin := blk.Begin
	if b.runningSince < 0 {
		b.runningSince = begin
	}
	if b.runningSince > begin {
		begin = b.runningSince
	}
	end := blk.End
	if end <= begin {
		// Heartbeat or fully pre-start block: nothing to account.
		b.mu.Unlock()
		return false
	}

	view := &blk.Tags
	var clipped []tags.Tag
	finish := false
	if b.maxCaptureDuration >= 0 {
		remain := b.maxCaptureDuration - b.captureDuration
		if end-begin >= remain {
			end = begin + remain
			k := firstAtOrAfter(blk.Tags, end)
			clipped = blk.Tags[:k:k]
			view = &clipped
			finish = true
		}
	}
	b.captureDuration += end - begin

	t0 := time.Now()
	mutated, fault := b.runImpl(view, begin, end)
	telemetry.DispatchBusySeconds.Add(time.Since(t0).Seconds())

	// The mutex is held again here unless OnBlock yielded it cleanly.
	if fault != nil {
		if _, ok := fault.(*AbortError); !ok {
			telemetry.MeasurementFaults.Inc()
			debug.DropError("FAULT", fault)
		}
		b.finishLocked(fault, false)
		b.mu.Unlock()
		return mutated
	}
	if finish {
		if b.lockYielded {
			b.mu.Lock()
			b.lockYielded = false
		}
		b.finishLocked(nil, true)
		b.mu.Unlock()
		return mutated
	}
	if !b.lockYielded {
		b.mu.Unlock()
	}
	return mutated
}

// runImpl invokes OnBlock and converts panics into stored faults,
// re-acquiring the mutex if the callee had yielded it before failing.
func (b *Base) runImpl(view *[]tags.Tag, begin, end tags.Timestamp) (mutated bool, fault error) {
	defer func() {
		if r := recover(); r != nil {
			if b.lockYielded {
				b.mu.Lock()
				b.lockYielded = false
			}
			if ae, ok := r.(*AbortError); ok {
				fault = ae
			} else {
				fault = &MeasurementFault{Cause: r}
			}
		}
	}()
	mutated = b.impl.OnBlock(view, begin, end)
	return mutated, nil
}
