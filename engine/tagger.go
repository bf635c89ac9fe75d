// ============================================================================
// TAGGER - STREAM OWNERSHIP AND MEASUREMENT REGISTRY
// ============================================================================
//
// The Tagger owns the live event stream of one producer: it tracks
// channel use counts, allocates virtual channels, hands out fences, and
// runs the dispatch loop that fans blocks out to the registered
// measurement set.
//
// Architecture overview:
//   - Source abstracts where ordered blocks come from (file replay,
//     synthesized signal, hardware bridge); the Tagger pulls from it on
//     a dedicated dispatch goroutine
//   - Thin public handle over private mutable state: measurements talk
//     to the TaggerBase interface, clients to the exported methods
//   - Fences allocated by clients are stamped into the stream at the
//     next pulled block boundary and completed once every measurement
//     has processed that block
//
// Ownership:
//   - The Tagger exclusively owns the stream; it holds measurements only
//     as registry entries that deliveries are fanned out to
//   - Virtual channel ids belong to the measurement that allocated them

package engine

import (
	"runtime"

	"tagstream/blockring"
	"tagstream/chanreg"
	"tagstream/fence"
	"tagstream/tags"
	"tagstream/telemetry"
)

// Source delivers ordered blocks of tags. Implementations: file replay,
// synthesized test signals, hardware bridges.
//
// NextBlock blocks until a block is available and returns false once the
// stream has ended. Enable/DisableChannel mirror the registry's 0->1 and
// 1->0 use-count transitions.
type Source interface {
	NextBlock() (tags.Block, bool)
	EnableChannel(ch tags.ChannelID)
	DisableChannel(ch tags.ChannelID)
	Close()
}

// TaggerBase is the producer surface measurements are built against.
// Both the real Tagger and the synchronized-group Proxy implement it;
// the unexported methods keep registration inside the engine.
type TaggerBase interface {
	// GetFence returns a fresh fence (alloc=true), queuing its sentinel
	// for the next block boundary, or the most recent allocated value
	// (alloc=false). Allocation may block when the outstanding-fence
	// window is full.
	GetFence(alloc bool) uint32

	// WaitForFence blocks until the sentinel for f has been fully
	// processed. Millisecond timeout: negative infinite, zero probe.
	WaitForFence(f uint32, timeout int64) bool

	// Sync allocates a fence and waits for it: every configuration
	// mutation issued before the call is visible afterwards.
	Sync(timeout int64) bool

	// InvertedChannel maps a physical channel to its opposite edge.
	InvertedChannel(ch tags.ChannelID) (tags.ChannelID, error)

	// IsUnusedChannel compares ch against the unused sentinel.
	IsUnusedChannel(ch tags.ChannelID) bool

	registerChannel(ch tags.ChannelID) error
	unregisterChannel(ch tags.ChannelID) error
	allocVirtualChannel() tags.ChannelID
	releaseVirtualChannel(ch tags.ChannelID) error
	addMeasurement(b *Base)
	removeMeasurement(b *Base)
}

// Tagger is the concrete stream runtime over one Source.
type Tagger struct {
	source Source
	reg    *chanreg.Registry
	fences *fence.Tracker

	state taggerState

	sem        chan struct{} // bounds concurrent measurement deliveries
	runnerDone chan struct{}
	pinCPU     int
}

// NewTagger builds the runtime over src with the producer's channel
// numbering scheme and physical input count, and starts the dispatch
// loop.
func NewTagger(src Source, scheme chanreg.Scheme, inputs int32) *Tagger {
	return newTagger(src, scheme, inputs, -1)
}

// NewTaggerPinned is NewTagger with the dispatch goroutine's OS thread
// pinned to the given logical CPU (linux only; elsewhere the pin is a
// no-op).
func NewTaggerPinned(src Source, scheme chanreg.Scheme, inputs int32, cpu int) *Tagger {
	return newTagger(src, scheme, inputs, cpu)
}

func newTagger(src Source, scheme chanreg.Scheme, inputs int32, cpu int) *Tagger {
	t := &Tagger{
		source:     src,
		fences:     fence.NewTracker(),
		sem:        make(chan struct{}, runtime.NumCPU()),
		runnerDone: make(chan struct{}),
		pinCPU:     cpu,
	}
	t.reg = chanreg.New(scheme, inputs, src.EnableChannel, src.DisableChannel)
	go t.run()
	return t
}

// GetFence implements TaggerBase.
func (t *Tagger) GetFence(alloc bool) uint32 {
	if alloc {
		return t.fences.Alloc()
	}
	return t.fences.Last()
}

// WaitForFence implements TaggerBase.
func (t *Tagger) WaitForFence(f uint32, timeout int64) bool {
	ok := t.fences.Wait(f, timeout)
	if !ok {
		telemetry.FenceWaitTimeouts.Inc()
	}
	return ok
}

// Sync allocates a fence and waits for its completion.
func (t *Tagger) Sync(timeout int64) bool {
	return t.WaitForFence(t.GetFence(true), timeout)
}

// InvertedChannel implements TaggerBase.
func (t *Tagger) InvertedChannel(ch tags.ChannelID) (tags.ChannelID, error) {
	return t.reg.Inverted(ch)
}

// IsUnusedChannel implements TaggerBase.
func (t *Tagger) IsUnusedChannel(ch tags.ChannelID) bool {
	return t.reg.IsUnused(ch)
}

// Close shuts the stream down: the source is closed, the dispatch loop
// drains, and every outstanding fence is force-completed so pending
// waits release instead of hanging on a dead session.
func (t *Tagger) Close() {
	t.source.Close()
	<-t.runnerDone
}

func (t *Tagger) registerChannel(ch tags.ChannelID) error {
	return t.reg.Register(ch)
}

func (t *Tagger) unregisterChannel(ch tags.ChannelID) error {
	return t.reg.Unregister(ch)
}

func (t *Tagger) allocVirtualChannel() tags.ChannelID {
	return t.reg.AllocVirtual()
}

func (t *Tagger) releaseVirtualChannel(ch tags.ChannelID) error {
	return t.reg.ReleaseVirtual(ch)
}

// NewManualSource builds the block-ring-backed Source used by tests,
// demos, and bridges that push rather than pull. capacity must be a
// power of two.
func NewManualSource(capacity int) *ManualSource {
	return &ManualSource{ring: blockring.New(capacity)}
}

// ManualSource is a push-style Source over a bounded block ring.
type ManualSource struct {
	ring *blockring.Ring
}

// PushBlock enqueues one ordered block. Returns false once closed.
func (s *ManualSource) PushBlock(tt []tags.Tag, begin, end tags.Timestamp) bool {
	return s.ring.Push(tags.Block{Tags: tt, Begin: begin, End: end})
}

// PushHeartbeat enqueues an empty block covering [begin, end); used to
// advance stream time and flush fences without events.
func (s *ManualSource) PushHeartbeat(begin, end tags.Timestamp) bool {
	return s.ring.Push(tags.Block{Begin: begin, End: end})
}

// NextBlock implements Source.
func (s *ManualSource) NextBlock() (tags.Block, bool) {
	return s.ring.Pop()
}

// EnableChannel implements Source; a pushed stream carries whatever its
// writer put in, so enablement is a no-op.
func (s *ManualSource) EnableChannel(tags.ChannelID) {}

// DisableChannel implements Source.
func (s *ManualSource) DisableChannel(tags.ChannelID) {}

// Close implements Source.
func (s *ManualSource) Close() { s.ring.Close() }
