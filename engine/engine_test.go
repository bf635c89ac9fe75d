// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: engine_test.go — lifecycle, dispatch, fence, and group tests
//
// Purpose:
//   - Capture-duration accounting under bounded starts
//   - Cooperative abort with bounded-time join
//   - Fault isolation between peer measurements
//   - Fence stall/release and the first-delivery gate
//   - Synchronized group common-prefix control and proxy capture
//
// ─────────────────────────────────────────────────────────────────────────────

package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tagstream/chanreg"
	"tagstream/tags"
)

/*──────────────────────────────────────────────────────────────────────────────
  Test measurements
──────────────────────────────────────────────────────────────────────────────*/

// tagCounter counts TimeTag records on one channel.
type tagCounter struct {
	*Base
	ch tags.ChannelID
	n  int
}

func newTagCounter(t TaggerBase, ch tags.ChannelID) *tagCounter {
	c := &tagCounter{ch: ch}
	c.Base = NewBase(t, c)
	if err := c.RegisterChannel(ch); err != nil {
		panic(err)
	}
	c.FinishInitialization()
	return c
}

func (c *tagCounter) OnBlock(tt *[]tags.Tag, begin, end tags.Timestamp) bool {
	for i := range *tt {
		if (*tt)[i].Kind == tags.TimeTag && (*tt)[i].Channel == c.ch {
			c.n++
		}
	}
	return false
}

func (c *tagCounter) ClearImpl() { c.n = 0 }
func (c *tagCounter) OnStart()   {}
func (c *tagCounter) OnStop()    {}

func (c *tagCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// spinner holds its block until aborted.
type spinner struct {
	*Base
	entered chan struct{}
	once    atomic.Bool
}

func newSpinner(t TaggerBase, ch tags.ChannelID) *spinner {
	s := &spinner{entered: make(chan struct{})}
	s.Base = NewBase(t, s)
	if err := s.RegisterChannel(ch); err != nil {
		panic(err)
	}
	s.FinishInitialization()
	return s
}

func (s *spinner) OnBlock(tt *[]tags.Tag, begin, end tags.Timestamp) bool {
	if s.once.CompareAndSwap(false, true) {
		close(s.entered)
	}
	for {
		s.CheckForAbort()
		time.Sleep(100 * time.Microsecond)
	}
}

func (s *spinner) ClearImpl() {}
func (s *spinner) OnStart()   {}
func (s *spinner) OnStop()    {}

// faulty panics on its first delivered block.
type faulty struct {
	*Base
}

func newFaulty(t TaggerBase, ch tags.ChannelID) *faulty {
	f := &faulty{}
	f.Base = NewBase(t, f)
	if err := f.RegisterChannel(ch); err != nil {
		panic(err)
	}
	f.FinishInitialization()
	return f
}

func (f *faulty) OnBlock(tt *[]tags.Tag, begin, end tags.Timestamp) bool {
	panic("broken histogram")
}

func (f *faulty) ClearImpl() {}
func (f *faulty) OnStart()   {}
func (f *faulty) OnStop()    {}

/*──────────────────────────────────────────────────────────────────────────────
  Harness helpers
──────────────────────────────────────────────────────────────────────────────*/

type harness struct {
	src *ManualSource
	tg  *Tagger
	now tags.Timestamp
}

func newHarness() *harness {
	src := NewManualSource(64)
	return &harness{src: src, tg: NewTagger(src, chanreg.SchemeOne, 8)}
}

// push delivers a block of tags spanning [h.now, end).
func (h *harness) push(end tags.Timestamp, tt ...tags.Tag) {
	h.src.PushBlock(tt, h.now, end)
	h.now = end
}

// settle drives a fence through the stream so every prior block has been
// fully dispatched when it returns.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	f := h.tg.GetFence(true)
	h.src.PushHeartbeat(h.now, h.now+1)
	h.now++
	if !h.tg.WaitForFence(f, 5000) {
		t.Fatal("settle: fence did not complete")
	}
}

// boundary runs fn (a blocking group operation) while feeding heartbeats
// so the block-boundary callback can land.
func (h *harness) boundary(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("boundary op did not land")
		default:
			h.src.PushHeartbeat(h.now, h.now+1)
			h.now++
			time.Sleep(time.Millisecond)
		}
	}
}

func tag(ch tags.ChannelID, ts tags.Timestamp) tags.Tag {
	return tags.NewTag(ts, ch)
}

/*──────────────────────────────────────────────────────────────────────────────
  First-delivery gate and plain counting
──────────────────────────────────────────────────────────────────────────────*/

func TestFirstDeliveryGate(t *testing.T) {
	h := newHarness()
	defer h.tg.Close()

	c := newTagCounter(h.tg, 1)

	// The first block carries the start fence sentinel and is ignored;
	// the configuration becomes live from the following block.
	h.push(100, tag(1, 10), tag(1, 20))
	h.push(200, tag(1, 150), tag(2, 160), tag(1, 170))
	h.settle(t)

	if got := c.count(); got != 2 {
		t.Fatalf("count: want 2 (gated first block) got %d", got)
	}
}

func TestClearWhileRunning(t *testing.T) {
	h := newHarness()
	defer h.tg.Close()

	c := newTagCounter(h.tg, 1)
	h.push(100)
	h.push(200, tag(1, 150))
	h.settle(t)

	c.Clear()
	h.push(300, tag(1, 250), tag(1, 260))
	h.settle(t)

	if got := c.count(); got != 2 {
		t.Fatalf("count after clear: want 2 got %d", got)
	}
	if d := c.GetCaptureDuration(); d <= 0 {
		t.Fatalf("capture duration after clear: want >0 got %d", d)
	}
}

/*──────────────────────────────────────────────────────────────────────────────
  Bounded capture
──────────────────────────────────────────────────────────────────────────────*/

func TestStartForCaptureDuration(t *testing.T) {
	h := newHarness()
	defer h.tg.Close()

	c := newTagCounter(h.tg, 1)
	h.push(100) // burn the start fence

	c.StartFor(250, true)
	h.push(200, tag(1, 150))
	h.push(300, tag(1, 210), tag(1, 290))
	h.push(400, tag(1, 310), tag(1, 390))
	h.settle(t)

	ok, err := c.WaitUntilFinished(5000)
	if !ok || err != nil {
		t.Fatalf("WaitUntilFinished: ok %v err %v", ok, err)
	}
	if c.IsRunning() {
		t.Fatal("measurement still running after bound elapsed")
	}
	if got := c.GetCaptureDuration(); got != 250 {
		t.Fatalf("capture duration: want 250 got %d", got)
	}
	// Accounting restarted at block [100,200); the bound lands at stream
	// time 350, so the tag at 390 is clipped and 310 still counts.
	if got := c.count(); got != 4 {
		t.Fatalf("count under bound: want 4 got %d", got)
	}
}

func TestWaitOnUnboundedRunning(t *testing.T) {
	h := newHarness()
	defer h.tg.Close()

	c := newTagCounter(h.tg, 1)
	ok, err := c.WaitUntilFinished(1000)
	if ok || err != nil {
		t.Fatalf("unbounded running wait: want (false, nil) got (%v, %v)", ok, err)
	}
}

/*──────────────────────────────────────────────────────────────────────────────
  Abort
──────────────────────────────────────────────────────────────────────────────*/

func TestAbortBoundedJoin(t *testing.T) {
	h := newHarness()
	defer h.tg.Close()

	peer := newTagCounter(h.tg, 2)
	s := newSpinner(h.tg, 1)

	h.push(100) // burn fences
	h.push(200, tag(1, 150), tag(2, 160))

	<-s.entered // spinner is inside its block
	start := time.Now()
	s.Abort()

	ok, err := s.WaitUntilFinished(1000)
	if !ok {
		t.Fatal("WaitUntilFinished after abort: want true")
	}
	var abortErr *AbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("abort fault: want AbortError got %v", err)
	}
	if s.IsRunning() {
		t.Fatal("aborted measurement still running")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("abort join took %v", elapsed)
	}

	// Peer measurement and the stream are unaffected.
	h.push(300, tag(2, 250))
	h.settle(t)
	if got := peer.count(); got != 2 {
		t.Fatalf("peer count: want 2 got %d", got)
	}

	// Clear returns the aborted measurement to its initial state.
	s.Clear()
	if _, err := s.WaitUntilFinished(0); err != nil {
		t.Fatalf("fault survived clear: %v", err)
	}
}

func TestAbortIdleMeasurement(t *testing.T) {
	h := newHarness()
	defer h.tg.Close()

	c := newTagCounter(h.tg, 1)
	c.Abort()
	ok, err := c.WaitUntilFinished(1000)
	if !ok {
		t.Fatal("abort on idle stream: want finished")
	}
	var abortErr *AbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("abort fault: want AbortError got %v", err)
	}
}

/*──────────────────────────────────────────────────────────────────────────────
  Fault isolation
──────────────────────────────────────────────────────────────────────────────*/

func TestFaultIsolation(t *testing.T) {
	h := newHarness()
	defer h.tg.Close()

	bad := newFaulty(h.tg, 1)
	good := newTagCounter(h.tg, 1)

	h.push(100)
	h.push(200, tag(1, 150))
	h.push(300, tag(1, 250))
	h.settle(t)

	if bad.IsRunning() {
		t.Fatal("faulted measurement still running")
	}
	ok, err := bad.WaitUntilFinished(0)
	if !ok {
		t.Fatal("faulted measurement: want finished")
	}
	var fault *MeasurementFault
	if !errors.As(err, &fault) {
		t.Fatalf("want MeasurementFault got %v", err)
	}

	// The peer saw every block and fences kept completing.
	if got := good.count(); got != 2 {
		t.Fatalf("peer count: want 2 got %d", got)
	}
}

/*──────────────────────────────────────────────────────────────────────────────
  Fences
──────────────────────────────────────────────────────────────────────────────*/

func TestFenceStallAndRelease(t *testing.T) {
	h := newHarness()
	defer h.tg.Close()

	// Allocate fences against a stalled producer.
	var f uint32
	for i := 0; i < 7; i++ {
		f = h.tg.GetFence(true)
	}
	if f != 7 {
		t.Fatalf("GetFence: want 7 got %d", f)
	}
	if h.tg.GetFence(false) != 7 {
		t.Fatalf("GetFence(false): want 7")
	}

	if h.tg.WaitForFence(7, 10) {
		t.Fatal("WaitForFence on stalled producer: want false")
	}

	// A delivered block (even a heartbeat) carries the sentinel through.
	h.src.PushHeartbeat(0, 1)
	h.now = 1
	if !h.tg.WaitForFence(7, -1) {
		t.Fatal("WaitForFence(-1) after delivery: want true")
	}
}

func TestSyncMakesConfigurationVisible(t *testing.T) {
	h := newHarness()
	defer h.tg.Close()

	c := newTagCounter(h.tg, 3)

	// Drive the start fence through, then verify sync round-trips.
	done := make(chan bool, 1)
	go func() { done <- h.tg.Sync(5000) }()
	h.src.PushHeartbeat(0, 1)
	h.src.PushHeartbeat(1, 2)
	h.now = 2
	if !<-done {
		t.Fatal("Sync: want true")
	}

	h.push(100, tag(3, 50))
	h.settle(t)
	if got := c.count(); got != 1 {
		t.Fatalf("count after sync: want 1 got %d", got)
	}
}

/*──────────────────────────────────────────────────────────────────────────────
  Synchronized group and proxy
──────────────────────────────────────────────────────────────────────────────*/

func TestProxyCapturesMeasurements(t *testing.T) {
	h := newHarness()
	defer h.tg.Close()

	group := NewSynchronizedMeasurements(h.tg)
	proxy := group.GetTagger()

	a := newTagCounter(proxy, 1)
	b := newTagCounter(proxy, 2)

	// Proxy-created measurements do not autostart.
	if a.IsRunning() || b.IsRunning() {
		t.Fatal("proxy-created measurements must not autostart")
	}

	// Tags before the group start are invisible to every child.
	h.push(100, tag(1, 50), tag(2, 60))
	h.settle(t)
	if a.count() != 0 || b.count() != 0 {
		t.Fatal("stopped children observed tags")
	}

	h.boundary(t, group.Start)

	h.push(h.now+100, tag(1, h.now+10), tag(2, h.now+20))
	h.settle(t)
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("children after group start: want 1,1 got %d,%d", a.count(), b.count())
	}

	h.boundary(t, group.Stop)
	if a.IsRunning() || b.IsRunning() {
		t.Fatal("children running after group stop")
	}

	// Both children observed the identical prefix.
	if a.count() != b.count() {
		t.Fatalf("prefix mismatch: %d vs %d", a.count(), b.count())
	}

	group.Close()
}

func TestGroupClearAndRunSynchronized(t *testing.T) {
	h := newHarness()
	defer h.tg.Close()

	group := NewSynchronizedMeasurements(h.tg)
	proxy := group.GetTagger()
	a := newTagCounter(proxy, 1)

	h.boundary(t, group.Start)
	h.push(h.now+100, tag(1, h.now+10))
	h.settle(t)
	if a.count() != 1 {
		t.Fatalf("pre-clear count: want 1 got %d", a.count())
	}

	h.boundary(t, group.Clear)
	if a.count() != 0 {
		t.Fatalf("post-clear count: want 0 got %d", a.count())
	}

	var observed int
	h.boundary(t, func() {
		group.RunSynchronized(func() { observed = a.count() }, true)
	})
	if observed != 0 {
		t.Fatalf("RunSynchronized observed %d", observed)
	}

	group.Close()
}

/*──────────────────────────────────────────────────────────────────────────────
  Ordered barrier
──────────────────────────────────────────────────────────────────────────────*/

func TestOrderedBarrierCompletionOrder(t *testing.T) {
	b := NewOrderedBarrier()

	const n = 16
	tickets := make([]*OrderInstance, n)
	for i := range tickets {
		tickets[i] = b.Queue()
	}

	var order []int
	var mu sync.Mutex
	done := make(chan struct{})
	for i := n - 1; i >= 0; i-- {
		go func(i int) {
			// Simulate out-of-order work completion.
			time.Sleep(time.Duration(n-i) * time.Millisecond)
			tickets[i].Sync()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			tickets[i].Release()
			if i == n-1 {
				close(done)
			}
		}(i)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("barrier did not drain")
	}
	b.WaitUntilFinished()

	for i, got := range order {
		if got != i {
			t.Fatalf("completion order[%d] = %d", i, got)
		}
	}
}
