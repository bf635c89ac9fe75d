// ============================================================================
// SYNCHRONIZED MEASUREMENTS - COMMON-PREFIX CONTROL FACADE
// ============================================================================
//
// A façade that starts, stops, clears, and runs callbacks over a set of
// measurements as if they all processed the identical stream prefix.
//
// Implementation: every control operation funnels through one block-
// boundary callback on the dispatch goroutine. Between two blocks no
// measurement holds a block in flight, so applying the transition to all
// children there lands it on one consistent boundary: every child
// observes exactly the same ordered prefix between any two group
// operations.
//
// Measurement capture: GetTagger returns a Proxy producer; measurements
// constructed against the proxy are registered into the group at
// construction time and do not autostart, so the first group Start is
// their common origin.

package engine

import (
	"sync"
	"time"

	"tagstream/tags"
)

// SynchronizedMeasurements owns a set of child measurements under
// common-prefix control.
type SynchronizedMeasurements struct {
	tagger *Tagger
	proxy  *Proxy

	mu       sync.Mutex
	children []*Base
}

// NewSynchronizedMeasurements builds an empty group over t.
func NewSynchronizedMeasurements(t *Tagger) *SynchronizedMeasurements {
	s := &SynchronizedMeasurements{tagger: t}
	s.proxy = &Proxy{tagger: t, group: s}
	return s
}

// GetTagger returns the proxy producer. Measurements built against it
// are captured into the group at construction.
func (s *SynchronizedMeasurements) GetTagger() *Proxy { return s.proxy }

// Register adds an existing measurement to the group.
func (s *SynchronizedMeasurements) Register(b *Base) {
	s.mu.Lock()
	s.children = append(s.children, b)
	s.mu.Unlock()
}

func (s *SynchronizedMeasurements) snapshot() []*Base {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Base(nil), s.children...)
}

// Start arms every child on one block boundary with one shared fence.
func (s *SynchronizedMeasurements) Start() {
	children := s.snapshot()
	f := s.tagger.GetFence(true)
	s.tagger.RunOnBlockBoundary(func() {
		for _, c := range children {
			c.mu.Lock()
			c.startLocked(f)
			c.mu.Unlock()
		}
	}, true)
}

// StartFor arms every child with the same capture bound on one boundary.
func (s *SynchronizedMeasurements) StartFor(duration tags.Timestamp, clearFirst bool) {
	children := s.snapshot()
	f := s.tagger.GetFence(true)
	s.tagger.RunOnBlockBoundary(func() {
		for _, c := range children {
			c.mu.Lock()
			if clearFirst {
				c.clearLocked()
			}
			c.maxCaptureDuration = duration
			c.startLocked(f)
			c.mu.Unlock()
		}
	}, true)
}

// Stop halts every child on one block boundary.
func (s *SynchronizedMeasurements) Stop() {
	children := s.snapshot()
	s.tagger.RunOnBlockBoundary(func() {
		for _, c := range children {
			c.mu.Lock()
			c.finishLocked(nil, true)
			c.mu.Unlock()
		}
	}, true)
}

// Clear resets every child on one block boundary.
func (s *SynchronizedMeasurements) Clear() {
	children := s.snapshot()
	s.tagger.RunOnBlockBoundary(func() {
		for _, c := range children {
			c.mu.Lock()
			c.clearLocked()
			c.mu.Unlock()
		}
	}, true)
}

// RunSynchronized executes fn on a block boundary: every child has
// processed the same prefix when it runs. With wait set the call blocks
// until fn completed.
func (s *SynchronizedMeasurements) RunSynchronized(fn func(), wait bool) {
	s.tagger.RunOnBlockBoundary(fn, wait)
}

// WaitUntilFinished waits for every child, surfacing the first stored
// fault. The millisecond timeout spans the whole group.
func (s *SynchronizedMeasurements) WaitUntilFinished(timeout int64) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(time.Duration(timeout) * time.Millisecond)
	}
	var firstFault error
	for _, c := range s.snapshot() {
		remain := timeout
		if timeout > 0 {
			if remain = time.Until(deadline).Milliseconds(); remain < 0 {
				remain = 0
			}
		}
		ok, err := c.WaitUntilFinished(remain)
		if err != nil && firstFault == nil {
			firstFault = err
		}
		if !ok {
			return false, firstFault
		}
	}
	return true, firstFault
}

// Close tears the group down: children are closed and the proxy detaches
// from the real producer, releasing anything it still held.
func (s *SynchronizedMeasurements) Close() {
	for _, c := range s.snapshot() {
		c.Close()
	}
	s.mu.Lock()
	s.children = nil
	s.mu.Unlock()
	s.proxy.detach()
}
