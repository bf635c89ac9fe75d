// ============================================================================
// PROXY TAGGER - MEASUREMENT CAPTURE FOR SYNCHRONIZED GROUPS
// ============================================================================
//
// A Proxy presents the full producer surface but intercepts measurement
// registration: any measurement constructed against it is added to the
// owning synchronized group before it becomes eligible for dispatch, and
// its autostart is suppressed so the group's first Start is the common
// origin. All other calls forward to the real producer.
//
// Lifetime: the group owns the proxy; the proxy back-references the
// group and is detached (tagger reference nulled, forwarded channel
// counts released) at group teardown.

package engine

import (
	"sync"

	"tagstream/chanreg"
	"tagstream/debug"
	"tagstream/tags"
)

// Proxy is the group-capturing producer handle.
type Proxy struct {
	mu     sync.Mutex
	tagger *Tagger // nil after detach
	group  *SynchronizedMeasurements

	// channel registrations forwarded through this proxy, released on
	// detach if their owners have not already done so
	forwarded map[tags.ChannelID]int
}

func (p *Proxy) live() *Tagger {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tagger
}

// GetFence forwards to the real producer.
func (p *Proxy) GetFence(alloc bool) uint32 {
	t := p.live()
	if t == nil {
		return 0
	}
	return t.GetFence(alloc)
}

// WaitForFence forwards to the real producer.
func (p *Proxy) WaitForFence(f uint32, timeout int64) bool {
	t := p.live()
	if t == nil {
		return false
	}
	return t.WaitForFence(f, timeout)
}

// Sync forwards to the real producer.
func (p *Proxy) Sync(timeout int64) bool {
	t := p.live()
	if t == nil {
		return false
	}
	return t.Sync(timeout)
}

// InvertedChannel forwards to the real producer.
func (p *Proxy) InvertedChannel(ch tags.ChannelID) (tags.ChannelID, error) {
	t := p.live()
	if t == nil {
		return tags.ChannelUnused, chanreg.ErrInvalidChannel
	}
	return t.InvertedChannel(ch)
}

// IsUnusedChannel compares ch against the unused sentinel; it does not
// consult the real producer.
func (p *Proxy) IsUnusedChannel(ch tags.ChannelID) bool {
	return ch == tags.ChannelUnused
}

func (p *Proxy) registerChannel(ch tags.ChannelID) error {
	p.mu.Lock()
	t := p.tagger
	if t == nil {
		p.mu.Unlock()
		return chanreg.ErrInvalidChannel
	}
	p.mu.Unlock()

	if err := t.registerChannel(ch); err != nil {
		return err
	}
	p.mu.Lock()
	if p.forwarded == nil {
		p.forwarded = make(map[tags.ChannelID]int)
	}
	p.forwarded[ch]++
	p.mu.Unlock()
	return nil
}

func (p *Proxy) unregisterChannel(ch tags.ChannelID) error {
	p.mu.Lock()
	t := p.tagger
	if t == nil {
		p.mu.Unlock()
		return chanreg.ErrNotRegistered
	}
	if n := p.forwarded[ch]; n > 1 {
		p.forwarded[ch] = n - 1
	} else {
		delete(p.forwarded, ch)
	}
	p.mu.Unlock()
	return t.unregisterChannel(ch)
}

func (p *Proxy) allocVirtualChannel() tags.ChannelID {
	t := p.live()
	if t == nil {
		return tags.ChannelUnused
	}
	return t.allocVirtualChannel()
}

func (p *Proxy) releaseVirtualChannel(ch tags.ChannelID) error {
	t := p.live()
	if t == nil {
		return chanreg.ErrNotRegistered
	}
	return t.releaseVirtualChannel(ch)
}

// addMeasurement captures the measurement into the group, suppresses its
// autostart, and forwards the registration.
func (p *Proxy) addMeasurement(b *Base) {
	b.autostart = false
	p.group.Register(b)
	if t := p.live(); t != nil {
		t.addMeasurement(b)
	}
}

func (p *Proxy) removeMeasurement(b *Base) {
	if t := p.live(); t != nil {
		t.removeMeasurement(b)
	}
}

// detach severs the proxy from the real producer at group teardown,
// releasing any channel counts still forwarded through it.
func (p *Proxy) detach() {
	p.mu.Lock()
	t := p.tagger
	p.tagger = nil
	leftover := p.forwarded
	p.forwarded = nil
	p.mu.Unlock()

	if t == nil {
		return
	}
	for ch, n := range leftover {
		for i := 0; i < n; i++ {
			if err := t.unregisterChannel(ch); err != nil {
				debug.DropError("PROXY", err)
			}
		}
	}
}
