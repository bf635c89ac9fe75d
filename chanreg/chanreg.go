// ============================================================================
// CHANNEL REGISTRY - USE COUNTS AND VIRTUAL CHANNEL ALLOCATION
// ============================================================================
//
// Tracks which physical channels are wanted by any live measurement and
// allocates opaque identifiers for virtual channels fed by transforms.
//
// Core capabilities:
//   - Dedup-counted registration: the producer is asked to enable a channel
//     only on the 0->1 transition and to disable it only on 1->0
//   - Virtual channel allocator over a reserved range, ids recycled on
//     release
//   - Inverted-channel mapping (rising <-> falling edge) per numbering
//     scheme; undefined for virtual channels
//
// Threading model:
//   - One mutex guards the counter table and the free list; it is held
//     only around counter mutation, never across producer callbacks' own
//     locks or across dispatch

package chanreg

import (
	"errors"
	"sync"

	"tagstream/tags"
)

var (
	// ErrInvalidChannel reports a channel unknown to the producer's
	// numbering scheme or an unsupported edge.
	ErrInvalidChannel = errors.New("chanreg: invalid channel")

	// ErrNotRegistered reports a release without a prior registration.
	ErrNotRegistered = errors.New("chanreg: channel not registered")
)

// Scheme selects the physical channel numbering convention of a producer.
type Scheme uint8

const (
	// SchemeZero: rising edges on 0..n-1, falling edges on n..2n-1.
	SchemeZero Scheme = iota

	// SchemeOne: rising edges on 1..n, falling edges on -1..-n.
	SchemeOne
)

// VirtualBase is the first identifier of the reserved virtual range.
// Physical schemes never reach it.
const VirtualBase tags.ChannelID = 4096

// Registry owns the per-channel use counts and the virtual id allocator
// for one producer.
type Registry struct {
	mu sync.Mutex

	scheme Scheme
	inputs int32 // physical input count n

	useCount map[tags.ChannelID]uint32

	virtNext tags.ChannelID
	virtFree []tags.ChannelID
	virtLive map[tags.ChannelID]bool

	// producer transition callbacks, physical channels only
	enable  func(tags.ChannelID)
	disable func(tags.ChannelID)
}

// New builds a registry for a producer with the given scheme and physical
// input count. enable and disable are invoked on 0->1 and 1->0 use-count
// transitions of physical channels; either may be nil.
func New(scheme Scheme, inputs int32, enable, disable func(tags.ChannelID)) *Registry {
	return &Registry{
		scheme:   scheme,
		inputs:   inputs,
		useCount: make(map[tags.ChannelID]uint32),
		virtNext: VirtualBase,
		virtLive: make(map[tags.ChannelID]bool),
		enable:   enable,
		disable:  disable,
	}
}

// validPhysical reports whether ch names an edge of the scheme.
func (r *Registry) validPhysical(ch tags.ChannelID) bool {
	n := r.inputs
	switch r.scheme {
	case SchemeZero:
		return ch >= 0 && ch < 2*n
	case SchemeOne:
		return (ch >= 1 && ch <= n) || (ch >= -n && ch <= -1)
	}
	return false
}

// IsVirtual reports whether ch lies in the virtual range. It does not
// imply the id is currently allocated.
func (r *Registry) IsVirtual(ch tags.ChannelID) bool {
	return ch >= VirtualBase
}

// IsUnused compares ch against the unused-channel sentinel.
func (r *Registry) IsUnused(ch tags.ChannelID) bool {
	return ch == tags.ChannelUnused
}

// Register increments the use count of ch. Physical channels trigger the
// producer enable callback on the 0->1 transition; virtual channels must
// be currently allocated.
func (r *Registry) Register(ch tags.ChannelID) error {
	r.mu.Lock()

	if r.IsVirtual(ch) {
		if !r.virtLive[ch] {
			r.mu.Unlock()
			return ErrInvalidChannel
		}
		r.useCount[ch]++
		r.mu.Unlock()
		return nil
	}

	if !r.validPhysical(ch) {
		r.mu.Unlock()
		return ErrInvalidChannel
	}

	r.useCount[ch]++
	first := r.useCount[ch] == 1
	r.mu.Unlock()

	if first && r.enable != nil {
		r.enable(ch)
	}
	return nil
}

// Unregister decrements the use count of ch. Physical channels trigger
// the producer disable callback on the 1->0 transition.
func (r *Registry) Unregister(ch tags.ChannelID) error {
	r.mu.Lock()

	n, ok := r.useCount[ch]
	if !ok || n == 0 {
		r.mu.Unlock()
		return ErrNotRegistered
	}

	n--
	if n == 0 {
		delete(r.useCount, ch)
	} else {
		r.useCount[ch] = n
	}
	last := n == 0 && !r.IsVirtual(ch)
	r.mu.Unlock()

	if last && r.disable != nil {
		r.disable(ch)
	}
	return nil
}

// UseCount returns the current registration count of ch.
func (r *Registry) UseCount(ch tags.ChannelID) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.useCount[ch]
}

// AllocVirtual hands out an unused virtual channel id, recycling released
// ids before growing the range.
func (r *Registry) AllocVirtual() tags.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ch tags.ChannelID
	if n := len(r.virtFree); n > 0 {
		ch = r.virtFree[n-1]
		r.virtFree = r.virtFree[:n-1]
	} else {
		ch = r.virtNext
		r.virtNext++
	}
	r.virtLive[ch] = true
	return ch
}

// ReleaseVirtual returns an allocated virtual id to the free list.
func (r *Registry) ReleaseVirtual(ch tags.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.virtLive[ch] {
		return ErrNotRegistered
	}
	delete(r.virtLive, ch)
	delete(r.useCount, ch)
	r.virtFree = append(r.virtFree, ch)
	return nil
}

// Inverted maps a physical channel to its opposite-edge channel under the
// scheme. The mapping is undefined for virtual channels and for ids
// outside the scheme.
func (r *Registry) Inverted(ch tags.ChannelID) (tags.ChannelID, error) {
	if r.IsVirtual(ch) || !r.validPhysical(ch) {
		return tags.ChannelUnused, ErrInvalidChannel
	}
	switch r.scheme {
	case SchemeZero:
		if ch < r.inputs {
			return ch + r.inputs, nil
		}
		return ch - r.inputs, nil
	default: // SchemeOne
		return -ch, nil
	}
}
