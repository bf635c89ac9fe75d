// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: chanreg_test.go — unit tests for the channel registry
//
// Purpose:
//   - Verifies dedup-counted registration and the 0->1 / 1->0 transition
//     contract toward the producer
//   - Covers virtual id allocation, recycling, and release errors
//   - Pins the inverted-channel mapping for both numbering schemes
//
// ─────────────────────────────────────────────────────────────────────────────

package chanreg

import (
	"sync"
	"testing"

	"tagstream/tags"
)

// transitionLog records enable/disable callbacks; its own lock keeps the
// concurrent test race-free since callbacks fire outside the registry lock.
type transitionLog struct {
	mu       sync.Mutex
	enabled  []tags.ChannelID
	disabled []tags.ChannelID
}

func (l *transitionLog) snapshot() (en, dis []tags.ChannelID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]tags.ChannelID(nil), l.enabled...), append([]tags.ChannelID(nil), l.disabled...)
}

func newTestRegistry(scheme Scheme) (*Registry, *transitionLog) {
	log := &transitionLog{}
	r := New(scheme, 8,
		func(ch tags.ChannelID) {
			log.mu.Lock()
			log.enabled = append(log.enabled, ch)
			log.mu.Unlock()
		},
		func(ch tags.ChannelID) {
			log.mu.Lock()
			log.disabled = append(log.disabled, ch)
			log.mu.Unlock()
		})
	return r, log
}

func TestRegisterTransitions(t *testing.T) {
	r, log := newTestRegistry(SchemeOne)

	// Three balanced registrations: exactly one enable, one disable.
	for i := 0; i < 3; i++ {
		if err := r.Register(2); err != nil {
			t.Fatalf("Register(2) #%d: %v", i, err)
		}
	}
	if en, _ := log.snapshot(); len(en) != 1 || en[0] != 2 {
		t.Fatalf("enable transitions: want [2] got %v", en)
	}

	for i := 0; i < 3; i++ {
		if err := r.Unregister(2); err != nil {
			t.Fatalf("Unregister(2) #%d: %v", i, err)
		}
	}
	if _, dis := log.snapshot(); len(dis) != 1 || dis[0] != 2 {
		t.Fatalf("disable transitions: want [2] got %v", dis)
	}
	if got := r.UseCount(2); got != 0 {
		t.Fatalf("use count after balanced calls: want 0 got %d", got)
	}
}

func TestRegisterInvalid(t *testing.T) {
	r, _ := newTestRegistry(SchemeOne)

	for _, ch := range []tags.ChannelID{0, 9, -9, 100, tags.ChannelUnused} {
		if err := r.Register(ch); err != ErrInvalidChannel {
			t.Errorf("Register(%d): want ErrInvalidChannel got %v", ch, err)
		}
	}

	rz, _ := newTestRegistry(SchemeZero)
	for _, ch := range []tags.ChannelID{-1, 16, 100} {
		if err := rz.Register(ch); err != ErrInvalidChannel {
			t.Errorf("SchemeZero Register(%d): want ErrInvalidChannel got %v", ch, err)
		}
	}
	for _, ch := range []tags.ChannelID{0, 7, 8, 15} {
		if err := rz.Register(ch); err != nil {
			t.Errorf("SchemeZero Register(%d): %v", ch, err)
		}
	}
}

func TestUnregisterWithoutRegister(t *testing.T) {
	r, _ := newTestRegistry(SchemeOne)
	if err := r.Unregister(3); err != ErrNotRegistered {
		t.Fatalf("Unregister(3): want ErrNotRegistered got %v", err)
	}
}

func TestVirtualAllocationRecycles(t *testing.T) {
	r, log := newTestRegistry(SchemeOne)

	a := r.AllocVirtual()
	b := r.AllocVirtual()
	if a < VirtualBase || b < VirtualBase || a == b {
		t.Fatalf("virtual ids: got %d, %d", a, b)
	}

	// Virtual channels never touch the producer callbacks.
	if err := r.Register(a); err != nil {
		t.Fatalf("Register(virtual): %v", err)
	}
	if en, _ := log.snapshot(); len(en) != 0 {
		t.Fatalf("virtual registration leaked an enable: %v", en)
	}

	if err := r.ReleaseVirtual(b); err != nil {
		t.Fatalf("ReleaseVirtual(b): %v", err)
	}
	if c := r.AllocVirtual(); c != b {
		t.Fatalf("recycling: want %d got %d", b, c)
	}
	if err := r.ReleaseVirtual(1234); err != ErrNotRegistered {
		t.Fatalf("ReleaseVirtual(unallocated): want ErrNotRegistered got %v", err)
	}
}

func TestRegisterUnallocatedVirtual(t *testing.T) {
	r, _ := newTestRegistry(SchemeOne)
	if err := r.Register(VirtualBase + 7); err != ErrInvalidChannel {
		t.Fatalf("Register(unallocated virtual): want ErrInvalidChannel got %v", err)
	}
}

func TestInvertedChannel(t *testing.T) {
	rz, _ := newTestRegistry(SchemeZero)
	cases := [][2]tags.ChannelID{{0, 8}, {3, 11}, {8, 0}, {15, 7}}
	for _, c := range cases {
		got, err := rz.Inverted(c[0])
		if err != nil || got != c[1] {
			t.Errorf("SchemeZero Inverted(%d): want %d got %d err %v", c[0], c[1], got, err)
		}
	}

	ro, _ := newTestRegistry(SchemeOne)
	for _, c := range [][2]tags.ChannelID{{1, -1}, {5, -5}, {-8, 8}} {
		got, err := ro.Inverted(c[0])
		if err != nil || got != c[1] {
			t.Errorf("SchemeOne Inverted(%d): want %d got %d err %v", c[0], c[1], got, err)
		}
	}

	// Undefined for virtual channels.
	v := ro.AllocVirtual()
	if _, err := ro.Inverted(v); err != ErrInvalidChannel {
		t.Errorf("Inverted(virtual): want ErrInvalidChannel got %v", err)
	}
}

func TestConcurrentRegistration(t *testing.T) {
	r, log := newTestRegistry(SchemeOne)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if err := r.Register(4); err != nil {
					t.Errorf("Register: %v", err)
					return
				}
				if err := r.Unregister(4); err != nil {
					t.Errorf("Unregister: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := r.UseCount(4); got != 0 {
		t.Fatalf("use count after stress: want 0 got %d", got)
	}
	// Transitions stay balanced even under contention.
	if en, dis := log.snapshot(); len(en) != len(dis) {
		t.Fatalf("unbalanced transitions: %d enables, %d disables", len(en), len(dis))
	}
}
