// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: control_test.go — unit tests for global control flags
// ─────────────────────────────────────────────────────────────────────────────

package control

import "testing"

func TestActivityFlags(t *testing.T) {
	SignalActivity()
	if !Hot() {
		t.Fatal("hot flag not set after SignalActivity")
	}

	// Cooldown must not clear a fresh activity mark.
	PollCooldown()
	if !Hot() {
		t.Fatal("cooldown cleared a fresh hot flag")
	}
}

func TestShutdownLatch(t *testing.T) {
	if ShutdownRequested() {
		t.Fatal("shutdown flag set before request")
	}
	Shutdown()
	if !ShutdownRequested() {
		t.Fatal("shutdown flag not latched")
	}
}
