// control.go — Global control flags for stream readers and the dispatcher
// ============================================================================
// SYSTEM CONTROL ORCHESTRATION
// ============================================================================
//
// Control provides lightweight global signalling for coordinating
// activity states and graceful shutdown between stream readers, the
// dispatch loop, and the process entry point.
//
// Architecture overview:
//   • Global hot/stop flags for lock-free inter-thread coordination
//   • Activity tracking with automatic cooldown when the stream idles
//   • ShutdownWG is waited on by the entry point before exit
//
// Threading model:
//   • Stream readers call SignalActivity() when blocks are flowing
//   • The dispatcher polls the cooldown between blocks
//   • Shutdown() sets the stop flag, readable through ShutdownRequested();
//     no package in this module reads it or adds to ShutdownWG

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	hot  atomic.Uint32 // 1 = blocks flowing, 0 = idle
	stop atomic.Uint32 // 1 = graceful shutdown requested

	lastHot    atomic.Int64             // unix nanos of last stream activity
	cooldownNs = int64(1 * time.Second) // idle period before the hot flag clears

	// ShutdownWG is waited on by the entry point before exit; no package
	// in this module adds to it.
	ShutdownWG sync.WaitGroup
)

// SignalActivity marks the stream as active. Called by stream readers on
// every delivered block.
//
//go:inline
func SignalActivity() {
	hot.Store(1)
	lastHot.Store(time.Now().UnixNano())
}

// ForceHot latches the hot flag and refreshes the activity timestamp;
// used at startup so the dispatcher spins up before the first block.
func ForceHot() {
	hot.Store(1)
	lastHot.Store(time.Now().UnixNano())
}

// PollCooldown clears the hot flag after a quiet period. Callers invoke
// it between blocks; it never blocks.
//
//go:inline
func PollCooldown() {
	if hot.Load() == 1 && time.Now().UnixNano()-lastHot.Load() > cooldownNs {
		hot.Store(0)
	}
}

// Hot reports whether the stream has been active inside the cooldown
// window.
func Hot() bool { return hot.Load() == 1 }

// Shutdown requests graceful termination across all subsystems.
func Shutdown() { stop.Store(1) }

// ShutdownRequested reports whether Shutdown has been called.
//
//go:inline
func ShutdownRequested() bool { return stop.Load() == 1 }
