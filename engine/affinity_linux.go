//go:build linux

// affinity_linux.go
//
// Linux-only binding for sched_setaffinity(2) pinning the dispatch
// goroutine's OS thread to a single logical CPU. Pre-computed one-word
// masks keep the call allocation-free; CPUs >= 64 are ignored and errors
// are deliberately swallowed (cgroup-restricted systems may return
// EPERM; the fallback is simply no pin).

package engine

import (
	"runtime"
	"syscall"
	"unsafe"
)

// Pre-computed one-word affinity masks for logical CPUs 0-63.
var cpuMasks = func() [64][1]uintptr {
	var m [64][1]uintptr
	for i := range m {
		m[i][0] = 1 << uint(i)
	}
	return m
}()

// pinDispatchThread locks the calling goroutine to its OS thread and
// pins that thread to cpu. Out-of-range indices are ignored.
func pinDispatchThread(cpu int) {
	if cpu < 0 || cpu >= len(cpuMasks) {
		return
	}
	runtime.LockOSThread()
	mask := &cpuMasks[cpu]
	_, _, _ = syscall.RawSyscall(
		syscall.SYS_SCHED_SETAFFINITY,
		0, // pid 0 -> current thread
		uintptr(unsafe.Sizeof(mask[0])),
		uintptr(unsafe.Pointer(mask)),
	)
}
