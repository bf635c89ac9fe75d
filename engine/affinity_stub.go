//go:build !linux

// affinity_stub.go — no-op pin for platforms without sched_setaffinity.

package engine

// pinDispatchThread is a no-op outside linux.
func pinDispatchThread(int) {}
