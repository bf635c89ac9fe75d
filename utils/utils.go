// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: utils.go — small alloc-conscious helpers for cold paths
//
// Purpose:
//   - Integer formatting without fmt for diagnostic prints
//   - Direct stderr output bypassing buffered writers
//
// Notes:
//   - Hot loops never format; these helpers serve startup banners, error
//     reporting, and test diagnostics only.
// ─────────────────────────────────────────────────────────────────────────────

package utils

import (
	"os"
	"unsafe"
)

// B2s converts a []byte to a string without allocation.
// ⚠️ Caller must ensure the input slice remains valid and unchanged.
//
//go:inline
func B2s(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// Itoa renders a signed int in decimal without fmt.
//
//go:inline
func Itoa(v int) string {
	return I64toa(int64(v))
}

// I64toa renders a signed 64-bit integer in decimal without fmt.
func I64toa(v int64) string {
	if v == 0 {
		return "0"
	}

	var buf [20]byte
	i := len(buf)
	neg := v < 0

	// Negate via unsigned to survive MinInt64.
	u := uint64(v)
	if neg {
		u = -u
	}
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// U64toa renders an unsigned 64-bit integer in decimal without fmt.
func U64toa(u uint64) string {
	if u == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

// PrintWarning writes msg directly to stderr. Used by the debug package
// for cold-path diagnostics; never called from dispatch loops.
func PrintWarning(msg string) {
	os.Stderr.WriteString(msg)
}
