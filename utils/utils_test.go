// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: utils_test.go — unit tests for formatting helpers
// ─────────────────────────────────────────────────────────────────────────────

package utils

import (
	"math"
	"strconv"
	"testing"
)

func TestItoa(t *testing.T) {
	cases := []int{0, 1, -1, 9, 10, 42, -42, 1000000, math.MaxInt32, math.MinInt32}
	for _, v := range cases {
		if got, want := Itoa(v), strconv.Itoa(v); got != want {
			t.Errorf("Itoa(%d) = %q, want %q", v, got, want)
		}
	}
}

func TestI64toa_EdgeCases(t *testing.T) {
	cases := []int64{0, math.MaxInt64, math.MinInt64, math.MinInt64 + 1}
	for _, v := range cases {
		if got, want := I64toa(v), strconv.FormatInt(v, 10); got != want {
			t.Errorf("I64toa(%d) = %q, want %q", v, got, want)
		}
	}
}

func TestU64toa(t *testing.T) {
	cases := []uint64{0, 1, 10, math.MaxUint64}
	for _, v := range cases {
		if got, want := U64toa(v), strconv.FormatUint(v, 10); got != want {
			t.Errorf("U64toa(%d) = %q, want %q", v, got, want)
		}
	}
}

func TestB2s(t *testing.T) {
	if got := B2s(nil); got != "" {
		t.Errorf("B2s(nil) = %q", got)
	}
	b := []byte("fence 7 complete")
	if got := B2s(b); got != "fence 7 complete" {
		t.Errorf("B2s = %q", got)
	}
}
