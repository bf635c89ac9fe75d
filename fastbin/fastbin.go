// ============================================================================
// FASTBIN: CONSTANT-DIVISOR BINNING FOR HISTOGRAM-CLASS MEASUREMENTS
// ============================================================================
//
// Fast division of picosecond durations by a constant divisor, mapping a
// duration in [0, max_duration] to its bin index duration/divisor.
//
// Core capabilities:
//   - Variant selection at construction: the cheapest op that stays exact
//     over the declared input range
//   - Shift, fixed-point multiply, and narrow-divide fast paths
//   - Sealed variant: the hot loop dispatches through one switch which the
//     compiler lowers to a jump table
//
// Architecture overview:
//   - ConstZero / Dividend: degenerate divisors short-circuit to 0 / x
//   - PowerOfTwo: single right shift
//   - FixedPoint32/64: multiply by a precomputed reciprocal, keep high bits
//   - Divide32/64: hardware division when no reciprocal is provably exact
//
// Safety model:
//   - Divide assumes duration <= max_duration; larger inputs are undefined
//   - The fastbindebug build tag enables per-call equivalence checks against
//     the reference division

package fastbin

import "math/bits"

// Mode identifies the division variant sealed into a Binner.
type Mode uint8

const (
	// ModeConstZero: divisor exceeds every legal duration, quotient is 0.
	ModeConstZero Mode = iota
	// ModeDividend: divisor is 1, quotient is the duration itself.
	ModeDividend
	// ModePowerOfTwo: quotient is a right shift.
	ModePowerOfTwo
	// ModeFixedPoint32: (duration * factor) >> 32 with a 32-bit factor.
	ModeFixedPoint32
	// ModeFixedPoint64: high 64 bits of duration * factor.
	ModeFixedPoint64
	// ModeDivide32: both operands fit in 32 bits, 32-bit hardware divide.
	ModeDivide32
	// ModeDivide64: 64-bit hardware divide fallback.
	ModeDivide64
)

// String names the mode for diagnostics.
func (m Mode) String() string {
	switch m {
	case ModeConstZero:
		return "ConstZero"
	case ModeDividend:
		return "Dividend"
	case ModePowerOfTwo:
		return "PowerOfTwo"
	case ModeFixedPoint32:
		return "FixedPoint32"
	case ModeFixedPoint64:
		return "FixedPoint64"
	case ModeDivide32:
		return "Divide32"
	case ModeDivide64:
		return "Divide64"
	}
	return "Unknown"
}

// Binner divides durations by a constant divisor using the variant sealed
// at construction. The zero value is not valid; use New.
type Binner struct {
	divisor     uint64
	maxDuration uint64
	factor      uint64
	shift       uint
	mode        Mode
}

// New selects and seals the cheapest exact variant for the divisor over
// the duration range [0, maxDuration].
//
// Selection order:
//  1. divisor > maxDuration            -> ConstZero
//  2. divisor == 1                     -> Dividend
//  3. divisor is a power of two        -> PowerOfTwo
//  4. 32-bit reciprocal fits and is exact -> FixedPoint32
//  5. 64-bit reciprocal is exact       -> FixedPoint64
//  6. operands fit in 32 bits          -> Divide32
//  7. fallback                         -> Divide64
//
// Exactness of the fixed-point variants: with factor f = ceil(2^k/d) and
// excess e = f*d - 2^k, the identity (x*f)>>k == x/d holds for every
// x <= max iff max*e < 2^k. Both reciprocal variants are admitted only
// when that bound holds, so Divide never rounds.
//
// Panics if divisor is zero.
func New(divisor, maxDuration uint64) Binner {
	if divisor == 0 {
		panic("fastbin: divisor must be non-zero")
	}

	b := Binner{divisor: divisor, maxDuration: maxDuration}

	switch {
	case divisor > maxDuration:
		b.mode = ModeConstZero

	case divisor == 1:
		b.mode = ModeDividend

	case divisor&(divisor-1) == 0:
		b.mode = ModePowerOfTwo
		b.shift = uint(bits.TrailingZeros64(divisor))

	case fixedPoint32OK(divisor, maxDuration):
		b.mode = ModeFixedPoint32
		b.factor = (1<<32 + divisor - 1) / divisor

	case fixedPoint64OK(divisor, maxDuration):
		b.mode = ModeFixedPoint64
		b.factor = reciprocal64(divisor)

	case divisor <= 1<<32-1 && maxDuration <= 1<<32-1:
		b.mode = ModeDivide32

	default:
		b.mode = ModeDivide64
	}

	return b
}

// fixedPoint32OK reports whether the 32-bit reciprocal path is admissible:
// the factor fits in 32 bits, duration*factor cannot overflow 64 bits, and
// the result is exact over the full range.
func fixedPoint32OK(divisor, max uint64) bool {
	factor := (1<<32 + divisor - 1) / divisor
	if factor > (1<<32)-1 {
		return false
	}
	if hi, _ := bits.Mul64(max, factor); hi != 0 {
		return false // product must fit in 64 bits
	}
	excess := factor*divisor - 1<<32
	hi, lo := bits.Mul64(max, excess)
	return hi == 0 && lo < 1<<32
}

// fixedPoint64OK reports whether the 64-bit reciprocal stays exact over
// [0, max]: max * excess < 2^64, i.e. the high product word is zero.
func fixedPoint64OK(divisor, max uint64) bool {
	factor := reciprocal64(divisor)
	excess := factor*divisor // low 64 bits of factor*divisor == f*d - 2^64
	hi, _ := bits.Mul64(max, excess)
	return hi == 0
}

// reciprocal64 computes ceil(2^64 / d) for d >= 2 without 128-bit types:
// floor((2^64-1)/d) + 1, which equals the ceiling whenever d does not
// divide 2^64. Power-of-two divisors never reach this path.
func reciprocal64(divisor uint64) uint64 {
	return (^uint64(0))/divisor + 1
}

// Mode returns the sealed variant.
func (b Binner) Mode() Mode { return b.mode }

// Divisor returns the sealed divisor.
func (b Binner) Divisor() uint64 { return b.divisor }

// Divide maps duration to its bin index duration/divisor using the sealed
// variant. duration must not exceed the maxDuration declared at
// construction; exactness is only guaranteed inside the declared range.
//
//go:inline
func (b Binner) Divide(duration uint64) uint64 {
	var out uint64
	switch b.mode {
	case ModeConstZero:
		out = 0
	case ModeDividend:
		out = duration
	case ModePowerOfTwo:
		out = duration >> b.shift
	case ModeFixedPoint32:
		out = (duration * b.factor) >> 32
	case ModeFixedPoint64:
		out, _ = bits.Mul64(duration, b.factor)
	case ModeDivide32:
		out = uint64(uint32(duration) / uint32(b.divisor))
	default:
		out = duration / b.divisor
	}

	if debugChecks {
		if duration > b.maxDuration {
			panic("fastbin: duration outside declared range")
		}
		if out != duration/b.divisor {
			panic("fastbin: variant diverged from reference division")
		}
	}
	return out
}
