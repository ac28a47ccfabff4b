package quant

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// Saturate clamps x into [lo, hi] and reports whether it had to.
func Saturate[T constraints.Signed](x, lo, hi T) (T, bool) {
	if x > hi {
		return hi, true
	}
	if x < lo {
		return lo, true
	}
	return x, false
}

// AddSat adds in 64 bits and saturates into [lo, hi].
func AddSat[T constraints.Signed](a, b, lo, hi T) (T, bool) {
	sum := int64(a) + int64(b)
	if sum > int64(hi) {
		return hi, true
	}
	if sum < int64(lo) {
		return lo, true
	}
	return T(sum), false
}

// Limit returns the symmetric bound of a signed field of width bits.
func Limit(bits int) int64 {
	return int64(1)<<(bits-1) - 1
}

// ShiftRound multiplies x by 2^shift, truncating toward zero for negative
// shifts.
func ShiftRound(x int64, shift int) int64 {
	if shift >= 0 {
		return x << shift
	}
	if x < 0 {
		return -((-x) >> -shift)
	}
	return x >> -shift
}

// DecayConstant discretizes the per-tick decay fraction of a first-order
// filter with time constant tau. A non-positive tau decays fully each tick.
func DecayConstant(tau, dt float64, bits int) int32 {
	frac := 1.0
	if tau > 0 {
		frac = -math.Expm1(-dt / tau)
	}
	return int32(math.Round(frac * float64(int64(1)<<bits-1)))
}

// Decay applies one integer decay step, rounding toward zero.
func Decay(x int64, d int32, bits int) int64 {
	r := int64(1)<<bits - int64(d)
	if x < 0 {
		return -((-x * r) >> bits)
	}
	return (x * r) >> bits
}

// VthManExp splits a non-negative threshold into a mantissa with a fixed
// exponent.
func VthManExp(vth int64, mantBits, exp int) (int64, error) {
	man := Round(float64(vth) / float64(int64(1)<<exp))
	if man < 0 || man > int64(1)<<mantBits-1 {
		return 0, fmt.Errorf("%w: threshold %d does not fit %d-bit mantissa", ErrOverflow, vth, mantBits)
	}
	return man, nil
}

// BiasManExp picks the smallest exponent for which bias fits the signed
// mantissa.
func BiasManExp(bias int64, mantMax int64, expMax int) (man int64, exp int, err error) {
	r := math.Max(math.Abs(float64(bias))/float64(mantMax), 1)
	exp = int(math.Ceil(math.Log2(r)))
	if exp > expMax {
		return 0, 0, fmt.Errorf("%w: bias %d needs exponent %d > %d", ErrOverflow, bias, exp, expMax)
	}
	man = Round(float64(bias) / float64(int64(1)<<exp))
	if man > mantMax {
		man = mantMax
	} else if man < -mantMax {
		man = -mantMax
	}
	return man, exp, nil
}
