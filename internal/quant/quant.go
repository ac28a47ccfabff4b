// Package quant converts real-valued model parameters into the fixed-width
// integers a core stores. The builder and every backend share it, so a value
// is quantized exactly once.
package quant

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrOverflow = errors.New("quantization overflow")
	ErrSignFlip = errors.New("quantization sign flip")
)

// Format is an integer field of a given width. Signed fields saturate
// symmetrically at ±(2^(Bits-1)-1); unsigned fields at [0, 2^Bits-1].
type Format struct {
	Bits   int
	Signed bool
}

func Signed(bits int) Format   { return Format{Bits: bits, Signed: true} }
func Unsigned(bits int) Format { return Format{Bits: bits} }

func (f Format) Max() int64 {
	if f.Signed {
		return int64(1)<<(f.Bits-1) - 1
	}
	return int64(1)<<f.Bits - 1
}

func (f Format) Min() int64 {
	if f.Signed {
		return -f.Max()
	}
	return 0
}

func (f Format) String() string {
	if f.Signed {
		return fmt.Sprintf("s%d", f.Bits)
	}
	return fmt.Sprintf("u%d", f.Bits)
}

type Result struct {
	Value   int64
	Clipped bool
}

// SignFlipError reports a value whose clipped representation no longer
// carries the sign of the original.
type SignFlipError struct {
	Label  string
	Value  float64
	Format Format
}

func (e *SignFlipError) Error() string {
	return fmt.Sprintf("%s: %s value %g cannot be represented in %s without changing sign", ErrSignFlip, e.Label, e.Value, e.Format)
}

func (e *SignFlipError) Unwrap() error { return ErrSignFlip }

// Overflow is a recoverable clipping event.
type Overflow struct {
	Label   string
	Value   float64
	Clipped int64
}

func (o Overflow) Error() string {
	return fmt.Sprintf("%s: %s value %g clipped to %d", ErrOverflow, o.Label, o.Value, o.Clipped)
}

func (o Overflow) Unwrap() error { return ErrOverflow }

// Quantize scales value, rounds half to even and saturates into f.
func Quantize(value, scale float64, f Format) (Result, error) {
	x := value * scale
	if math.IsNaN(x) {
		return Result{}, &SignFlipError{Label: "nan", Value: value, Format: f}
	}
	r := math.RoundToEven(x)
	lo, hi := float64(f.Min()), float64(f.Max())
	switch {
	case r > hi:
		return Result{Value: f.Max(), Clipped: true}, nil
	case r < lo:
		if r < 0 && f.Min() == 0 {
			return Result{}, &SignFlipError{Value: value, Format: f}
		}
		return Result{Value: f.Min(), Clipped: true}, nil
	}
	return Result{Value: int64(r)}, nil
}

// QuantizeLabeled is Quantize with a location attached to the returned
// error and to the recorded overflow.
func QuantizeLabeled(label string, value, scale float64, f Format, report *Report) (int64, error) {
	res, err := Quantize(value, scale, f)
	if err != nil {
		var flip *SignFlipError
		if errors.As(err, &flip) {
			flip.Label = label
		}
		return 0, err
	}
	if res.Clipped && report != nil {
		report.Add(Overflow{Label: label, Value: value, Clipped: res.Value})
	}
	return res.Value, nil
}

// Round rounds half away from zero, the rounding used for mantissa fields.
func Round(x float64) int64 {
	return int64(math.Round(x))
}
