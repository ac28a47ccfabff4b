package stimulus

import (
	"fmt"
	"math"
)

func init() {
	for name, factory := range map[string]Factory{
		"constant": newConstant,
		"sine":     newSine,
		"step":     newStep,
		"ramp":     newRamp,
		"pulse":    newPulse,
	} {
		if err := RegisterStimulus(name, factory); err != nil {
			panic(err)
		}
	}
	for _, fn := range []Function{
		elementwise("identity", func(x float64) float64 { return x }),
		elementwise("negate", func(x float64) float64 { return -x }),
		elementwise("square", func(x float64) float64 { return x * x }),
		elementwise("abs", math.Abs),
		{
			Name: "product",
			OutDims: func(in int) (int, error) {
				if in != 2 {
					return 0, fmt.Errorf("product takes 2 dimensions, got %d", in)
				}
				return 1, nil
			},
			Apply: func(x, out []float64) { out[0] = x[0] * x[1] },
		},
	} {
		if err := RegisterFunction(fn); err != nil {
			panic(err)
		}
	}
}

func elementwise(name string, f func(float64) float64) Function {
	return Function{
		Name:    name,
		OutDims: func(in int) (int, error) { return in, nil },
		Apply: func(x, out []float64) {
			for i := range x {
				out[i] = f(x[i])
			}
		},
	}
}

// broadcast expands a value list to size entries. A single value repeats.
func broadcast(spec Spec, size int) ([]float64, error) {
	switch len(spec.Value) {
	case size:
		return append([]float64(nil), spec.Value...), nil
	case 0:
		return make([]float64, size), nil
	case 1:
		out := make([]float64, size)
		for i := range out {
			out[i] = spec.Value[0]
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s has %d values for size %d", ErrInvalidParams, spec.Name, len(spec.Value), size)
}

func newConstant(spec Spec, size int) (Process, error) {
	value, err := broadcast(spec, size)
	if err != nil {
		return nil, err
	}
	return ProcessFunc(func(_ float64, out []float64) {
		copy(out, value)
	}), nil
}

func newSine(spec Spec, size int) (Process, error) {
	amplitude := spec.Param("amplitude", 1)
	freq := spec.Param("frequency", 1)
	phase := spec.Param("phase", 0)
	offset := spec.Param("offset", 0)
	if freq < 0 {
		return nil, fmt.Errorf("%w: sine frequency must be >= 0", ErrInvalidParams)
	}
	// successive dimensions are shifted a quarter period apart
	return ProcessFunc(func(t float64, out []float64) {
		for i := range out[:size] {
			out[i] = offset + amplitude*math.Sin(2*math.Pi*freq*t+phase+float64(i)*math.Pi/2)
		}
	}), nil
}

func newStep(spec Spec, size int) (Process, error) {
	after, err := broadcast(spec, size)
	if err != nil {
		return nil, err
	}
	before := spec.Param("before", 0)
	at := spec.Param("at", 0)
	return ProcessFunc(func(t float64, out []float64) {
		for i := range out[:size] {
			if t >= at {
				out[i] = after[i]
			} else {
				out[i] = before
			}
		}
	}), nil
}

func newRamp(spec Spec, size int) (Process, error) {
	start := spec.Param("start", -1)
	end := spec.Param("end", 1)
	duration := spec.Param("duration", 1)
	if duration <= 0 {
		return nil, fmt.Errorf("%w: ramp duration must be > 0", ErrInvalidParams)
	}
	return ProcessFunc(func(t float64, out []float64) {
		frac := math.Min(math.Max(t/duration, 0), 1)
		for i := range out[:size] {
			out[i] = start + (end-start)*frac
		}
	}), nil
}

func newPulse(spec Spec, size int) (Process, error) {
	value, err := broadcast(spec, size)
	if err != nil {
		return nil, err
	}
	from := spec.Param("from", 0)
	to := spec.Param("to", from+0.01)
	if to <= from {
		return nil, fmt.Errorf("%w: pulse must end after it starts", ErrInvalidParams)
	}
	return ProcessFunc(func(t float64, out []float64) {
		for i := range out[:size] {
			if t >= from && t < to {
				out[i] = value[i]
			} else {
				out[i] = 0
			}
		}
	}), nil
}
