package stimulus

import (
	"errors"
	"math"
	"testing"
)

func TestBuiltinsRegistered(t *testing.T) {
	want := []string{"constant", "pulse", "ramp", "sine", "step"}
	got := ListStimuli()
	for _, name := range want {
		found := false
		for _, g := range got {
			if g == name {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing builtin stimulus %s in %v", name, got)
		}
	}
	if len(ListFunctions()) < 5 {
		t.Fatalf("expected builtin functions, got %v", ListFunctions())
	}
}

func TestRegisterDuplicateStimulus(t *testing.T) {
	err := RegisterStimulus("constant", newConstant)
	if !errors.Is(err, ErrStimulusExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestResolveStimulus(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		size int
		at   float64
		want []float64
	}{
		{name: "constant broadcast", spec: Spec{Name: "constant", Value: []float64{0.5}}, size: 2, at: 3, want: []float64{0.5, 0.5}},
		{name: "constant vector", spec: Spec{Name: "constant", Value: []float64{0.1, -0.2}}, size: 2, want: []float64{0.1, -0.2}},
		{name: "step before", spec: Spec{Name: "step", Value: []float64{1}, Params: map[string]float64{"at": 0.5}}, size: 1, at: 0.2, want: []float64{0}},
		{name: "step after", spec: Spec{Name: "step", Value: []float64{1}, Params: map[string]float64{"at": 0.5}}, size: 1, at: 0.7, want: []float64{1}},
		{name: "ramp midpoint", spec: Spec{Name: "ramp", Params: map[string]float64{"duration": 2}}, size: 1, at: 1, want: []float64{0}},
		{name: "pulse outside", spec: Spec{Name: "pulse", Value: []float64{1}, Params: map[string]float64{"from": 0.1, "to": 0.2}}, size: 1, at: 0.3, want: []float64{0}},
		{name: "sine quarter", spec: Spec{Name: "sine", Params: map[string]float64{"frequency": 1}}, size: 2, at: 0.25, want: []float64{1, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := ResolveStimulus(tc.spec, tc.size)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			out := make([]float64, tc.size)
			p.Output(tc.at, out)
			for i := range out {
				if math.Abs(out[i]-tc.want[i]) > 1e-9 {
					t.Fatalf("unexpected output: got=%v want=%v", out, tc.want)
				}
			}
		})
	}
}

func TestResolveStimulusErrors(t *testing.T) {
	if _, err := ResolveStimulus(Spec{Name: "noise"}, 1); !errors.Is(err, ErrStimulusNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := ResolveStimulus(Spec{Name: "constant", Value: []float64{1, 2, 3}}, 2); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
	if _, err := ResolveStimulus(Spec{Name: "ramp", Params: map[string]float64{"duration": 0}}, 1); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected invalid duration, got %v", err)
	}
}

func TestFunctions(t *testing.T) {
	fn, err := ResolveFunction("")
	if err != nil || fn.Name != "identity" {
		t.Fatalf("expected identity default: fn=%s err=%v", fn.Name, err)
	}
	product, err := ResolveFunction("product")
	if err != nil {
		t.Fatalf("resolve product: %v", err)
	}
	if _, err := product.OutDims(3); err == nil {
		t.Fatal("expected product to reject 3 inputs")
	}
	out := make([]float64, 1)
	product.Apply([]float64{0.5, -0.4}, out)
	if math.Abs(out[0]+0.2) > 1e-12 {
		t.Fatalf("unexpected product: got=%g", out[0])
	}
	if _, err := ResolveFunction("softmax"); !errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("expected function not found, got %v", err)
	}
}
