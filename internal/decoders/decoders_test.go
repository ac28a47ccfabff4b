package decoders

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestSolveRecoversLinearReadout(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	xs := Uniform(rng, 200, -1, 1)

	// rectified on/off units tile the input range
	centers := []float64{-0.75, -0.25, 0.25, 0.75}
	activities := make([][]float64, len(xs))
	targets := make([][]float64, len(xs))
	for i, x := range xs {
		row := make([]float64, 0, 2*len(centers))
		for _, c := range centers {
			row = append(row, 100*math.Max(0, x-c), 100*math.Max(0, c-x))
		}
		activities[i] = row
		targets[i] = []float64{x}
	}

	d, err := Solve(activities, targets, 0.001)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	rows, cols := d.Dims()
	if rows != 2*len(centers) || cols != 1 {
		t.Fatalf("unexpected decoder shape: got=%dx%d", rows, cols)
	}
	if rmse := RMSE(activities, d, targets); rmse > 0.01 {
		t.Fatalf("unexpected decode error: rmse=%g", rmse)
	}
}

func TestSolveRejectsMismatchedShapes(t *testing.T) {
	_, err := Solve([][]float64{{1, 2}}, [][]float64{{1}, {2}}, DefaultReg)
	if !errors.Is(err, ErrShape) {
		t.Fatalf("expected shape error, got %v", err)
	}
	_, err = Solve([][]float64{{1, 2}, {1}}, [][]float64{{1}, {2}}, DefaultReg)
	if !errors.Is(err, ErrShape) {
		t.Fatalf("expected ragged row error, got %v", err)
	}
}

func TestSamplers(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, v := range UnitVectors(rng, 50, 3) {
		var norm float64
		for _, x := range v {
			norm += x * x
		}
		if math.Abs(norm-1) > 1e-9 {
			t.Fatalf("expected unit vector, got norm²=%g", norm)
		}
	}
	for _, v := range BallPoints(rng, 50, 2) {
		if math.Hypot(v[0], v[1]) > 1+1e-9 {
			t.Fatalf("point outside unit ball: %v", v)
		}
	}
	for _, x := range Uniform(rng, 50, 200, 400) {
		if x < 200 || x >= 400 {
			t.Fatalf("uniform sample out of range: %g", x)
		}
	}
}
