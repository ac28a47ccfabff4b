// Package decoders solves for the linear readout weights that turn a
// population's spike rates back into a vector value.
package decoders

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

var ErrShape = errors.New("decoder shape mismatch")

// DefaultReg is the L2 regularization relative to the peak activity.
const DefaultReg = 0.1

// Solve returns the n×d decoders D minimizing |A·D - Y|² + m·σ²·|D|² where
// A is m×n activities, Y is m×d targets and σ = reg·max(A).
func Solve(activities, targets [][]float64, reg float64) (*mat.Dense, error) {
	m := len(activities)
	if m == 0 || len(targets) != m {
		return nil, fmt.Errorf("%w: %d activity rows, %d target rows", ErrShape, m, len(targets))
	}
	n, d := len(activities[0]), len(targets[0])
	if n == 0 || d == 0 {
		return nil, fmt.Errorf("%w: empty activity or target rows", ErrShape)
	}

	a := mat.NewDense(m, n, nil)
	y := mat.NewDense(m, d, nil)
	maxRate := 0.0
	for i := 0; i < m; i++ {
		if len(activities[i]) != n || len(targets[i]) != d {
			return nil, fmt.Errorf("%w: ragged row %d", ErrShape, i)
		}
		a.SetRow(i, activities[i])
		y.SetRow(i, targets[i])
		for _, v := range activities[i] {
			maxRate = math.Max(maxRate, v)
		}
	}

	var gram mat.Dense
	gram.Mul(a.T(), a)
	sigma := reg * maxRate
	for i := 0; i < n; i++ {
		gram.Set(i, i, gram.At(i, i)+float64(m)*sigma*sigma)
	}
	var aty mat.Dense
	aty.Mul(a.T(), y)

	var out mat.Dense
	if err := out.Solve(&gram, &aty); err != nil {
		return nil, fmt.Errorf("solve decoders: %w", err)
	}
	return &out, nil
}

// RMSE is the root mean squared error of A·D against Y.
func RMSE(activities [][]float64, d *mat.Dense, targets [][]float64) float64 {
	_, dims := d.Dims()
	var sum float64
	var count int
	for i, row := range activities {
		for k := 0; k < dims; k++ {
			var est float64
			for j, a := range row {
				est += a * d.At(j, k)
			}
			diff := est - targets[i][k]
			sum += diff * diff
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

// UnitVectors samples n points uniformly on the surface of the dims-sphere.
func UnitVectors(rng *rand.Rand, n, dims int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		v := make([]float64, dims)
		for {
			var norm float64
			for k := range v {
				v[k] = rng.NormFloat64()
				norm += v[k] * v[k]
			}
			if norm > 1e-12 {
				norm = math.Sqrt(norm)
				for k := range v {
					v[k] /= norm
				}
				break
			}
		}
		out[i] = v
	}
	return out
}

// BallPoints samples n points uniformly inside the unit dims-ball.
func BallPoints(rng *rand.Rand, n, dims int) [][]float64 {
	out := UnitVectors(rng, n, dims)
	for _, v := range out {
		r := math.Pow(rng.Float64(), 1/float64(dims))
		for k := range v {
			v[k] *= r
		}
	}
	return out
}

// Uniform samples n values in [lo, hi).
func Uniform(rng *rand.Rand, n int, lo, hi float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + (hi-lo)*rng.Float64()
	}
	return out
}
