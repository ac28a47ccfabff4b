package builder

import "gonum.org/v1/gonum/mat"

// dense converts a row-major matrix, expanding nil into the rows×cols
// identity.
func dense(m [][]float64, rows, cols int) *mat.Dense {
	out := mat.NewDense(rows, cols, nil)
	if m == nil {
		for i := 0; i < rows && i < cols; i++ {
			out.Set(i, i, 1)
		}
		return out
	}
	for i := range m {
		out.SetRow(i, m[i])
	}
	return out
}

func rowsOf(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		for j := range out[i] {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}

func mul(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}
