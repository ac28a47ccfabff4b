package artifacts

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"spikecore/internal/model"
)

// ProbeStats summarizes each dimension of a probe over the recorded ticks.
type ProbeStats struct {
	Probe   string    `json:"probe"`
	Samples int       `json:"samples"`
	Mean    []float64 `json:"mean"`
	Std     []float64 `json:"std"`
	Min     []float64 `json:"min"`
	Max     []float64 `json:"max"`
}

// SummarizeProbe computes population statistics per dimension. Samples
// before skip ticks are left out so filter warm-up does not skew them.
func SummarizeProbe(series model.ProbeSeries, skip int64) ProbeStats {
	out := ProbeStats{Probe: series.Probe}
	var columns [][]float64
	for row, tick := range series.Ticks {
		if tick <= skip {
			continue
		}
		values := series.Values[row]
		if columns == nil {
			columns = make([][]float64, len(values))
		}
		for d, v := range values {
			if d < len(columns) {
				columns[d] = append(columns[d], v)
			}
		}
		out.Samples++
	}
	if out.Samples == 0 {
		return out
	}

	dims := len(columns)
	out.Mean = make([]float64, dims)
	out.Std = make([]float64, dims)
	out.Min = make([]float64, dims)
	out.Max = make([]float64, dims)
	for d, col := range columns {
		out.Mean[d], out.Std[d] = stat.PopMeanStdDev(col, nil)
		out.Min[d] = floats.Min(col)
		out.Max[d] = floats.Max(col)
	}
	return out
}

func SummarizeProbes(series []model.ProbeSeries, skip int64) []ProbeStats {
	out := make([]ProbeStats, 0, len(series))
	for _, s := range series {
		out = append(out, SummarizeProbe(s, skip))
	}
	return out
}
