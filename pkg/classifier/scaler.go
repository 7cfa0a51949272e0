package classifier

import (
	"gonum.org/v1/gonum/stat"
)

// StandardScaler centers each feature and scales it to unit variance.
// Constant features keep a scale of 1.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler learns per-column mean and population standard deviation
func FitScaler(x [][]float64) *StandardScaler {
	width := len(x[0])
	s := &StandardScaler{Mean: make([]float64, width), Scale: make([]float64, width)}
	column := make([]float64, len(x))
	for j := 0; j < width; j++ {
		for i, row := range x {
			column[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(column, nil)
		s.Mean[j] = mean
		if std == 0 {
			std = 1
		}
		s.Scale[j] = std
	}
	return s
}

// Transform returns a standardized copy of x
func (s *StandardScaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out
}

// TransformAll standardizes every row
func (s *StandardScaler) TransformAll(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = s.Transform(row)
	}
	return out
}
