package ml

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes each feature to zero mean and unit variance.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes per-column mean and sample standard deviation.
// Constant columns get a deviation of 1 so they pass through centred.
func FitScaler(ds *Dataset) Scaler {
	d := ds.Schema.Len()
	s := Scaler{Mean: make([]float64, d), Std: make([]float64, d)}
	for j := 0; j < d; j++ {
		col := ds.Column(j)
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j] = mean
		s.Std[j] = std
	}
	return s
}

// TransformInto writes the standardized row into dst.
func (s Scaler) TransformInto(dst, row []float64) {
	for j, v := range row {
		dst[j] = (v - s.Mean[j]) / s.Std[j]
	}
}

// Transform returns a standardized copy of every row.
func (s Scaler) Transform(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = make([]float64, len(row))
		s.TransformInto(out[i], row)
	}
	return out
}
