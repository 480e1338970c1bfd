package ml

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// FeatureRange is the observed spread of one feature.
type FeatureRange struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// FeatureRanges holds one range per schema feature, in schema order.
type FeatureRanges struct {
	Schema Schema         `json:"-"`
	Ranges []FeatureRange `json:"features"`
}

// ComputeFeatureRanges derives (min, max, mean) for every feature over the full dataset.
func ComputeFeatureRanges(ds *Dataset) (FeatureRanges, error) {
	if ds == nil || ds.Len() == 0 {
		return FeatureRanges{}, errors.New("dataset is empty")
	}
	ranges := make([]FeatureRange, ds.Schema.Len())
	for j, name := range ds.Schema.Names() {
		col := ds.Column(j)
		lo, hi := floats.Min(col), floats.Max(col)
		// summation error can push the mean a few ulps past an extreme
		mean := clamp(stat.Mean(col, nil), lo, hi)
		ranges[j] = FeatureRange{Name: name, Min: lo, Max: hi, Mean: mean}
	}
	return FeatureRanges{Schema: ds.Schema, Ranges: ranges}, nil
}

// Get returns the range for name.
func (fr FeatureRanges) Get(name string) (FeatureRange, bool) {
	if i := fr.Schema.Index(name); i >= 0 {
		return fr.Ranges[i], true
	}
	return FeatureRange{}, false
}

// Defaults returns the mean of every feature, the starting point of the query form.
func (fr FeatureRanges) Defaults() []float64 {
	v := make([]float64, len(fr.Ranges))
	for i, r := range fr.Ranges {
		v[i] = r.Mean
	}
	return v
}

// Minimums returns the lower bound of every feature.
func (fr FeatureRanges) Minimums() []float64 {
	v := make([]float64, len(fr.Ranges))
	for i, r := range fr.Ranges {
		v[i] = r.Min
	}
	return v
}

// Maximums returns the upper bound of every feature.
func (fr FeatureRanges) Maximums() []float64 {
	v := make([]float64, len(fr.Ranges))
	for i, r := range fr.Ranges {
		v[i] = r.Max
	}
	return v
}

// Clamp forces v into [Min, Max].
func (r FeatureRange) Clamp(v float64) float64 {
	return clamp(v, r.Min, r.Max)
}

// Clamp returns a copy of vector with every value forced into its feature's range.
func (fr FeatureRanges) Clamp(vector []float64) ([]float64, error) {
	if len(vector) != len(fr.Ranges) {
		return nil, fmt.Errorf("%w: expected %d features, got %d", ErrSchemaMismatch, len(fr.Ranges), len(vector))
	}
	out := make([]float64, len(vector))
	for i, v := range vector {
		out[i] = fr.Ranges[i].Clamp(v)
	}
	return out, nil
}

// Validate rejects the first value outside its observed range.
func (fr FeatureRanges) Validate(vector []float64) error {
	if len(vector) != len(fr.Ranges) {
		return fmt.Errorf("%w: expected %d features, got %d", ErrSchemaMismatch, len(fr.Ranges), len(vector))
	}
	for i, v := range vector {
		r := fr.Ranges[i]
		if v < r.Min || v > r.Max {
			return fmt.Errorf("%w: %s=%g not in [%g, %g]", ErrOutOfRange, r.Name, v, r.Min, r.Max)
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
