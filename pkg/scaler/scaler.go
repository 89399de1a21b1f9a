// Package scaler implements the invertible linear transforms that map raw
// feature and target vectors into the normalized space a sequence model was
// trained in.
package scaler

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrWidth is returned when a vector does not match the fitted width.
var ErrWidth = errors.New("vector width does not match scaler")

// Scaler transforms fixed-width vectors to and from normalized space.
type Scaler interface {
	Transform(v []float64) ([]float64, error)
	InverseTransform(v []float64) ([]float64, error)
}

// Standard is a z-score scaler: (x - mean) / scale per column.
// A zero-variance column gets a scale of 1 so it round-trips unchanged.
type Standard struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

var _ Scaler = (*Standard)(nil)

// Fit computes per-column population mean and standard deviation.
func Fit(rows [][]float64) (*Standard, error) {
	if len(rows) == 0 {
		return nil, errors.New("cannot fit scaler on empty data")
	}
	width := len(rows[0])
	if width == 0 {
		return nil, errors.New("cannot fit scaler on zero-width rows")
	}
	m := mat.NewDense(len(rows), width, nil)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("row %d has width %d, expected %d: %w", i, len(r), width, ErrWidth)
		}
		m.SetRow(i, r)
	}

	s := &Standard{
		Mean:  make([]float64, width),
		Scale: make([]float64, width),
	}
	col := make([]float64, len(rows))
	for j := 0; j < width; j++ {
		mat.Col(col, j, m)
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std < 1e-12 || math.IsNaN(std) {
			std = 1
		}
		s.Scale[j] = std
	}
	return s, nil
}

// Width returns the number of columns the scaler was fitted on.
func (s *Standard) Width() int {
	return len(s.Mean)
}

// Validate checks the persisted parameters are consistent.
func (s *Standard) Validate() error {
	if len(s.Mean) == 0 {
		return errors.New("scaler has no columns")
	}
	if len(s.Mean) != len(s.Scale) {
		return fmt.Errorf("scaler mean width %d != scale width %d", len(s.Mean), len(s.Scale))
	}
	for i, sc := range s.Scale {
		if sc == 0 || math.IsNaN(sc) || math.IsInf(sc, 0) {
			return fmt.Errorf("scaler column %d has invalid scale %v", i, sc)
		}
	}
	return nil
}

// Transform normalizes a single vector.
func (s *Standard) Transform(v []float64) ([]float64, error) {
	if len(v) != len(s.Mean) {
		return nil, fmt.Errorf("got %d values, expected %d: %w", len(v), len(s.Mean), ErrWidth)
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = (x - s.Mean[i]) / s.Scale[i]
	}
	return out, nil
}

// InverseTransform maps a normalized vector back to physical units.
func (s *Standard) InverseTransform(v []float64) ([]float64, error) {
	if len(v) != len(s.Mean) {
		return nil, fmt.Errorf("got %d values, expected %d: %w", len(v), len(s.Mean), ErrWidth)
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x*s.Scale[i] + s.Mean[i]
	}
	return out, nil
}

// TransformMatrix normalizes every row of m.
func (s *Standard) TransformMatrix(m mat.Matrix) (*mat.Dense, error) {
	_, c := m.Dims()
	if c != len(s.Mean) {
		return nil, fmt.Errorf("got %d columns, expected %d: %w", c, len(s.Mean), ErrWidth)
	}
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 {
		return (v - s.Mean[j]) / s.Scale[j]
	}, m)
	return &out, nil
}

// InverseTransformMatrix maps every row of m back to physical units.
func (s *Standard) InverseTransformMatrix(m mat.Matrix) (*mat.Dense, error) {
	_, c := m.Dims()
	if c != len(s.Mean) {
		return nil, fmt.Errorf("got %d columns, expected %d: %w", c, len(s.Mean), ErrWidth)
	}
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 {
		return v*s.Scale[j] + s.Mean[j]
	}, m)
	return &out, nil
}

// Pair holds the feature and target scalers of one model.
type Pair struct {
	Features *Standard `json:"features"`
	Targets  *Standard `json:"targets"`
}

// Validate checks both scalers.
func (p Pair) Validate() error {
	if p.Features == nil || p.Targets == nil {
		return errors.New("scaler pair is incomplete")
	}
	if err := p.Features.Validate(); err != nil {
		return fmt.Errorf("invalid feature scaler: %w", err)
	}
	if err := p.Targets.Validate(); err != nil {
		return fmt.Errorf("invalid target scaler: %w", err)
	}
	return nil
}
