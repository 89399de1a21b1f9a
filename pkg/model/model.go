// Package model is the boundary to trained sequence models. Models are loaded
// once at startup and shared read-only between requests.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when a tensor does not have the expected shape.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a dense row-major array with an explicit shape.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// NewTensor wraps data with the given shape, checking the element count.
func NewTensor(data []float64, shape ...int) (Tensor, error) {
	t := Tensor{Shape: shape, Data: data}
	if t.Size() != len(data) {
		return Tensor{}, fmt.Errorf("shape %v holds %d values, got %d: %w", shape, t.Size(), len(data), ErrShapeMismatch)
	}
	return t, nil
}

// Size returns the number of elements implied by the shape.
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Finite reports whether every element is a finite number.
func (t Tensor) Finite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Steps reshapes a forecast output into [horizon][targets]. It accepts the
// flattened ([H*T], [1, H*T]) and shaped ([H, T], [1, H, T]) layouts models
// commonly emit.
func (t Tensor) Steps(horizon, targets int) ([][]float64, error) {
	want := horizon * targets
	if len(t.Data) != want || t.Size() != want {
		return nil, fmt.Errorf("output shape %v (%d values), expected %d x %d: %w", t.Shape, len(t.Data), horizon, targets, ErrShapeMismatch)
	}
	switch len(t.Shape) {
	case 1:
	case 2:
		if t.Shape[0] != 1 && (t.Shape[0] != horizon || t.Shape[1] != targets) {
			return nil, fmt.Errorf("output shape %v, expected [1 %d] or [%d %d]: %w", t.Shape, want, horizon, targets, ErrShapeMismatch)
		}
	case 3:
		if t.Shape[0] != 1 || t.Shape[1] != horizon || t.Shape[2] != targets {
			return nil, fmt.Errorf("output shape %v, expected [1 %d %d]: %w", t.Shape, horizon, targets, ErrShapeMismatch)
		}
	default:
		return nil, fmt.Errorf("output rank %d not supported: %w", len(t.Shape), ErrShapeMismatch)
	}
	steps := make([][]float64, horizon)
	for i := range steps {
		steps[i] = append([]float64(nil), t.Data[i*targets:(i+1)*targets]...)
	}
	return steps, nil
}

// Predictor runs inference on a trained model.
// Implementations must be safe for concurrent use.
type Predictor interface {
	Predict(ctx context.Context, in Tensor) (Tensor, error)
}

// PredictorFunc adapts a function to the Predictor interface.
type PredictorFunc func(ctx context.Context, in Tensor) (Tensor, error)

// Predict calls f.
func (f PredictorFunc) Predict(ctx context.Context, in Tensor) (Tensor, error) {
	return f(ctx, in)
}
