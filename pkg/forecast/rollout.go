package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/energycast/energycast/pkg/model"
)

// DefaultRolloutSteps is the number of autoregressive predictions returned
// by the consumption endpoint.
const DefaultRolloutSteps = 48

// ErrInvalidInputLength is returned when a rollout seed does not match the
// model window.
var ErrInvalidInputLength = errors.New("input length does not match model window")

// Rollout predicts steps values autoregressively from a single-variable
// seed. Each step feeds the first model output back in, dropping the oldest
// value of the window.
func Rollout(ctx context.Context, p model.Predictor, seed []float64, window, steps int) ([]float64, error) {
	if len(seed) != window {
		return nil, fmt.Errorf("%w: got %d values, need %d", ErrInvalidInputLength, len(seed), window)
	}
	if steps <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSteps, steps)
	}

	buf := append([]float64(nil), seed...)
	out := make([]float64, 0, steps)
	for i := 0; i < steps; i++ {
		in, err := model.NewTensor(append([]float64(nil), buf...), 1, window, 1)
		if err != nil {
			return nil, err
		}
		res, err := p.Predict(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("prediction %d failed: %w", i, err)
		}
		if len(res.Data) == 0 {
			return nil, fmt.Errorf("prediction %d is empty: %w", i, model.ErrShapeMismatch)
		}
		next := res.Data[0]
		if math.IsNaN(next) || math.IsInf(next, 0) {
			return nil, fmt.Errorf("prediction %d is not finite", i)
		}
		out = append(out, next)
		buf = append(buf[1:], next)
	}
	return out, nil
}
