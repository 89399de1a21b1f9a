package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/energycast/energycast/pkg/dataset"
	"github.com/energycast/energycast/pkg/model"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/types"
)

// ErrNoWindows is returned when a series is too short to evaluate.
var ErrNoWindows = errors.New("series too short for any evaluation window")

// Metrics computes MAE, RMSE and R² of predicted against actual. R² is 1
// when actual is constant and perfectly predicted, and 0 when it is constant
// otherwise.
func Metrics(actual, predicted []float64) (types.VariableMetrics, error) {
	if len(actual) != len(predicted) {
		return types.VariableMetrics{}, fmt.Errorf("actual has %d values, predicted %d", len(actual), len(predicted))
	}
	if len(actual) == 0 {
		return types.VariableMetrics{}, errors.New("no values to evaluate")
	}
	n := float64(len(actual))

	diff := make([]float64, len(actual))
	floats.SubTo(diff, actual, predicted)
	ssRes := floats.Dot(diff, diff)
	for i := range diff {
		diff[i] = math.Abs(diff[i])
	}

	mean := stat.Mean(actual, nil)
	var ssTot float64
	for _, a := range actual {
		ssTot += (a - mean) * (a - mean)
	}

	m := types.VariableMetrics{
		MAE:  floats.Sum(diff) / n,
		RMSE: math.Sqrt(ssRes / n),
	}
	switch {
	case ssTot != 0:
		m.R2 = 1 - ssRes/ssTot
	case ssRes == 0:
		m.R2 = 1
	}
	return m, nil
}

// Evaluate slides the model over series, predicting every full horizon that
// follows a full window, and reports per-target metrics in physical units.
func Evaluate(ctx context.Context, p model.Predictor, scalers scaler.Pair, md types.Metadata, series types.Series) (map[string]types.VariableMetrics, error) {
	x, err := dataset.Matrix(series, md.Features)
	if err != nil {
		return nil, err
	}
	y, err := dataset.Matrix(series, md.TargetVars)
	if err != nil {
		return nil, err
	}
	xs, ys, err := dataset.Windows(x, y, md.WindowSize, md.ForecastHorizon)
	if err != nil {
		return nil, err
	}
	if len(xs) == 0 {
		return nil, ErrNoWindows
	}

	nt := len(md.TargetVars)
	actual := make([][]float64, nt)
	predicted := make([][]float64, nt)
	for i := range xs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		steps, err := predictSteps(ctx, p, scalers, md, xs[i])
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		for h, step := range steps {
			for j := range nt {
				actual[j] = append(actual[j], ys[i][h*nt+j])
				predicted[j] = append(predicted[j], step[j])
			}
		}
	}

	out := make(map[string]types.VariableMetrics, nt)
	for j, v := range md.TargetVars {
		m, err := Metrics(actual[j], predicted[j])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v, err)
		}
		out[v] = m
	}
	return out, nil
}
