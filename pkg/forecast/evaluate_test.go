package forecast

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energycast/energycast/pkg/model"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/types"
)

func TestMetrics(t *testing.T) {
	m, err := Metrics([]float64{1, 2, 3, 4}, []float64{1, 2, 3, 6})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, m.MAE, 1e-12)
	assert.InDelta(t, 1.0, m.RMSE, 1e-12)
	// ss_res 4, ss_tot 5
	assert.InDelta(t, 0.2, m.R2, 1e-12)

	m, err = Metrics([]float64{2, 2}, []float64{2, 2})
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.R2)

	m, err = Metrics([]float64{2, 2}, []float64{2, 3})
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.R2)
	assert.InDelta(t, math.Sqrt(0.5), m.RMSE, 1e-12)

	_, err = Metrics([]float64{1}, nil)
	assert.Error(t, err)
	_, err = Metrics(nil, nil)
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	md := types.Metadata{
		WindowSize:      2,
		ForecastHorizon: 1,
		Features:        []string{"x"},
		TargetVars:      []string{"x"},
	}
	identity := scaler.Pair{
		Features: &scaler.Standard{Mean: []float64{0}, Scale: []float64{1}},
		Targets:  &scaler.Standard{Mean: []float64{0}, Scale: []float64{1}},
	}
	// persistence model: predicts the last value of the window
	last := model.PredictorFunc(func(ctx context.Context, in model.Tensor) (model.Tensor, error) {
		return model.Tensor{Shape: []int{1, 1}, Data: []float64{in.Data[len(in.Data)-1]}}, nil
	})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var series types.Series
	for i, v := range []float64{1, 2, 3, 4} {
		series = append(series, types.Sample{
			TS:     start.Add(time.Duration(i) * 5 * time.Minute),
			Values: map[string]float64{"x": v},
		})
	}

	metrics, err := Evaluate(context.Background(), last, identity, md, series)
	require.NoError(t, err)
	require.Contains(t, metrics, "x")
	// windows [1 2]->3 (pred 2), [2 3]->4 (pred 3)
	assert.InDelta(t, 1.0, metrics["x"].MAE, 1e-12)
	assert.InDelta(t, 1.0, metrics["x"].RMSE, 1e-12)
	assert.InDelta(t, -3.0, metrics["x"].R2, 1e-12)

	_, err = Evaluate(context.Background(), last, identity, md, series[:2])
	assert.ErrorIs(t, err, ErrNoWindows)
}
