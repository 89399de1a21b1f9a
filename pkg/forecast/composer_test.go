package forecast

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/model"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/types"
)

// 2024-01-01 is a Monday, so buckets below are weekday 0, month 1.
var lastTS = time.Date(2024, 1, 1, 9, 55, 0, 0, time.UTC)

func testMetadata() types.Metadata {
	return types.Metadata{
		WindowSize:      72,
		ForecastHorizon: 4,
		Features:        []string{"x"},
		TargetVars:      []string{"t"},
	}
}

func testScalers() scaler.Pair {
	return scaler.Pair{
		Features: &scaler.Standard{Mean: []float64{0}, Scale: []float64{1}},
		// model outputs are in normalized space: physical = 10 + 2*v
		Targets: &scaler.Standard{Mean: []float64{10}, Scale: []float64{2}},
	}
}

func testWindow(n int) types.Series {
	w := make(types.Series, n)
	for i := range w {
		w[i] = types.Sample{
			TS:     lastTS.Add(-time.Duration(n-1-i) * 5 * time.Minute),
			Values: map[string]float64{"x": float64(i)},
		}
	}
	return w
}

func testTable() *history.Table {
	return history.NewTable(map[history.Bucket]map[string]float64{
		{Weekday: 0, Month: 1, Hour: 10}: {"t": 100},
		{Weekday: 0, Month: 1, Hour: 11}: {"t": 200},
	})
}

func fixedPredictor(out model.Tensor) model.Predictor {
	return model.PredictorFunc(func(ctx context.Context, in model.Tensor) (model.Tensor, error) {
		return out, nil
	})
}

func newTestComposer(t *testing.T, p model.Predictor, table *history.Table) *Composer {
	t.Helper()
	c, err := NewComposer(p, testScalers(), table, testMetadata(), Options{})
	require.NoError(t, err)
	return c
}

func TestComposeModelThenHistory(t *testing.T) {
	var gotShape []int
	p := model.PredictorFunc(func(ctx context.Context, in model.Tensor) (model.Tensor, error) {
		gotShape = in.Shape
		return model.Tensor{Shape: []int{1, 4, 1}, Data: []float64{0, 1, 2, 3}}, nil
	})
	c := newTestComposer(t, p, testTable())

	f, err := c.Compose(context.Background(), testWindow(72), 8)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 72, 1}, gotShape)
	require.Len(t, f.Records, 8)
	assert.Empty(t, f.Degraded)
	assert.Equal(t, 4, f.ModelSteps())
	assert.Equal(t, lastTS.Add(5*time.Minute), f.Start)

	seen := map[time.Time]bool{}
	for i, r := range f.Records {
		assert.Equal(t, lastTS.Add(time.Duration(i+1)*5*time.Minute), r.TS, "index %d", i)
		assert.False(t, seen[r.TS])
		seen[r.TS] = true
		if i < 4 {
			assert.Equal(t, types.SourceModel, r.Source)
			assert.InDelta(t, 10+2*float64(i), r.Values["t"], 1e-9)
		} else {
			assert.Equal(t, types.SourceHistory, r.Source)
			minute := float64(r.TS.Minute())
			assert.InDelta(t, 100+100*minute/60, r.Values["t"], 1e-9)
		}
	}
}

func TestComposeAcceptsOutputShapes(t *testing.T) {
	data := []float64{0, 0, 0, 0}
	for _, shape := range [][]int{{4}, {1, 4}, {4, 1}, {1, 4, 1}} {
		c := newTestComposer(t, fixedPredictor(model.Tensor{Shape: shape, Data: data}), testTable())
		f, err := c.Compose(context.Background(), testWindow(72), 4)
		require.NoError(t, err)
		assert.Equal(t, 4, f.ModelSteps(), "shape %v", shape)
	}
}

func TestComposeExactSteps(t *testing.T) {
	c := newTestComposer(t, fixedPredictor(model.Tensor{Shape: []int{1, 4}, Data: []float64{0, 0, 0, 0}}), testTable())
	for _, n := range []int{1, 3, 4, 5, 288, 1000} {
		f, err := c.Compose(context.Background(), testWindow(100), n)
		require.NoError(t, err)
		require.Len(t, f.Records, n)
		for i, r := range f.Records {
			assert.Equal(t, lastTS.Add(time.Duration(i+1)*5*time.Minute), r.TS)
			_, ok := r.Values["t"]
			assert.True(t, ok)
		}
	}
}

func TestComposeNoBackfillWhenModelCovers(t *testing.T) {
	// an empty table would produce missing-bucket degradations if backfill ran
	c := newTestComposer(t, fixedPredictor(model.Tensor{Shape: []int{1, 4}, Data: []float64{0, 1, 2, 3}}), history.NewTable(nil))

	f, err := c.Compose(context.Background(), testWindow(72), 4)
	require.NoError(t, err)
	assert.Len(t, f.Records, 4)
	assert.Empty(t, f.Degraded)
	assert.Equal(t, 4, f.ModelSteps())

	f, err = c.Compose(context.Background(), testWindow(72), 2)
	require.NoError(t, err)
	require.Len(t, f.Records, 2)
	assert.Empty(t, f.Degraded)
	assert.InDelta(t, 12.0, f.Records[1].Values["t"], 1e-9)
}

func TestComposeModelFailureFallsBack(t *testing.T) {
	tests := []struct {
		name string
		p    model.Predictor
	}{
		{"Error", model.PredictorFunc(func(ctx context.Context, in model.Tensor) (model.Tensor, error) {
			return model.Tensor{}, errors.New("boom")
		})},
		{"ShapeMismatch", fixedPredictor(model.Tensor{Shape: []int{1, 3}, Data: []float64{1, 2, 3}})},
		{"NaN", fixedPredictor(model.Tensor{Shape: []int{4}, Data: []float64{1, math.NaN(), 3, 4}})},
		{"NotLoaded", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestComposer(t, tt.p, testTable())
			f, err := c.Compose(context.Background(), testWindow(72), 8)
			require.NoError(t, err)
			require.Len(t, f.Records, 8)
			assert.Equal(t, 0, f.ModelSteps())
			require.Len(t, f.Degraded, 1)
			assert.Equal(t, types.DegradedModelUnavailable, f.Degraded[0].Kind)
			assert.NotEmpty(t, f.Degraded[0].Detail)
			assert.InDelta(t, 100.0, f.Records[0].Values["t"], 1e-9)
		})
	}
}

func TestComposeInsufficientWindow(t *testing.T) {
	called := false
	p := model.PredictorFunc(func(ctx context.Context, in model.Tensor) (model.Tensor, error) {
		called = true
		return model.Tensor{}, nil
	})
	c := newTestComposer(t, p, testTable())

	f, err := c.Compose(context.Background(), testWindow(10), 6)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Len(t, f.Records, 6)
	require.NotEmpty(t, f.Degraded)
	assert.Equal(t, types.DegradedInsufficientWindow, f.Degraded[0].Kind)
}

func TestComposeUnavailable(t *testing.T) {
	c := newTestComposer(t, nil, history.NewTable(nil))
	f, err := c.Compose(context.Background(), testWindow(72), 8)
	assert.ErrorIs(t, err, ErrForecastUnavailable)
	assert.Nil(t, f)

	c = newTestComposer(t, nil, nil)
	_, err = c.Compose(context.Background(), testWindow(72), 8)
	assert.ErrorIs(t, err, ErrForecastUnavailable)
}

func TestComposeValidation(t *testing.T) {
	c := newTestComposer(t, nil, testTable())

	_, err := c.Compose(context.Background(), testWindow(72), 0)
	assert.ErrorIs(t, err, ErrInvalidSteps)

	_, err = c.Compose(context.Background(), nil, 8)
	assert.ErrorIs(t, err, ErrEmptyWindow)

	w := testWindow(3)
	w[1].TS = w[0].TS
	_, err = c.Compose(context.Background(), w, 8)
	assert.ErrorIs(t, err, ErrUnorderedWindow)
}

func TestComposeHistoryIdempotent(t *testing.T) {
	c := newTestComposer(t, nil, testTable())
	a, err := c.Compose(context.Background(), testWindow(72), 300)
	require.NoError(t, err)
	b, err := c.Compose(context.Background(), testWindow(72), 300)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBackfillInterpolates(t *testing.T) {
	table := history.NewTable(map[history.Bucket]map[string]float64{
		{Weekday: 0, Month: 1, Hour: 10}: {"t": 10},
		{Weekday: 0, Month: 1, Hour: 11}: {"t": 20},
	})
	c := newTestComposer(t, nil, table)

	recs, degraded := c.Backfill(context.Background(), time.Date(2024, 1, 1, 10, 25, 0, 0, time.UTC), 1)
	assert.Empty(t, degraded)
	require.Len(t, recs, 1)
	assert.Equal(t, 30, recs[0].TS.Minute())
	assert.InDelta(t, 15.0, recs[0].Values["t"], 1e-12)
}

func TestBackfillMissingNextReusesCurrent(t *testing.T) {
	table := history.NewTable(map[history.Bucket]map[string]float64{
		{Weekday: 0, Month: 1, Hour: 11}: {"t": 7},
	})
	c := newTestComposer(t, nil, table)

	recs, degraded := c.Backfill(context.Background(), time.Date(2024, 1, 1, 11, 40, 0, 0, time.UTC), 1)
	assert.Empty(t, degraded)
	require.Len(t, recs, 1)
	assert.InDelta(t, 7.0, recs[0].Values["t"], 1e-12)
}

func TestBackfillMissingBucketZeroFills(t *testing.T) {
	md := testMetadata()
	md.TargetVars = []string{"t", "g"}
	table := history.NewTable(map[history.Bucket]map[string]float64{
		{Weekday: 0, Month: 1, Hour: 10}: {"t": 10, "g": 5},
	})
	c, err := NewComposer(nil, scaler.Pair{}, table, md, Options{})
	require.NoError(t, err)

	from := time.Date(2024, 1, 1, 10, 55, 0, 0, time.UTC)
	recs, degraded := c.Backfill(context.Background(), from, 2)
	require.Len(t, recs, 2)
	assert.Equal(t, map[string]float64{"t": 0, "g": 0}, recs[0].Values)
	assert.Equal(t, types.SourceFallback, recs[0].Source)
	require.Len(t, degraded, 2)
	assert.Equal(t, types.DegradedMissingBucket, degraded[0].Kind)
	assert.Equal(t, from.Add(5*time.Minute), degraded[0].TS)
	assert.Equal(t, "0-1-11", degraded[0].Detail)
}

func TestBackfillMissingVariableZeroFills(t *testing.T) {
	md := testMetadata()
	md.TargetVars = []string{"t", "g"}
	table := history.NewTable(map[history.Bucket]map[string]float64{
		{Weekday: 0, Month: 1, Hour: 10}: {"t": 10},
		{Weekday: 0, Month: 1, Hour: 11}: {"t": 20, "g": 50},
	})
	c, err := NewComposer(nil, scaler.Pair{}, table, md, Options{})
	require.NoError(t, err)

	from := time.Date(2024, 1, 1, 10, 25, 0, 0, time.UTC)
	recs, degraded := c.Backfill(context.Background(), from, 1)
	require.Len(t, recs, 1)
	assert.InDelta(t, 15.0, recs[0].Values["t"], 1e-12)
	assert.Equal(t, 0.0, recs[0].Values["g"])
	assert.Equal(t, types.SourceFallback, recs[0].Source)
	require.Len(t, degraded, 1)
	assert.Equal(t, types.DegradedMissingBucket, degraded[0].Kind)
	assert.Equal(t, from.Add(5*time.Minute), degraded[0].TS)
	assert.Equal(t, "0-1-10 g", degraded[0].Detail)
}

func TestComposeSameInstantAnyOffset(t *testing.T) {
	c := newTestComposer(t, nil, testTable())

	utc := testWindow(72)
	shifted := make(types.Series, len(utc))
	for i, s := range utc {
		shifted[i] = types.Sample{TS: s.TS.In(time.FixedZone("UTC+2", 2*60*60)), Values: s.Values}
	}

	a, err := c.Compose(context.Background(), utc, 2)
	require.NoError(t, err)
	b, err := c.Compose(context.Background(), shifted, 2)
	require.NoError(t, err)

	require.Len(t, b.Records, len(a.Records))
	for i := range a.Records {
		assert.True(t, a.Records[i].TS.Equal(b.Records[i].TS))
		assert.Equal(t, a.Records[i].Values, b.Records[i].Values)
		assert.Equal(t, a.Records[i].Source, b.Records[i].Source)
	}
	assert.Equal(t, types.SourceHistory, b.Records[0].Source)
	assert.Equal(t, 100.0, b.Records[0].Values["t"])
	require.Len(t, b.Degraded, len(a.Degraded))
	for i := range a.Degraded {
		assert.Equal(t, a.Degraded[i].Kind, b.Degraded[i].Kind)
		assert.Equal(t, a.Degraded[i].Detail, b.Degraded[i].Detail)
	}
}

func TestComposeBlend(t *testing.T) {
	c, err := NewComposer(
		fixedPredictor(model.Tensor{Shape: []int{4}, Data: []float64{0, 0, 0, 0}}),
		testScalers(),
		testTable(),
		testMetadata(),
		Options{ModelWeight: 0.7},
	)
	require.NoError(t, err)

	f, err := c.Compose(context.Background(), testWindow(72), 4)
	require.NoError(t, err)
	// model 10, hour-10 bucket 100
	assert.InDelta(t, 0.7*10+0.3*100, f.Records[0].Values["t"], 1e-9)
}

func TestAssembleKeepsFirstDuplicate(t *testing.T) {
	c := newTestComposer(t, nil, testTable())
	start := lastTS.Add(5 * time.Minute)
	recs := []types.Record{
		{TS: start.Add(5 * time.Minute), Values: map[string]float64{"t": 1}},
		{TS: start, Values: map[string]float64{"t": 2}},
		{TS: start.Add(5 * time.Minute), Values: map[string]float64{"t": 3}},
		{TS: start.Add(-5 * time.Minute), Values: map[string]float64{"t": 4}},
		{TS: start.Add(10 * time.Minute), Values: map[string]float64{"t": 5}},
	}
	out := c.assemble(recs, start, 2)
	require.Len(t, out, 2)
	assert.Equal(t, 2.0, out[0].Values["t"])
	assert.Equal(t, 1.0, out[1].Values["t"])
}

func TestNewComposerValidation(t *testing.T) {
	p := fixedPredictor(model.Tensor{})

	_, err := NewComposer(p, scaler.Pair{}, testTable(), testMetadata(), Options{})
	assert.Error(t, err)

	s := testScalers()
	s.Features = &scaler.Standard{Mean: []float64{0, 0}, Scale: []float64{1, 1}}
	_, err = NewComposer(p, s, testTable(), testMetadata(), Options{})
	assert.ErrorContains(t, err, "feature scaler width")

	_, err = NewComposer(p, testScalers(), testTable(), types.Metadata{}, Options{})
	assert.Error(t, err)

	c, err := NewComposer(p, testScalers(), testTable(), testMetadata(), Options{Interval: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, c.Interval())
}
