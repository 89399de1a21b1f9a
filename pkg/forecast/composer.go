// Package forecast composes dense forecasts from a sequence model and the
// seasonal-average table, and evaluates model accuracy.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/energycast/energycast/pkg/dataset"
	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/log"
	"github.com/energycast/energycast/pkg/model"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/types"
)

var (
	// ErrForecastUnavailable is returned when neither the model nor the
	// seasonal table can produce any step. Callers must not substitute values.
	ErrForecastUnavailable = errors.New("forecast unavailable")

	// ErrInvalidSteps is returned when the requested step count is not positive.
	ErrInvalidSteps = errors.New("total steps must be positive")
	// ErrEmptyWindow is returned when Compose is given no samples.
	ErrEmptyWindow = errors.New("window is empty")
	// ErrUnorderedWindow is returned when window timestamps repeat or go backwards.
	ErrUnorderedWindow = errors.New("window timestamps are not strictly increasing")
)

// ModelResult is the outcome of the model step: either Produced records or
// Unavailable with a reason.
type ModelResult struct {
	Records []types.Record
	Reason  string
}

// Produced returns a successful ModelResult.
func Produced(records []types.Record) ModelResult {
	return ModelResult{Records: records}
}

// Unavailable returns a ModelResult carrying why the model was skipped.
func Unavailable(reason string) ModelResult {
	return ModelResult{Reason: reason}
}

// Available reports whether the model produced records.
func (r ModelResult) Available() bool {
	return r.Reason == "" && len(r.Records) > 0
}

// Options tune a Composer.
type Options struct {
	// Interval overrides the metadata interval when positive.
	Interval time.Duration

	// ModelWeight blends each model step with the seasonal mean of its hour:
	// w*model + (1-w)*history. Zero or values >= 1 disable blending.
	ModelWeight float64
}

// Composer produces forecasts. It holds only read-only state and is safe for
// concurrent use.
type Composer struct {
	predictor   model.Predictor
	scalers     scaler.Pair
	table       *history.Table
	md          types.Metadata
	interval    time.Duration
	modelWeight float64
}

// NewComposer validates its dependencies and returns a Composer. A nil
// predictor is allowed and makes every forecast history-only.
func NewComposer(p model.Predictor, scalers scaler.Pair, table *history.Table, md types.Metadata, opts Options) (*Composer, error) {
	if err := md.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	if p != nil {
		if err := scalers.Validate(); err != nil {
			return nil, err
		}
		if scalers.Features.Width() != len(md.Features) {
			return nil, fmt.Errorf("feature scaler width %d != %d features", scalers.Features.Width(), len(md.Features))
		}
		if scalers.Targets.Width() != len(md.TargetVars) {
			return nil, fmt.Errorf("target scaler width %d != %d targets", scalers.Targets.Width(), len(md.TargetVars))
		}
	}
	c := &Composer{
		predictor:   p,
		scalers:     scalers,
		table:       table,
		md:          md,
		interval:    md.Interval(),
		modelWeight: 1,
	}
	if opts.Interval > 0 {
		c.interval = opts.Interval
	}
	if opts.ModelWeight > 0 && opts.ModelWeight < 1 {
		c.modelWeight = opts.ModelWeight
	}
	return c, nil
}

// Metadata returns the model shape contract the composer was built with.
func (c *Composer) Metadata() types.Metadata {
	return c.md
}

// Interval returns the spacing between forecast steps.
func (c *Composer) Interval() time.Duration {
	return c.interval
}

// RunModel calls the model once on the trailing window and converts its
// output to physical units. Any failure is returned as Unavailable.
func (c *Composer) RunModel(ctx context.Context, window types.Series) ModelResult {
	if c.predictor == nil {
		return Unavailable("model not loaded")
	}
	if len(window) < c.md.WindowSize {
		return Unavailable(fmt.Sprintf("window has %d samples, need %d", len(window), c.md.WindowSize))
	}
	tail := window.Tail(c.md.WindowSize)
	rows, err := dataset.Matrix(tail, c.md.Features)
	if err != nil {
		return Unavailable(err.Error())
	}
	steps, err := predictSteps(ctx, c.predictor, c.scalers, c.md, rows)
	if err != nil {
		return Unavailable(err.Error())
	}

	last := tail.Last().TS
	records := make([]types.Record, len(steps))
	for k, step := range steps {
		values := make(map[string]float64, len(step))
		for j, v := range c.md.TargetVars {
			values[v] = step[j]
		}
		records[k] = types.Record{
			TS:     last.Add(time.Duration(k+1) * c.interval),
			Values: values,
			Source: types.SourceModel,
		}
	}
	return Produced(records)
}

// predictSteps scales rows, runs one prediction and returns horizon rows of
// targets in physical units.
func predictSteps(ctx context.Context, p model.Predictor, scalers scaler.Pair, md types.Metadata, rows [][]float64) ([][]float64, error) {
	data := make([]float64, 0, len(rows)*len(md.Features))
	for _, row := range rows {
		scaled, err := scalers.Features.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("failed to scale features: %w", err)
		}
		data = append(data, scaled...)
	}
	in, err := model.NewTensor(data, 1, len(rows), len(md.Features))
	if err != nil {
		return nil, err
	}
	out, err := p.Predict(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}
	if !out.Finite() {
		return nil, errors.New("prediction contains non-finite values")
	}
	steps, err := out.Steps(md.ForecastHorizon, len(md.TargetVars))
	if err != nil {
		return nil, err
	}
	for i, s := range steps {
		steps[i], err = scalers.Targets.InverseTransform(s)
		if err != nil {
			return nil, fmt.Errorf("failed to inverse scale targets: %w", err)
		}
	}
	return steps, nil
}

// Backfill generates n steps after from using the seasonal table. Each value
// is interpolated between the bucket of the step's hour and the bucket one
// hour later by minute/60, both taken in UTC. A step whose own bucket is
// missing gets zero for every variable, and a step whose bucket lacks a
// variable gets zero for that variable. Both are marked as fallback and
// reported in the returned degradations.
func (c *Composer) Backfill(ctx context.Context, from time.Time, n int) ([]types.Record, []types.Degradation) {
	var (
		records  = make([]types.Record, 0, max(n, 0))
		degraded []types.Degradation
	)
	for i := 1; i <= n; i++ {
		ts := from.Add(time.Duration(i) * c.interval)
		values := make(map[string]float64, len(c.md.TargetVars))

		cur, ok := c.table.Lookup(history.BucketOf(ts))
		if !ok {
			for _, v := range c.md.TargetVars {
				values[v] = 0
			}
			degraded = append(degraded, types.Degradation{
				Kind:   types.DegradedMissingBucket,
				TS:     ts,
				Detail: history.BucketOf(ts).String(),
			})
			log.Ctx(ctx).WarnContext(
				ctx,
				"missing seasonal bucket, using zeros",
				log.Time("ts", ts),
				slog.String("bucket", history.BucketOf(ts).String()),
			)
			records = append(records, types.Record{TS: ts, Values: values, Source: types.SourceFallback})
			continue
		}

		next, ok := c.table.Lookup(history.BucketOf(ts.Add(time.Hour)))
		if !ok {
			next = cur
		}
		source := types.SourceHistory
		frac := float64(ts.UTC().Minute()) / 60
		for _, v := range c.md.TargetVars {
			a, ok := cur[v]
			if !ok {
				values[v] = 0
				source = types.SourceFallback
				degraded = append(degraded, types.Degradation{
					Kind:   types.DegradedMissingBucket,
					TS:     ts,
					Detail: history.BucketOf(ts).String() + " " + v,
				})
				log.Ctx(ctx).WarnContext(
					ctx,
					"seasonal bucket lacks variable, using zero",
					log.Time("ts", ts),
					slog.String("bucket", history.BucketOf(ts).String()),
					slog.String("var", v),
				)
				continue
			}
			b, ok := next[v]
			if !ok {
				b = a
			}
			values[v] = a + (b-a)*frac
		}
		records = append(records, types.Record{TS: ts, Values: values, Source: source})
	}
	return records, degraded
}

// Compose produces totalSteps records starting one interval after the last
// window sample. The model covers what it can and the seasonal table fills
// the rest. It returns ErrForecastUnavailable when the model produced nothing
// and the table is empty.
func (c *Composer) Compose(ctx context.Context, window types.Series, totalSteps int) (*types.Forecast, error) {
	if totalSteps <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSteps, totalSteps)
	}
	if len(window) == 0 {
		return nil, ErrEmptyWindow
	}
	if err := window.CheckOrdered(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnorderedWindow, err)
	}

	last := window.Last().TS
	f := &types.Forecast{
		Start:    last.Add(c.interval),
		Interval: c.interval,
	}

	var mr ModelResult
	if len(window) < c.md.WindowSize {
		detail := fmt.Sprintf("window has %d samples, need %d", len(window), c.md.WindowSize)
		log.Ctx(ctx).WarnContext(ctx, "insufficient window, skipping model", slog.Int("samples", len(window)), slog.Int("windowSize", c.md.WindowSize))
		f.Degraded = append(f.Degraded, types.Degradation{Kind: types.DegradedInsufficientWindow, Detail: detail})
		mr = Unavailable(detail)
	} else {
		mr = c.RunModel(ctx, window)
		if !mr.Available() {
			log.Ctx(ctx).WarnContext(ctx, "model unavailable, using history", slog.String("reason", mr.Reason))
			f.Degraded = append(f.Degraded, types.Degradation{Kind: types.DegradedModelUnavailable, Detail: mr.Reason})
		}
	}

	if !mr.Available() && c.table.Len() == 0 {
		log.Ctx(ctx).ErrorContext(ctx, "no model output and no seasonal data")
		return nil, ErrForecastUnavailable
	}

	if mr.Available() && c.modelWeight < 1 {
		c.blend(mr.Records)
	}

	records := mr.Records
	from := last
	if len(records) > 0 {
		from = records[len(records)-1].TS
	}
	if remaining := totalSteps - len(records); remaining > 0 {
		hist, degraded := c.Backfill(ctx, from, remaining)
		records = append(records, hist...)
		f.Degraded = append(f.Degraded, degraded...)
	}

	f.Records = c.assemble(records, f.Start, totalSteps)
	if len(f.Records) < totalSteps {
		log.Ctx(ctx).WarnContext(ctx, "forecast is short", slog.Int("records", len(f.Records)), slog.Int("totalSteps", totalSteps))
		f.Degraded = append(f.Degraded, types.Degradation{
			Kind:   types.DegradedShortOutput,
			Detail: fmt.Sprintf("%d of %d steps", len(f.Records), totalSteps),
		})
	}
	return f, nil
}

// blend mixes model records in place with the seasonal mean of their hour.
// Unlike Backfill it does not interpolate across the minute; each record uses
// its own hour's bucket as is.
func (c *Composer) blend(records []types.Record) {
	w := c.modelWeight
	for _, r := range records {
		hist, ok := c.table.Lookup(history.BucketOf(r.TS))
		if !ok {
			continue
		}
		for v, x := range r.Values {
			if h, ok := hist[v]; ok {
				r.Values[v] = w*x + (1-w)*h
			}
		}
	}
}

// assemble drops duplicate timestamps keeping the first, restricts records to
// [start, start+(n-1)*interval], sorts them and truncates to n.
func (c *Composer) assemble(records []types.Record, start time.Time, n int) []types.Record {
	end := start.Add(time.Duration(n-1) * c.interval)
	seen := make(map[int64]struct{}, len(records))
	out := make([]types.Record, 0, n)
	for _, r := range records {
		key := r.TS.UnixNano()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if r.TS.Before(start) || r.TS.After(end) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TS.Before(out[j].TS)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
