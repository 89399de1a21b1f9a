package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/energycast/energycast/pkg/dataset"
	"github.com/energycast/energycast/pkg/forecast"
	"github.com/energycast/energycast/pkg/log"
	"github.com/energycast/energycast/pkg/model"
	"github.com/energycast/energycast/pkg/pv"
	"github.com/energycast/energycast/pkg/storage"
	"github.com/energycast/energycast/pkg/types"
)

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	results, err := s.storage.GetResults(ctx, model.NameWeather)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, "no results available", http.StatusNotFound)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to get results", slog.Any("error", err))
		writeJSONError(w, "failed to get results", http.StatusInternalServerError)
		return
	}
	writeJSON(w, results)
}

// handleEvaluate scores the weather model on the most recent stored samples,
// composes a forecast from the latest window, simulates PV power for it and
// stores the combined results document.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithAttrs(r.Context(), slog.String("model", model.NameWeather))
	p, ok := s.pipelines[model.NameWeather]
	if !ok || p.composer == nil {
		writeJSONError(w, fmt.Sprintf("model %s not found", model.NameWeather), http.StatusNotFound)
		return
	}
	md := p.composer.Metadata()

	samples, err := s.storage.GetLatestSamples(ctx, model.NameWeather, s.evaluateSamples)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get samples", slog.Any("error", err))
		writeJSONError(w, "failed to get samples", http.StatusInternalServerError)
		return
	}
	if len(samples) == 0 {
		writeJSONError(w, errNoRecentSamples.Error(), http.StatusServiceUnavailable)
		return
	}
	dataset.AddCyclicFeatures(samples)

	metrics := map[string]types.VariableMetrics{}
	if p.scalers.Validate() == nil {
		metrics, err = forecast.Evaluate(ctx, p.entry.Predictor, p.scalers, md, samples)
		switch {
		case errors.Is(err, forecast.ErrNoWindows):
			log.Ctx(ctx).WarnContext(ctx, "not enough samples to evaluate", slog.Int("samples", len(samples)))
			metrics = map[string]types.VariableMetrics{}
		case err != nil:
			log.Ctx(ctx).ErrorContext(ctx, "evaluation failed", slog.Any("error", err))
			writeJSONError(w, "evaluation failed", http.StatusInternalServerError)
			return
		}
	} else {
		log.Ctx(ctx).WarnContext(ctx, "scalers unavailable, skipping metrics")
	}

	f, err := p.composer.Compose(ctx, samples.Tail(md.WindowSize), s.defaultSteps)
	if err != nil {
		if errors.Is(err, forecast.ErrForecastUnavailable) {
			s.metrics.unavailable.WithLabelValues(model.NameWeather).Inc()
			writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to compose forecast", slog.Any("error", err))
		writeJSONError(w, "failed to compose forecast", http.StatusInternalServerError)
		return
	}

	results := types.NewResults(model.NameWeather, time.Now().UTC(), metrics, f)
	if steps, err := pv.StepsFromForecast(f.Records, s.pvColumns); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "skipping pv simulation", slog.Any("error", err))
	} else {
		results.Power = make(map[string]float64, len(steps))
		for _, res := range s.panel.Simulate(steps) {
			results.Power[types.ResultKey(res.TS)] = res.PowerW
		}
	}

	if err := s.storage.SetResults(ctx, model.NameWeather, results); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store results", slog.Any("error", err))
		writeJSONError(w, "failed to store results", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"stored evaluation results",
		slog.Int("samples", len(samples)),
		slog.Int("records", len(f.Records)),
		slog.Int("degraded", len(f.Degraded)),
	)
	writeJSON(w, results)
}
