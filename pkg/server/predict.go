package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/energycast/energycast/pkg/dataset"
	"github.com/energycast/energycast/pkg/forecast"
	"github.com/energycast/energycast/pkg/log"
	"github.com/energycast/energycast/pkg/model"
	"github.com/energycast/energycast/pkg/pv"
	"github.com/energycast/energycast/pkg/types"
)

// maxBodyBytes limits request bodies to 1MB.
const maxBodyBytes = 1 << 20

type weatherRequest struct {
	Steps  *int         `json:"steps"`
	Window types.Series `json:"window"`
}

type weatherResponse struct {
	Model      string              `json:"model"`
	Prediction []types.Record      `json:"prediction"`
	Power      []float64           `json:"power,omitempty"`
	Degraded   []types.Degradation `json:"degraded,omitempty"`
}

type comResponse struct {
	Model      string    `json:"model"`
	Prediction []float64 `json:"prediction"`
}

func (s *Server) handlePredictWeather(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithAttrs(r.Context(), slog.String("model", model.NameWeather))
	p, ok := s.pipelines[model.NameWeather]
	if !ok || p.composer == nil {
		writeJSONError(w, fmt.Sprintf("model %s not found", model.NameWeather), http.StatusNotFound)
		return
	}

	var req weatherRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read request body", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONError(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	steps := s.defaultSteps
	if req.Steps != nil {
		steps = *req.Steps
	}
	if steps <= 0 || steps > s.maxSteps {
		writeJSONError(w, fmt.Sprintf("steps must be between 1 and %d", s.maxSteps), http.StatusBadRequest)
		return
	}

	f, err := s.composeWeather(ctx, p, req.Window, steps)
	switch {
	case err == nil:
	case errors.Is(err, forecast.ErrInvalidSteps),
		errors.Is(err, forecast.ErrEmptyWindow),
		errors.Is(err, forecast.ErrUnorderedWindow):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, forecast.ErrForecastUnavailable), errors.Is(err, errNoRecentSamples):
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		log.Ctx(ctx).ErrorContext(ctx, "failed to compose forecast", slog.Any("error", err))
		writeJSONError(w, "failed to compose forecast", http.StatusInternalServerError)
		return
	}

	resp := weatherResponse{
		Model:      model.NameWeather,
		Prediction: f.Records,
		Degraded:   f.Degraded,
	}
	if pvSteps, err := pv.StepsFromForecast(f.Records, s.pvColumns); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "skipping pv simulation", slog.Any("error", err))
	} else {
		resp.Power = s.panel.Power(pvSteps)
	}
	writeJSON(w, resp)
}

var errNoRecentSamples = errors.New("no recent samples available")

// composeWeather composes a forecast from the request window, or from the
// stored recent window when the request has none. Forecasts from the stored
// window are cached by their last timestamp.
func (s *Server) composeWeather(ctx context.Context, p *pipeline, window types.Series, steps int) (*types.Forecast, error) {
	fromStorage := len(window) == 0
	if fromStorage {
		var err error
		window, err = s.storage.GetLatestSamples(ctx, model.NameWeather, p.composer.Metadata().WindowSize)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent samples: %w", err)
		}
		if len(window) == 0 {
			return nil, errNoRecentSamples
		}
	}
	dataset.AddCyclicFeatures(window)

	var key string
	if fromStorage && s.cache != nil {
		key = fmt.Sprintf("%s|%d|%d", model.NameWeather, window.Last().TS.Unix(), steps)
		if f, ok := s.cache.Get(key); ok {
			s.metrics.cache.WithLabelValues("hit").Inc()
			return f, nil
		}
		s.metrics.cache.WithLabelValues("miss").Inc()
	}

	start := time.Now()
	f, err := p.composer.Compose(ctx, window, steps)
	if err != nil {
		if errors.Is(err, forecast.ErrForecastUnavailable) {
			s.metrics.unavailable.WithLabelValues(model.NameWeather).Inc()
		}
		return nil, err
	}
	s.metrics.observeForecast(model.NameWeather, f, time.Since(start))

	if key != "" {
		s.cache.Add(key, f)
	}
	return f, nil
}

func (s *Server) handlePredictCOM(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithAttrs(r.Context(), slog.String("model", model.NameCOM))
	p, ok := s.pipelines[model.NameCOM]
	if !ok {
		writeJSONError(w, fmt.Sprintf("model %s not found", model.NameCOM), http.StatusNotFound)
		return
	}

	var input []float64
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&input); err != nil {
		writeJSONError(w, "invalid request: expected a JSON array of numbers", http.StatusBadRequest)
		return
	}

	out, err := forecast.Rollout(ctx, p.entry.Predictor, input, p.entry.Metadata.WindowSize, forecast.DefaultRolloutSteps)
	if err != nil {
		if errors.Is(err, forecast.ErrInvalidInputLength) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "consumption rollout failed", slog.Any("error", err))
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, comResponse{
		Model:      model.NameCOM,
		Prediction: out,
	})
}
