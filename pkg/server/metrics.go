package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/energycast/energycast/pkg/types"
)

type metrics struct {
	requests     *prometheus.CounterVec
	forecastTime *prometheus.HistogramVec
	degradations *prometheus.CounterVec
	modelSteps   *prometheus.CounterVec
	cache        *prometheus.CounterVec
	rateLimited  prometheus.Counter
	unavailable  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "energycast_http_requests_total",
				Help: "HTTP requests by route pattern and status code",
			},
			[]string{"route", "code"},
		),
		forecastTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "energycast_forecast_duration_seconds",
				Help:    "Time spent composing a forecast",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		degradations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "energycast_forecast_degradations_total",
				Help: "Fallbacks taken while composing forecasts",
			},
			[]string{"model", "kind"},
		),
		modelSteps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "energycast_forecast_steps_total",
				Help: "Composed forecast steps by source",
			},
			[]string{"model", "source"},
		),
		cache: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "energycast_forecast_cache_total",
				Help: "Forecast cache lookups by result",
			},
			[]string{"result"},
		),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "energycast_rate_limited_total",
			Help: "Predict requests rejected by the rate limiter",
		}),
		unavailable: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "energycast_forecast_unavailable_total",
				Help: "Forecasts that could not be produced from either the model or history",
			},
			[]string{"model"},
		),
	}
}

func (m *metrics) observeForecast(name string, f *types.Forecast, took time.Duration) {
	m.forecastTime.WithLabelValues(name).Observe(took.Seconds())
	for _, d := range f.Degraded {
		m.degradations.WithLabelValues(name, string(d.Kind)).Inc()
	}
	counts := map[types.RecordSource]int{}
	for _, r := range f.Records {
		counts[r.Source]++
	}
	for src, n := range counts {
		m.modelSteps.WithLabelValues(name, string(src)).Add(float64(n))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}
