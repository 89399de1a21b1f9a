package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/energycast/energycast/pkg/forecast"
	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/log"
	"github.com/energycast/energycast/pkg/model"
	"github.com/energycast/energycast/pkg/pv"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/storage"
	"github.com/energycast/energycast/pkg/types"
)

// tokenVerifier is a function that validates an OIDC ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// pipeline is everything needed to serve forecasts for one model.
type pipeline struct {
	entry    model.Entry
	composer *forecast.Composer
	scalers  scaler.Pair
}

// Server handles the HTTP API. Models, scalers and seasonal tables are loaded
// once by Init and shared read-only by every request.
type Server struct {
	models  *model.Map
	storage storage.Database

	pipelines map[string]*pipeline
	cache     *lru.Cache[string, *types.Forecast]
	limiter   *rate.Limiter
	metrics   *metrics
	registry  *prometheus.Registry

	listenAddr      string
	httpServer      *http.Server
	serverName      string
	oidcAudience    string
	oidcVerifier    tokenVerifier
	adminEmails     []string
	panel           pv.Panel
	pvColumns       pv.Columns
	modelWeight     float64
	defaultSteps    int
	maxSteps        int
	evaluateSamples int
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(models *model.Map, db storage.Database) *Server {
	srv := newServer(models, db)
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudience := lflag.String("oidc-audience", "", "Audience to validate ID tokens against for /admin endpoints (empty disables auth)")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "OIDC issuer for /admin ID tokens")
	adminEmails := map[string]bool{}
	lflag.JSON(&adminEmails, "admin-emails", adminEmails, "JSON set of email addresses allowed to call /admin endpoints (empty allows any valid token)")
	panel := pv.DefaultPanel()
	lflag.JSON(&panel, "panel", panel, "JSON PV panel constants")
	pvColumns := pv.DefaultColumns()
	lflag.JSON(&pvColumns, "pv-columns", pvColumns, "JSON names of the ghi, ambient and wind forecast variables")
	modelWeight := 1.0
	lflag.JSON(&modelWeight, "model-weight", modelWeight, "Weight of model output when blending with seasonal means (1 disables blending)")
	defaultSteps := 288
	lflag.JSON(&defaultSteps, "default-steps", defaultSteps, "Forecast steps when a request does not specify any")
	maxSteps := 2016
	lflag.JSON(&maxSteps, "max-steps", maxSteps, "Maximum forecast steps per request")
	evaluateSamples := 2016
	lflag.JSON(&evaluateSamples, "evaluate-samples", evaluateSamples, "Number of recent samples evaluated by /admin/evaluate")
	rateLimit := 10.0
	lflag.JSON(&rateLimit, "rate-limit", rateLimit, "Predict requests per second (0 disables limiting)")
	cacheSize := 128
	lflag.JSON(&cacheSize, "cache-size", cacheSize, "Number of composed forecasts to cache")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.panel = panel
		srv.pvColumns = pvColumns
		srv.modelWeight = modelWeight
		srv.defaultSteps = defaultSteps
		srv.maxSteps = maxSteps
		srv.evaluateSamples = evaluateSamples
		for email, ok := range adminEmails {
			if ok {
				srv.adminEmails = append(srv.adminEmails, email)
			}
		}

		if err := srv.panel.Validate(); err != nil {
			log.Ctx(context.Background()).Error("invalid panel", slog.Any("error", err))
			os.Exit(1)
		}
		if rateLimit > 0 {
			srv.limiter = rate.NewLimiter(rate.Limit(rateLimit), max(int(rateLimit*2), 1))
		}
		if cacheSize > 0 {
			cache, err := lru.New[string, *types.Forecast](cacheSize)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to create forecast cache", slog.Any("error", err))
				os.Exit(1)
			}
			srv.cache = cache
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcAudience = *oidcAudience
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})

	return srv
}

func newServer(models *model.Map, db storage.Database) *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		models:       models,
		storage:      db,
		pipelines:    map[string]*pipeline{},
		registry:     reg,
		metrics:      newMetrics(reg),
		serverName:   "energycast",
		panel:        pv.DefaultPanel(),
		pvColumns:    pv.DefaultColumns(),
		modelWeight:  1,
		defaultSteps: 288,
		maxSteps:     2016,
	}
}

// Init loads the scalers and seasonal table of every loaded model and builds
// its composer. A model whose artifacts are missing still serves history-only
// forecasts when a table exists.
func (s *Server) Init(ctx context.Context) error {
	for _, name := range s.models.Names() {
		entry, _ := s.models.Get(name)
		ctx := log.WithAttrs(ctx, slog.String("model", name))
		if name == model.NameCOM {
			s.pipelines[name] = &pipeline{entry: entry}
			continue
		}

		predictor := entry.Predictor
		scalers, err := s.storage.GetScalers(ctx, name)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("failed to load %s scalers: %w", name, err)
			}
			log.Ctx(ctx).WarnContext(ctx, "scalers not found, model output disabled")
			predictor = nil
		}

		table, err := s.storage.GetHistoricalTable(ctx, name)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("failed to load %s seasonal table: %w", name, err)
			}
			log.Ctx(ctx).WarnContext(ctx, "seasonal table not found, backfill disabled")
			table = history.NewTable(nil)
		}

		c, err := forecast.NewComposer(predictor, scalers, table, entry.Metadata, forecast.Options{
			ModelWeight: s.modelWeight,
		})
		if err != nil {
			return fmt.Errorf("failed to build %s composer: %w", name, err)
		}
		s.pipelines[name] = &pipeline{entry: entry, composer: c, scalers: scalers}
		log.Ctx(ctx).InfoContext(ctx, "pipeline ready", slog.Int("tableBuckets", table.Len()), slog.Bool("modelEnabled", predictor != nil))
	}
	return nil
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /predict/weather", s.rateLimitMiddleware(http.HandlerFunc(s.handlePredictWeather)))
	mux.Handle("POST /predict/com", s.rateLimitMiddleware(http.HandlerFunc(s.handlePredictCOM)))
	mux.HandleFunc("GET /results", s.handleResults)
	mux.Handle("POST /admin/evaluate", s.adminAuthMiddleware(http.HandlerFunc(s.handleEvaluate)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(s.metricsMiddleware(mux))))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr), slog.Any("models", s.models.Names()))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.rateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
