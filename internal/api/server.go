// Package api exposes the sourcing engine over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/metrics"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/monitoring"
	"github.com/sells-group/sourcing-cli/internal/platform"
	"github.com/sells-group/sourcing-cli/internal/sourcing"
	"github.com/sells-group/sourcing-cli/internal/store"
)

// Jobs is the job surface of the sourcing service.
type Jobs interface {
	CreateJob(ctx context.Context, req sourcing.CreateJobRequest) (sourcing.CreateJobResult, error)
	GetJob(ctx context.Context, id string) (sourcing.JobView, error)
	ListJobs(ctx context.Context, filter store.JobFilter) (sourcing.JobPage, error)
}

// Rates serves exchange rate snapshots.
type Rates interface {
	GetRates(ctx context.Context) (model.CurrencyRateSnapshot, error)
	Refresh(ctx context.Context) (model.CurrencyRateSnapshot, error)
	USDRate(ctx context.Context) (decimal.Decimal, error)
}

// Stats produces monitoring snapshots.
type Stats interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

// Pinger checks a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the router.
type Deps struct {
	Jobs       Jobs
	Rates      Rates
	Calculator *cost.Calculator
	Platforms  *platform.Registry
	Stats      Stats
	Health     Pinger
}

// Options tune the router.
type Options struct {
	// APIKey, when set, is required as a bearer token on /sourcing routes.
	APIKey               string
	CORSOrigins          []string
	DefaultLookbackHours int
}

type server struct {
	deps     Deps
	opts     Options
	validate *validator.Validate
	log      *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps, opts Options) http.Handler {
	if opts.DefaultLookbackHours <= 0 {
		opts.DefaultLookbackHours = 24
	}
	s := &server{
		deps:     deps,
		opts:     opts,
		validate: newValidator(),
		log:      zap.L().With(zap.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/sourcing", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/jobs", s.createJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Get("/jobs/{id}/export.xlsx", s.exportJob)

		r.Post("/cargo/calculate", s.calculateCargo)
		r.Get("/cargo/providers", s.listProviders)

		r.Get("/currency-rates", s.getRates)
		r.Post("/currency-rates/refresh", s.refreshRates)

		r.Get("/platforms", s.listPlatforms)
		r.Get("/stats", s.stats)
	})

	return r
}

func (s *server) requireAPIKey(next http.Handler) http.Handler {
	if s.opts.APIKey == "" {
		return next
	}
	want := []byte(s.opts.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
