package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/tablegate/adapters/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// HealthChecker reports whether a dependency is usable. *sql.DB satisfies
// it through PingContext.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterConfig holds what NewRouter mounts.
type RouterConfig struct {
	Handler     *Handler
	Health      HealthChecker      // Optional readiness dependency
	Metrics     *metrics.Collector // Optional; enables request metrics and the metrics endpoint
	MetricsPath string             // Default "/metrics"
	Version     string
	Logger      zerolog.Logger
}

// NewRouter builds the chi router:
//
//	GET    /health, /health/ready, /version
//	GET    /schema/{model}?context=list,form
//	GET    /api/{model}                          list
//	POST   /api/{model}                          create
//	GET    /api/{model}/{id}                     get
//	PUT    /api/{model}/{id}                     update (PATCH too)
//	DELETE /api/{model}/{id}                     delete
//	POST   /api/{model}/{id}/actions/{action}    custom action
//	GET    /api/{model}/{id}/{relation}          related records
//	POST   /api/{model}/{id}/{relation}          attach
//	DELETE /api/{model}/{id}/{relation}          detach
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics, metricsPath))
		r.Handle(metricsPath, cfg.Metrics.Handler())
	}

	r.Get("/health", liveness)
	r.Get("/health/ready", readiness(cfg.Health))
	r.Get("/version", version(cfg.Version))

	h := cfg.Handler
	r.Get("/schema/{model}", h.Schema)
	r.Route("/api/{model}", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Patch("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/actions/{action}", h.Action)
			r.Get("/{relation}", h.Related)
			r.Post("/{relation}", h.Attach)
			r.Delete("/{relation}", h.Detach)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{Code: "route_not_found", Message: "no route for " + r.URL.Path}})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorBody{Error: ErrorDetail{Code: "method_not_allowed", Message: r.Method + " not allowed on " + r.URL.Path}})
	})

	return r
}

func liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readiness(dep HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if dep != nil {
			if err := dep.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func version(v string) http.HandlerFunc {
	if v == "" {
		v = "dev"
	}
	body, _ := json.Marshal(map[string]string{"version": v, "service": "tablegate"})
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(append(body, '\n'))
	}
}

func internalPath(path, metricsPath string) bool {
	return strings.HasPrefix(path, "/health") || path == metricsPath
}

// NewMetricsMiddleware records request counts and durations by route pattern.
func NewMetricsMiddleware(m *metrics.Collector, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if internalPath(r.URL.Path, metricsPath) {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			m.ObserveRequest(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}

// NewLoggingMiddleware logs each request once it completes.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if strings.HasPrefix(r.URL.Path, "/health") {
				return
			}

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
