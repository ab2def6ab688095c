// Package api is the HTTP surface of the pipeline: the read API over the
// query gateway plus the ingest routes when a write server is mounted.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"commerce-pipeline/internal/apperr"
	"commerce-pipeline/internal/query"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// ReadService is the read side served under the API routes.
type ReadService interface {
	Search(ctx context.Context, req query.SearchRequest) (*query.SearchResponse, error)
	CacheLookup(ctx context.Context, key, pattern string) (interface{}, error)
	User(ctx context.Context, userID string) (*query.UserResponse, error)
	Analytics(ctx context.Context, date string) (*query.AnalyticsResponse, error)
	Health(ctx context.Context) *query.HealthReport
	Metrics(ctx context.Context) (*query.MetricsResponse, error)
}

// Mounter adds its own routes to a router.
type Mounter interface {
	Mount(r chi.Router)
}

// Router creates and configures the HTTP router
type Router struct {
	reads    ReadService
	ingest   Mounter
	prom     http.Handler
	observer HTTPObserver
	logger   *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithIngest mounts the write routes next to the read API.
func WithIngest(m Mounter) Option {
	return func(rt *Router) { rt.ingest = m }
}

// WithPrometheus serves h on /metrics/prometheus and reports each request
// to obs.
func WithPrometheus(h http.Handler, obs HTTPObserver) Option {
	return func(rt *Router) {
		rt.prom = h
		rt.observer = obs
	}
}

// NewRouter creates a new router instance
func NewRouter(reads ReadService, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Router{reads: reads, logger: logger}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestLogger(rt.logger, rt.observer))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Amz-Date", "Authorization", "X-Api-Key", "X-Amz-Security-Token"},
		MaxAge:         300,
	}))

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		rt.writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "Not Found",
			"path":   r.URL.Path,
			"method": r.Method,
		})
	})

	router.Get("/search", rt.search)
	router.Get("/cache", rt.cacheLookup)
	router.Get("/user", rt.user)
	router.Get("/analytics", rt.analytics)
	router.Get("/health", rt.health)
	router.Get("/metrics", rt.metrics)
	if rt.prom != nil {
		router.Method(http.MethodGet, "/metrics/prometheus", rt.prom)
	}
	if rt.ingest != nil {
		rt.ingest.Mount(router)
	}
	return router
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	req, err := query.ParseSearchRequest(r.URL.Query())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	resp, err := rt.reads.Search(r.Context(), req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) cacheLookup(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	resp, err := rt.reads.CacheLookup(r.Context(), params.Get("key"), params.Get("pattern"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) user(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.reads.User(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) analytics(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.reads.Analytics(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) health(w http.ResponseWriter, r *http.Request) {
	report := rt.reads.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	rt.writeJSON(w, status, report)
}

func (rt *Router) metrics(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.reads.Metrics(r.Context())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rt.logger.Warn("write response", zap.Error(err))
	}
}

// writeError renders err as {error, timestamp} with the status its type
// maps to.
func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("requestID", chimiddleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	rt.writeJSON(w, status, map[string]string{
		"error":     err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
