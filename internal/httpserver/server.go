package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/radiusdt/newsdesk/internal/config"
	"github.com/radiusdt/newsdesk/internal/metrics"
	"github.com/radiusdt/newsdesk/internal/middleware"
	"github.com/radiusdt/newsdesk/internal/moderation"
	"github.com/radiusdt/newsdesk/internal/realtime"
	"github.com/radiusdt/newsdesk/internal/reporting"
	"github.com/radiusdt/newsdesk/internal/tracking"
	"go.uber.org/zap"
)

// HealthChecker is a dependency probed by /health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Collector   *tracking.Collector
	Moderation  *moderation.Service
	Engine      *reporting.Engine
	Coordinator *realtime.Coordinator

	// Checks are probed by /health by name; a failure degrades the status.
	Checks map[string]HealthChecker

	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Gatherer backs /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer
	// RateLimiter is shared with the caller so it can prune idle IPs.
	RateLimiter *middleware.RateLimitMiddleware
}

// Server wraps HTTP handlers and engagement services.
type Server struct {
	collector   *tracking.Collector
	moderation  *moderation.Service
	engine      *reporting.Engine
	coordinator *realtime.Coordinator
	checks      map[string]HealthChecker
	logger      *zap.Logger
	config      *config.Config
	metrics     *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered and
// the middleware chain applied.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		collector:   deps.Collector,
		moderation:  deps.Moderation,
		engine:      deps.Engine,
		coordinator: deps.Coordinator,
		checks:      deps.Checks,
		logger:      deps.Logger,
		config:      deps.Config,
		metrics:     deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		if deps.Gatherer != nil {
			mux.Handle("GET "+deps.Config.Metrics.Path, metrics.HandlerFor(deps.Gatherer))
		} else {
			mux.Handle("GET "+deps.Config.Metrics.Path, metrics.Handler())
		}
	}

	// Public tracking
	s.handle(mux, "POST /track/views", s.handleTrackView)
	s.handle(mux, "POST /track/ads/{id}/impression", s.handleTrackImpression)
	s.handle(mux, "GET /track/ads/{id}/click", s.handleTrackClick)
	s.handle(mux, "GET /ads/{id}/eligibility", s.handleEligibility)

	// Public comments
	s.handle(mux, "POST /articles/{id}/comments", s.handleSubmitComment)
	s.handle(mux, "GET /articles/{id}/comments", s.handleThread)

	// Moderation
	s.handle(mux, "GET /admin/comments", s.handleQueue)
	s.handle(mux, "POST /admin/comments/bulk", s.handleBulk)
	s.handle(mux, "POST /admin/comments/{id}/approve", s.handleModerate(moderation.ActionApprove))
	s.handle(mux, "POST /admin/comments/{id}/reject", s.handleModerate(moderation.ActionReject))
	s.handle(mux, "POST /admin/comments/{id}/spam", s.handleModerate(moderation.ActionMarkSpam))
	s.handle(mux, "DELETE /admin/comments/{id}", s.handleDelete)
	s.handle(mux, "DELETE /admin/comments/{id}/thread", s.handleDeleteThread)

	// Ads and analytics
	s.handle(mux, "GET /admin/ads/status", s.handleAdStatus)
	s.handle(mux, "GET /admin/analytics/articles", s.handleArticleAnalytics)
	s.handle(mux, "GET /admin/analytics/ads", s.handleAdAnalytics)
	s.handle(mux, "GET /admin/analytics/live", s.handleLiveAnalytics)
	s.handle(mux, "GET /admin/analytics/activity", s.handleActivity)
	s.handle(mux, "POST /admin/analytics/refresh", s.handleRefresh)

	rl := deps.RateLimiter
	if rl == nil {
		rl = middleware.NewRateLimitMiddleware(deps.Config.RateLimit, deps.Logger, deps.Metrics)
	}

	var h http.Handler = mux
	h = middleware.NewAuthMiddleware(deps.Config.Auth, deps.Logger).Handler(h)
	h = rl.Handler(h)
	h = middleware.NewLoggingMiddleware(deps.Logger).Handler(h)
	h = middleware.NewRealIPMiddleware(deps.Config.Server.TrustedProxies, deps.Logger).Handler(h)
	h = middleware.NewRecoveryMiddleware(deps.Logger).Handler(h)
	return h
}

// handle registers fn under pattern and records request metrics labelled
// with the pattern.
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		s.metrics.RecordHTTPRequest(r.Method, pattern, sw.status, time.Since(start))
	}))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		if err := c.Health(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	resp := map[string]any{
		"status":       status,
		"dependencies": deps,
	}
	if s.coordinator != nil {
		resp["refresh"] = s.coordinator.Status()
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.jsonStatus(w, code, resp)
}

// ---- Helper Methods ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	s.jsonStatus(w, http.StatusOK, data)
}

func (s *Server) jsonStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	s.jsonStatus(w, code, map[string]string{"error": message})
}

// decode reads a JSON body of at most 64KiB, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// moderationError maps moderation errors onto HTTP responses.
func (s *Server) moderationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, moderation.ErrCommentNotFound), errors.Is(err, moderation.ErrArticleNotFound):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, moderation.ErrHasReplies):
		s.errorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, moderation.ErrInvalidInput),
		errors.Is(err, moderation.ErrReplyToReply),
		errors.Is(err, moderation.ErrUnknownAction):
		s.errorResponse(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		s.logger.Error("moderation request failed", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
	}
}
