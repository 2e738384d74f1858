// Package httpserver exposes the REST API: challenge create/verify, usage
// reporting, health, and metrics.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/rotacap/rotacap-service/internal/analytics"
	"github.com/rotacap/rotacap-service/internal/challenge"
	"github.com/rotacap/rotacap-service/internal/health"
	"github.com/rotacap/rotacap-service/internal/keystore"
	"github.com/rotacap/rotacap-service/internal/metrics"
	"github.com/rotacap/rotacap-service/internal/ratelimit"
)

// Server wires the challenge service and its stores to HTTP routes.
type Server struct {
	challenges *challenge.Service
	keys       keystore.Store
	rollups    analytics.Store

	limiter   *ratelimit.Limiter
	rateLimit *ratelimit.Middleware
	collector *metrics.Collector
	checker   *health.Checker
	validate  *validator.Validate

	logger   *log.Logger
	logLevel string
}

// New constructs a Server with the required dependencies.
func New(challenges *challenge.Service, keys keystore.Store, rollups analytics.Store) *Server {
	return &Server{
		challenges: challenges,
		keys:       keys,
		rollups:    rollups,
		validate:   validator.New(),
	}
}

// SetLogger configures the request logger and level ("debug" enables debugf).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

// SetRateLimiter enables per-IP limiting on the challenge routes plus
// per-credential checks inside the create handler.
func (s *Server) SetRateLimiter(limiter *ratelimit.Limiter) {
	s.limiter = limiter
	s.rateLimit = ratelimit.NewMiddleware(limiter, limiter != nil, s.logger)
}

// SetMetrics attaches the metrics collector and enables /metrics.
func (s *Server) SetMetrics(collector *metrics.Collector) {
	s.collector = collector
}

// SetHealthChecker attaches the backend prober used by /healthz.
func (s *Server) SetHealthChecker(checker *health.Checker) {
	s.checker = checker
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(limited chi.Router) {
			if s.rateLimit != nil {
				limited.Use(s.rateLimit.Wrap)
			}
			limited.Post("/captcha/create", s.instrument("/api/v1/captcha/create", s.handleCaptchaCreate))
			limited.Post("/captcha/verify", s.instrument("/api/v1/captcha/verify", s.handleCaptchaVerify))
		})

		api.Get("/usage/summary", s.instrument("/api/v1/usage/summary", s.handleUsageSummary))
		api.Get("/usage/daily", s.instrument("/api/v1/usage/daily", s.handleUsageDaily))
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)

	return r
}

// instrument wraps a handler with request counting and duration tracking.
func (s *Server) instrument(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	if s.collector == nil {
		return fn
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		s.collector.RecordRequestStart(endpoint)
		defer func() {
			s.collector.RecordRequestEnd(endpoint)
			s.collector.RecordRequest(endpoint, time.Since(start))
			if ww.Status() >= http.StatusBadRequest {
				s.collector.RecordError(endpoint)
			}
		}()
		fn(ww, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status := s.checker.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		http.Error(w, "metrics not enabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.collector.GetSnapshot())))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}
