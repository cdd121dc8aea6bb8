// Package api is the HTTP boundary: routing, middleware, request
// validation, and the translation between orchestrator errors and wire
// responses. No business logic lives here.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/captcha"
	"github.com/proofcaptcha/proofcaptcha/pkg/limiter"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitor"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

// RateLimiter is the server's view of a limiter, satisfied by both the
// process-local one and the Redis-backed one.
type RateLimiter interface {
	Allow(ctx context.Context, group limiter.RouteGroup, ip string) limiter.Decision
}

// LocalRateLimiter adapts the process-local limiter.
type LocalRateLimiter struct{ L *limiter.Limiter }

func (a LocalRateLimiter) Allow(_ context.Context, group limiter.RouteGroup, ip string) limiter.Decision {
	return a.L.Allow(group, ip)
}

// RedisRateLimiter adapts the shared limiter, logging (and failing open on)
// backend errors.
type RedisRateLimiter struct {
	L      *limiter.RedisLimiter
	Logger *slog.Logger
}

func (a RedisRateLimiter) Allow(ctx context.Context, group limiter.RouteGroup, ip string) limiter.Decision {
	d, err := a.L.Allow(ctx, group, ip)
	if err != nil && a.Logger != nil {
		a.Logger.WarnContext(ctx, "redis limiter error", "error", err)
	}
	return d
}

// Server owns the HTTP listener and routes.
type Server struct {
	svc      *captcha.Service
	sessions *session.Manager
	monitor  *monitor.Monitor
	store    store.Store
	limiter  RateLimiter
	logger   *slog.Logger
	httpSrv  *http.Server
}

// Options collects the server dependencies.
type Options struct {
	Addr     string
	Service  *captcha.Service
	Sessions *session.Manager
	Monitor  *monitor.Monitor
	Store    store.Store
	Limiter  RateLimiter
}

// NewServer wires routes and middleware.
func NewServer(opts Options) *Server {
	s := &Server{
		svc:      opts.Service,
		sessions: opts.Sessions,
		monitor:  opts.Monitor,
		store:    opts.Store,
		limiter:  opts.Limiter,
		logger:   slog.Default().With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /api/captcha/handshake",
		s.rateLimit(limiter.GroupHandshake, http.HandlerFunc(s.handleHandshake)))
	mux.Handle("POST /api/captcha/challenge",
		s.rateLimit(limiter.GroupChallenge, http.HandlerFunc(s.handleChallenge)))
	mux.Handle("POST /api/captcha/verify",
		s.rateLimit(limiter.GroupVerify, http.HandlerFunc(s.handleVerify)))
	mux.Handle("POST /proofCaptcha/api/siteverify",
		s.rateLimit(limiter.GroupSiteverify, http.HandlerFunc(s.handleSiteverify)))
	mux.HandleFunc("GET /api/monitor/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/monitor/threats", s.handleThreats)
	mux.HandleFunc("GET /api/analytics/daily", s.handleDailyAnalytics)

	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.requestID(s.cors(s.logRequests(mux))),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start blocks serving until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSON writes a JSON body with status. Encoding failures at this point
// are unrecoverable and only logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

// errorBody is the uniform failure shape on every endpoint except
// siteverify, which has its own compatibility shape.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// writeError maps an orchestrator error to the wire.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := captcha.AsError(err)
	if e.HTTPStatus() >= 500 {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, e.HTTPStatus(), errorBody{Success: false, Error: e.Message, Code: string(e.Code)})
}
