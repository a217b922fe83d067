// Package server exposes the service operations as JSON over HTTP.
//
// Every route answers either the operation's result or its Failure payload,
// with the HTTP status taken from the failure kind.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/exploopio/insight/pkg/core"
	"github.com/exploopio/insight/pkg/health"
	"github.com/exploopio/insight/pkg/metrics"
	"github.com/exploopio/insight/pkg/query"
	"github.com/exploopio/insight/pkg/service"
	"github.com/exploopio/insight/pkg/severity"
)

const (
	defaultAddress     = ":8080"
	defaultMetricsPath = "/metrics"
	shutdownTimeout    = 10 * time.Second
)

// Server is the HTTP front end.
type Server struct {
	svc         *service.Service
	health      *health.Handler
	metrics     metrics.Collector
	logger      core.Logger
	address     string
	metricsPath string
	mux         *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithAddress sets the listen address.
func WithAddress(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.address = addr
		}
	}
}

// WithHealth mounts the health endpoints of h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics serves m's handler on path ("/metrics" when empty).
func WithMetrics(m metrics.Collector, path string) Option {
	return func(s *Server) {
		s.metrics = m
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(s *Server) { s.logger = core.ComponentLogger(l, "server") }
}

// New creates a Server and registers its routes.
func New(svc *service.Service, opts ...Option) *Server {
	s := &Server{
		svc:         svc,
		logger:      &core.NopLogger{},
		address:     defaultAddress,
		metricsPath: defaultMetricsPath,
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/findings", s.handleFindings)
	s.mux.HandleFunc("GET /api/summary/severity", s.handleSeverity)
	s.mux.HandleFunc("GET /api/summary/open-closed", s.handleOpenClosed)
	s.mux.HandleFunc("GET /api/summary/top-products", s.handleTopProducts)
	s.mux.HandleFunc("GET /api/summary/products", s.handleProducts)
	s.mux.HandleFunc("GET /api/analysis/{kind}", s.handleAnalysis)
	s.mux.HandleFunc("GET /api/resolve/{entity}", s.handleResolve)
	s.mux.HandleFunc("GET /api/cache", s.handleCacheStats)
	s.mux.HandleFunc("POST /api/cache/refresh", s.handleCacheRefresh)

	if s.health != nil {
		health.RegisterRoutes(s.mux, s.health)
	}
	if s.metrics != nil {
		s.mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", s.address)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c := query.Criteria{
		Product:   q.Get("product"),
		Tool:      q.Get("tool"),
		CVE:       q.Get("cve"),
		Component: q.Get("component"),
	}

	levels, fail := parseSeverities(list(q["severity"]))
	if fail != nil {
		writeFailure(w, fail)
		return
	}
	c.Severities = levels

	if v := q.Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeFailure(w, badParam("active", v))
			return
		}
		c.Active = &b
	}
	if c.Limit, fail = intParam(q.Get("limit"), "limit"); fail != nil {
		writeFailure(w, fail)
		return
	}

	res, fail := s.svc.ListFindings(r.Context(), c)
	respond(w, res, fail)
}

func (s *Server) handleSeverity(w http.ResponseWriter, r *http.Request) {
	res, fail := s.svc.SeveritySummary(r.Context(), r.URL.Query().Get("product"))
	respond(w, res, fail)
}

func (s *Server) handleOpenClosed(w http.ResponseWriter, r *http.Request) {
	res, fail := s.svc.OpenClosed(r.Context())
	respond(w, res, fail)
}

func (s *Server) handleTopProducts(w http.ResponseWriter, r *http.Request) {
	n, fail := intParam(r.URL.Query().Get("n"), "n")
	if fail != nil {
		writeFailure(w, fail)
		return
	}
	res, fail := s.svc.TopProducts(r.Context(), n)
	respond(w, res, fail)
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	res, fail := s.svc.ProductSummaries(r.Context(), list(r.URL.Query()["product"]))
	respond(w, res, fail)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := service.AnalysisParams{
		Products:   list(q["product"]),
		Severities: list(q["severity"]),
	}
	var fail *service.Failure
	if params.Limit, fail = intParam(q.Get("limit"), "limit"); fail != nil {
		writeFailure(w, fail)
		return
	}
	res, fail := s.svc.Analysis(r.Context(), r.PathValue("kind"), params)
	respond(w, res, fail)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	res, fail := s.svc.Resolve(r.Context(), r.PathValue("entity"), r.URL.Query().Get("name"))
	respond(w, res, fail)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.CacheStats())
}

func (s *Server) handleCacheRefresh(w http.ResponseWriter, r *http.Request) {
	res, fail := s.svc.RefreshCache(r.Context())
	respond(w, res, fail)
}

// =============================================================================
// Helpers
// =============================================================================

func respond[T any](w http.ResponseWriter, v T, fail *service.Failure) {
	if fail != nil {
		writeFailure(w, fail)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeFailure(w http.ResponseWriter, fail *service.Failure) {
	writeJSON(w, fail.HTTPStatus(), map[string]any{"error": fail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// list flattens repeated and comma-separated query values.
func list(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseSeverities(raw []string) ([]severity.Level, *service.Failure) {
	var out []severity.Level
	for _, v := range raw {
		level, ok := severity.Parse(v)
		if !ok {
			return nil, badParam("severity", v)
		}
		out = append(out, level)
	}
	return out, nil
}

func intParam(v, name string) (int, *service.Failure) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badParam(name, v)
	}
	return n, nil
}

func badParam(name, value string) *service.Failure {
	return &service.Failure{Kind: "invalid_input", Message: "invalid " + name + " " + strconv.Quote(value)}
}
