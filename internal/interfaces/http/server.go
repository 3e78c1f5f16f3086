// Package http exposes the local diagnostics surface: health, per-series
// status, loading progress, coverage, a read-only kline endpoint, and
// Prometheus metrics. Local-only and read-only.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/klinevault/klinevault/internal/domain"
	"github.com/klinevault/klinevault/internal/metrics"
	"github.com/klinevault/klinevault/internal/quality"
	"github.com/klinevault/klinevault/internal/service"
)

// KlineService is the service surface the diagnostics server reads from.
type KlineService interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int, forceFresh bool) ([]domain.Candle, error)
	GetLoadingStatus() map[string]domain.LoadingProgress
	Status(ctx context.Context) map[string]service.SeriesStatus
	Coverage(ctx context.Context, symbol, interval string) (domain.Coverage, error)
}

// HealthSource reports per-series quality verdicts.
type HealthSource interface {
	Health() map[string]quality.SeriesHealth
}

// Server is the diagnostics HTTP server.
type Server struct {
	router  *mux.Router
	server  *http.Server
	svc     KlineService
	health  HealthSource
	metrics *metrics.Registry
	started time.Time
}

// NewServer wires the routes. health and m may be nil; their endpoints then
// serve reduced responses.
func NewServer(addr string, svc KlineService, health HealthSource, m *metrics.Registry) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		svc:     svc,
		health:  health,
		metrics: m,
		started: time.Now().UTC(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logging)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/loading", s.handleLoading).Methods(http.MethodGet)
	s.router.HandleFunc("/coverage/{symbol}/{interval}", s.handleCoverage).Methods(http.MethodGet)
	s.router.HandleFunc("/klines/{symbol}/{interval}", s.handleKlines).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Prometheus(), promhttp.HandlerOpts{}))
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Diagnostics server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "ok",
		"uptime_s":  int64(time.Since(s.started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.health != nil {
		verdicts := s.health.Health()
		degraded := 0
		for _, h := range verdicts {
			if !h.Healthy {
				degraded++
			}
		}
		resp["series_watched"] = len(verdicts)
		resp["series_degraded"] = degraded
		if degraded > 0 {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status(r.Context()))
}

func (s *Server) handleLoading(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetLoadingStatus())
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cov, err := s.svc.Coverage(r.Context(), vars["symbol"], vars["interval"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cov)
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	fresh := r.URL.Query().Get("fresh") == "true"

	candles, err := s.svc.GetCandles(r.Context(), vars["symbol"], vars["interval"], limit, fresh)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":   vars["symbol"],
		"interval": vars["interval"],
		"count":    len(candles),
		"candles":  candles,
	})
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.code).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
