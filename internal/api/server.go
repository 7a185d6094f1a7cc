// Package api exposes the scanner over REST and WebSocket. REST covers scan
// lifecycle, result paging and preset management; the WebSocket endpoint
// streams per-tick result diffs to subscribers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/spreadscan/spreadscan/internal/engine"
	"github.com/spreadscan/spreadscan/internal/filters"
	"github.com/spreadscan/spreadscan/internal/metrics"
	"github.com/spreadscan/spreadscan/internal/models"
	"github.com/spreadscan/spreadscan/internal/presets"
)

// Config tunes the API server.
type Config struct {
	Addr      string
	AuthToken string
	// PingInterval is the WebSocket keepalive cadence.
	PingInterval time.Duration
	// MaxConnections bounds concurrent WebSocket clients; 0 means unlimited.
	MaxConnections int
}

// Server routes REST and WebSocket traffic to the engine and preset store.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	engine  *engine.Engine
	presets *presets.Store
	mx      *metrics.Metrics
	logger  *logrus.Logger
	cfg     Config

	wsConns atomic.Int32
}

// NewServer wires the routes. Call Start to listen.
func NewServer(cfg Config, eng *engine.Engine, store *presets.Store, mx *metrics.Metrics, logger *logrus.Logger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	s := &Server{
		router:  chi.NewRouter(),
		engine:  eng,
		presets: store,
		mx:      mx,
		logger:  logger,
		cfg:     cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	if s.cfg.AuthToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/scans", s.handleListScans)
		r.Post("/scans", s.handleStartScan)
		r.Delete("/scans/{id}", s.handleStopScan)
		r.Get("/scans/{id}/status", s.handleScanStatus)
		r.Get("/scans/{id}/results", s.handleScanResults)
		r.Get("/scans/{id}/filters", s.handleGetFilters)
		r.Put("/scans/{id}/filters", s.handleUpdateFilters)

		r.Get("/presets", s.handleListPresets)
		r.Get("/presets/{id}", s.handleGetPreset)
		r.Put("/presets/{id}", s.handlePutPreset)
		r.Delete("/presets/{id}", s.handleDeletePreset)
	})

	s.router.Get("/ws/scans/{id}", s.handleWS)
	s.router.Get("/health", s.handleHealth)
	if s.mx != nil {
		s.router.Handle("/metrics", s.mx.Handler())
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.cfg.AuthToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start listens until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("api server listening on %s", s.cfg.Addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// scanRequest is the POST /api/scans body. Interval is a duration string like
// "5s"; omitted fields fall back to engine defaults.
type scanRequest struct {
	Symbols    []string       `json:"symbols"`
	Filters    filters.Config `json:"filters"`
	Interval   string         `json:"interval,omitempty"`
	MaxResults int            `json:"max_results,omitempty"`
	SortKey    string         `json:"sort_key,omitempty"`
	SortDir    string         `json:"sort_dir,omitempty"`
}

func (req *scanRequest) toSpec() (engine.ScanSpec, error) {
	spec := engine.ScanSpec{
		Symbols:    req.Symbols,
		Filters:    req.Filters,
		MaxResults: req.MaxResults,
		SortKey:    req.SortKey,
		SortDir:    req.SortDir,
	}
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			return engine.ScanSpec{}, fmt.Errorf("%w: interval: %v", models.ErrConfig, err)
		}
		spec.Interval = d
	}
	return spec, nil
}

func (s *Server) handleListScans(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"scans": s.engine.ScanIDs()})
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeError(w, err)
		return
	}
	spec, err := req.toSpec()
	if err != nil {
		s.writeError(w, err)
		return
	}

	id, err := s.engine.StartScan(spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopScan(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleScanResults(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	since := uint64(queryInt(r, "since", 0))

	page, total, tick, err := s.engine.Results(chi.URLParam(r, "id"), limit, offset, since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": page,
		"total":   total,
		"tick":    tick,
		"offset":  offset,
	})
}

func (s *Server) handleGetFilters(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.FilterConfig(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateFilters(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: reading body: %v", models.ErrConfig, err))
		return
	}
	cfg, err := filters.ParseConfig(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.UpdateFilters(chi.URLParam(r, "id"), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleListPresets(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"presets": s.presets.List()})
}

func (s *Server) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	blob, ok := s.presets.Get(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: preset %s", models.ErrNotFound, id))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (s *Server) handlePutPreset(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: reading body: %v", models.ErrConfig, err))
		return
	}
	if err := s.presets.Put(chi.URLParam(r, "id"), raw); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.presets.Delete(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !removed {
		s.writeError(w, fmt.Errorf("%w: preset %s", models.ErrNotFound, id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"scans":     len(s.engine.ScanIDs()),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrConfig):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrOverload):
		code = http.StatusTooManyRequests
	case errors.Is(err, models.ErrCircuitOpen), errors.Is(err, models.ErrDependency):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed")
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: parsing request: %v", models.ErrConfig, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
