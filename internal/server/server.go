// Package server exposes the detection engine over HTTP. Transport only;
// every handler delegates straight to the engine and returns JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	appconfig "liqflow/config"
	"liqflow/internal/engine"
	"liqflow/logger"
)

// Server hosts the JSON API in front of the engine.
type Server struct {
	cfg        appconfig.ServerConfig
	engine     *engine.Engine
	log        *logger.Log
	httpServer *http.Server

	// baseCtx bounds monitor lifetimes; monitors must outlive the request
	// that created them.
	baseCtx context.Context
}

func NewServer(cfg appconfig.ServerConfig, eng *engine.Engine) *Server {
	return &Server{cfg: cfg, engine: eng, log: logger.GetLogger(), baseCtx: context.Background()}
}

// Router builds the HTTP route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	api.HandleFunc("/stress", s.handleStress).Methods(http.MethodGet)
	api.HandleFunc("/cascade", s.handleCascade).Methods(http.MethodGet)
	api.HandleFunc("/risk/{symbol}", s.handleRisk).Methods(http.MethodGet)
	api.HandleFunc("/history/{symbol}", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/monitors", s.handleStartMonitor).Methods(http.MethodPost)
	api.HandleFunc("/monitors", s.handleListMonitors).Methods(http.MethodGet)
	api.HandleFunc("/monitors/{id}", s.handleStopMonitor).Methods(http.MethodDelete)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	s.httpServer = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.WithComponent("server").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("api server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

type detectRequest struct {
	Symbols         []string `json:"symbols"`
	Exchanges       []string `json:"exchanges,omitempty"`
	Sensitivity     float64  `json:"sensitivity"`
	LookbackMinutes int      `json:"lookback_minutes"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols is required")
		return
	}
	if req.Sensitivity < 0 || req.Sensitivity > 1 {
		writeError(w, http.StatusBadRequest, "sensitivity must be within [0,1]")
		return
	}

	result := s.engine.Detect(r.Context(), req.Symbols, req.Exchanges, req.Sensitivity, req.LookbackMinutes)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStress(w http.ResponseWriter, r *http.Request) {
	symbols := splitParam(r.URL.Query().Get("symbols"))
	exchanges := splitParam(r.URL.Query().Get("exchanges"))
	writeJSON(w, http.StatusOK, s.engine.GetStressIndicators(r.Context(), symbols, exchanges))
}

func (s *Server) handleCascade(w http.ResponseWriter, r *http.Request) {
	symbols := splitParam(r.URL.Query().Get("symbols"))
	exchanges := splitParam(r.URL.Query().Get("exchanges"))
	minProbability, _ := strconv.ParseFloat(r.URL.Query().Get("min_probability"), 64)

	alerts := s.engine.GetCascadeRisk(r.Context(), symbols, exchanges, minProbability)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	exchangeName := r.URL.Query().Get("exchange")
	horizon, _ := strconv.Atoi(r.URL.Query().Get("horizon_minutes"))

	risk, err := s.engine.GetRisk(r.Context(), symbol, exchangeName, horizon)
	if err != nil {
		// Risk is the one call allowed to fail outward; the caller must know
		// the score is unknown rather than read a default.
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, risk)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	daysBack, _ := strconv.Atoi(r.URL.Query().Get("days"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := s.engine.GetHistory(r.Context(), symbol, daysBack, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

type monitorRequest struct {
	Symbols         []string `json:"symbols"`
	Exchanges       []string `json:"exchanges,omitempty"`
	IntervalSeconds int      `json:"interval_seconds"`
	Sensitivity     float64  `json:"sensitivity"`
	MinProbability  float64  `json:"min_probability"`
}

func (s *Server) handleStartMonitor(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.engine.StartMonitor(s.baseCtx, engine.MonitorConfig{
		Symbols:        req.Symbols,
		Exchanges:      req.Exchanges,
		Interval:       time.Duration(req.IntervalSeconds) * time.Second,
		Sensitivity:    req.Sensitivity,
		MinProbability: req.MinProbability,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"monitor_id": id})
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	monitors := s.engine.ActiveMonitors()
	writeJSON(w, http.StatusOK, map[string]any{"monitors": monitors, "count": len(monitors)})
}

func (s *Server) handleStopMonitor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.engine.StopMonitor(id) {
		writeError(w, http.StatusNotFound, "unknown monitor id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"monitor_id": id, "status": "stopped"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
