// Package api serves the process's only outward surface: a JSON health
// endpoint and the prometheus metrics handler.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Status is the engine snapshot rendered by /health.
type Status struct {
	ScanRunning      bool
	LastScanAt       time.Time
	LastScanDuration time.Duration
	ScansCompleted   int64
}

// StatusFunc supplies the current engine status.
type StatusFunc func() Status

// Server is the health/metrics HTTP server.
type Server struct {
	http    *http.Server
	status  StatusFunc
	started time.Time
}

// New creates the server listening on addr, reading engine status through
// status and serving metrics from registry.
func New(addr string, status StatusFunc, registry *prometheus.Registry) *Server {
	s := &Server{status: status, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("🌐 API server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("API server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status           string    `json:"status"`
	Uptime           string    `json:"uptime"`
	ScanRunning      bool      `json:"scanRunning"`
	LastScanAt       time.Time `json:"lastScanAt"`
	LastScanDuration string    `json:"lastScanDuration"`
	ScansCompleted   int64     `json:"scansCompleted"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	resp := healthResponse{
		Status:           "ok",
		Uptime:           time.Since(s.started).Round(time.Second).String(),
		ScanRunning:      st.ScanRunning,
		LastScanAt:       st.LastScanAt,
		LastScanDuration: st.LastScanDuration.Round(time.Millisecond).String(),
		ScansCompleted:   st.ScansCompleted,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("Health encode failed")
	}
}
