// Package control serves the Prometheus metrics endpoint and the
// token-protected runtime control API.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/onlytrade/onlytrade/internal/runtime"
)

// Controller is the runtime surface the control endpoints drive.
type Controller interface {
	Pause(by string)
	Resume() error
	Step(n int) error
	ActivateKillSwitch(reason, by string) error
	DeactivateKillSwitch(by string) error
	Status() any
}

// Server exposes /metrics, /health and the token-protected control
// endpoints on one port.
type Server struct {
	port       int
	apiToken   string
	controller Controller
	server     *http.Server
	log        zerolog.Logger
}

// NewServer creates the metrics and control server.
func NewServer(port int, apiToken string, controller Controller, log zerolog.Logger) *Server {
	return &Server{
		port:       port,
		apiToken:   apiToken,
		controller: controller,
		log:        log.With().Str("component", "metrics_server").Logger(),
	}
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/control/status", s.authorized(s.handleStatus))
	mux.HandleFunc("/control/pause", s.authorized(s.handlePause))
	mux.HandleFunc("/control/resume", s.authorized(s.handleResume))
	mux.HandleFunc("/control/step", s.authorized(s.handleStep))
	mux.HandleFunc("/control/kill-switch", s.authorized(s.handleKillSwitch))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Int("port", s.port).Msg("Starting metrics server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info().Msg("Shutting down metrics server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	return nil
}

// authorized wraps a handler with constant-time bearer token checking.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			http.Error(w, "control endpoints disabled", http.StatusForbidden)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.controller.Status()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.controller.Pause("control_api")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.controller.Resume(); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := 1
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid step count", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	if err := s.controller.Step(n); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "steps": n})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
		By     string `json:"by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.By == "" {
		req.By = "control_api"
	}

	var err error
	if req.Active {
		err = s.controller.ActivateKillSwitch(req.Reason, req.By)
	} else {
		err = s.controller.DeactivateKillSwitch(req.By)
	}
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "active": req.Active})
}

// writeControlError maps kill-switch rejections to 423 Locked.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, runtime.ErrKillSwitchActive) {
		status = http.StatusLocked
	}
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
