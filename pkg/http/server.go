package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/metrics"
	"callbridge-server/pkg/session"
)

// Config holds the management HTTP server settings
type Config struct {
	Port         int
	MetricsPath  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Defaults applied to place-call requests that omit the fields
	DefaultFromNumber string
	DefaultDeviceID   string
	HomeCountryID     string
}

// DefaultConfig returns sensible defaults for the management server
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		MetricsPath:  "/metrics",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server exposes health, metrics and a small call management API over
// HTTP.
type Server struct {
	config       *Config
	logger       *logrus.Logger
	httpServer   *http.Server
	mux          *http.ServeMux
	orchestrator *session.Orchestrator
	startTime    time.Time
}

// NewServer creates a new HTTP server instance
func NewServer(logger *logrus.Logger, config *Config, orchestrator *session.Orchestrator) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	server := &Server{
		config:       config,
		logger:       logger,
		orchestrator: orchestrator,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	server.mux = mux

	mux.HandleFunc("/health", server.healthHandler)
	mux.HandleFunc("/api/sessions", server.sessionsHandler)
	mux.HandleFunc("/api/calls", server.placeCallHandler)

	if registry := metrics.GetRegistry(); registry != nil {
		mux.Handle(config.MetricsPath, promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		))
		logger.WithField("path", config.MetricsPath).Info("Prometheus metrics endpoint enabled")
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server
}

// Start begins serving in a background goroutine
func (s *Server) Start() {
	s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the server's routing mux, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":          "ok",
		"uptime":          time.Since(s.startTime).String(),
		"active_sessions": s.orchestrator.SessionCount(),
		"started_at":      s.startTime.Format(time.RFC3339),
	}

	writeJSON(w, http.StatusOK, status)
}

// sessionSummary is the wire form of one live call session
type sessionSummary struct {
	ID                 string    `json:"id"`
	Origin             string    `json:"origin"`
	State              string    `json:"state"`
	TelephonySessionID string    `json:"telephony_session_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessions := s.orchestrator.Sessions()
	summaries := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sessionSummary{
			ID:                 sess.ID(),
			Origin:             string(sess.Origin()),
			State:              string(sess.State()),
			TelephonySessionID: sess.TelephonySessionID(),
			CreatedAt:          sess.CreatedAt(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(summaries),
		"sessions": summaries,
	})
}

// placeCallRequest is the body accepted by POST /api/calls
type placeCallRequest struct {
	ToNumber      string `json:"toNumber"`
	FromNumber    string `json:"fromNumber,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	Type          string `json:"type"`
	HomeCountryID string `json:"homeCountryId,omitempty"`
}

func (s *Server) placeCallHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req placeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.FromNumber == "" {
		req.FromNumber = s.config.DefaultFromNumber
	}
	if req.DeviceID == "" {
		req.DeviceID = s.config.DefaultDeviceID
	}
	if req.HomeCountryID == "" {
		req.HomeCountryID = s.config.HomeCountryID
	}

	sess, err := s.orchestrator.PlaceCall(r.Context(), session.PlaceCallParams{
		ToNumber:      req.ToNumber,
		FromNumber:    req.FromNumber,
		DeviceID:      req.DeviceID,
		Type:          session.CallType(req.Type),
		HomeCountryID: req.HomeCountryID,
	})
	if err != nil {
		s.logger.WithError(err).WithField("to_number", req.ToNumber).Warn("Place call request failed")
		status := http.StatusBadGateway
		if errors.IsErrorType(err, errors.ErrInvalidDestination) {
			status = http.StatusBadRequest
		} else if errors.IsErrorType(err, errors.ErrDisposed) {
			status = http.StatusServiceUnavailable
		}
		s.errorResponse(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sessionSummary{
		ID:                 sess.ID(),
		Origin:             string(sess.Origin()),
		State:              string(sess.State()),
		TelephonySessionID: sess.TelephonySessionID(),
		CreatedAt:          sess.CreatedAt(),
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
