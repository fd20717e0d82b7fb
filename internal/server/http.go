package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/skypro1111/voice-session-service/internal/config"
	"github.com/skypro1111/voice-session-service/internal/metrics"
	"github.com/skypro1111/voice-session-service/internal/session"
	"github.com/skypro1111/voice-session-service/internal/transcription"
)

const serviceName = "voice-session-service"

// Version is reported by the API and set at build time.
var Version = "1.0.0"

// BusStatus reports the state of the event bus connection
type BusStatus interface {
	Healthy() bool
}

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
	config   *config.Config
	sessions *session.Manager
	ws       *WebSocketServer
	engine   transcription.Engine
	bus      BusStatus
	metrics  *metrics.Metrics

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server. bus may be nil when the event
// bus is disabled.
func NewHTTPServer(cfg config.HTTPConfig, logger *zap.Logger,
	appConfig *config.Config, sessions *session.Manager, ws *WebSocketServer,
	engine transcription.Engine, bus BusStatus, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		sessions:  sessions,
		ws:        ws,
		engine:    engine,
		bus:       bus,
		metrics:   m,
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the API handler, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.metrics != nil && h.metrics.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	h.logger.Info("Starting HTTP API server", zap.String("address", ln.Addr().String()))

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (h *HTTPServer) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *HTTPServer) transcriptionStats() map[string]interface{} {
	stats := map[string]interface{}{
		"status": "running",
		"engine": h.engine.Name(),
		"mode":   h.config.Transcription.Mode,
	}
	if sp, ok := h.engine.(transcription.StatsProvider); ok {
		s := sp.GetStats()
		stats["total_requests"] = s.TotalRequests
		stats["success_rate"] = s.SuccessRate
		stats["active_requests"] = s.ActiveRequests
	}
	return stats
}

func (h *HTTPServer) busStatus() string {
	switch {
	case !h.config.Bus.Enabled:
		return "disabled"
	case h.bus != nil && h.bus.Healthy():
		return "connected"
	default:
		return "disconnected"
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	wsStats := h.ws.GetStatistics()
	mgrStats := h.sessions.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": Version,
		},
		"components": map[string]interface{}{
			"websocket_server": map[string]interface{}{
				"status":               "running",
				"path":                 h.config.Server.WSPath,
				"connections_accepted": wsStats.ConnectionsAccepted,
				"connections_rejected": wsStats.ConnectionsRejected,
				"frames_received":      wsStats.FramesReceived,
			},
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": mgrStats.ActiveSessions,
				"max_sessions":    mgrStats.MaxSessions,
			},
			"vad": map[string]interface{}{
				"status":              "ready",
				"endpoint_threshold":  h.config.VAD.EndpointThreshold,
				"silence_duration_ms": h.config.VAD.SilenceDurationMs,
				"sample_rate":         h.config.Audio.SampleRate,
			},
			"transcription": h.transcriptionStats(),
			"response": map[string]interface{}{
				"status": "ready",
				"mode":   h.config.Response.Mode,
			},
			"bus": map[string]interface{}{
				"status": h.busStatus(),
			},
		},
	}

	writeJSON(w, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.sessions.List()

	writeJSON(w, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sess, exists := h.sessions.Get(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, sess.GetSessionInfo())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Credentials are left out.
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"bind_address":            h.config.Server.BindAddress,
			"port":                    h.config.Server.Port,
			"ws_path":                 h.config.Server.WSPath,
			"max_concurrent_sessions": h.config.Server.MaxConcurrentSessions,
			"session_timeout":         h.config.Server.SessionTimeout,
			"ping_interval_ms":        h.config.Server.PingIntervalMs,
			"mdns_enabled":            h.config.Server.MDNS.Enabled,
		},
		"audio": map[string]interface{}{
			"sample_rate":               h.config.Audio.SampleRate,
			"frame_sample_count":        h.config.Audio.FrameSampleCount,
			"max_utterance_duration_ms": h.config.Audio.MaxUtteranceDurationMs,
		},
		"vad": map[string]interface{}{
			"endpoint_threshold":  h.config.VAD.EndpointThreshold,
			"silence_duration_ms": h.config.VAD.SilenceDurationMs,
		},
		"transcription": map[string]interface{}{
			"mode":           h.config.Transcription.Mode,
			"endpoint":       h.config.Transcription.Endpoint,
			"timeout":        h.config.Transcription.Timeout,
			"max_retries":    h.config.Transcription.MaxRetries,
			"max_concurrent": h.config.Transcription.MaxConcurrent,
			"language":       h.config.Transcription.Language,
			"model":          h.config.Transcription.Model,
		},
		"response": map[string]interface{}{
			"mode":              h.config.Response.Mode,
			"token_interval_ms": h.config.Response.TokenIntervalMs,
			"endpoint":          h.config.Response.Endpoint,
			"model":             h.config.Response.Model,
			"max_tokens":        h.config.Response.MaxTokens,
		},
		"bus": map[string]interface{}{
			"enabled":        h.config.Bus.Enabled,
			"servers":        h.config.Bus.Servers,
			"subject_prefix": h.config.Bus.SubjectPrefix,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":        time.Since(h.startTime).String(),
		"timestamp":     time.Now().UTC(),
		"websocket":     h.ws.GetStatistics(),
		"sessions":      h.sessions.GetStats(),
		"transcription": h.transcriptionStats(),
	}

	writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	endpoints := map[string]interface{}{
		"GET /":              "API documentation",
		"GET /health":        "Service health check",
		"GET /sessions":      "List all active sessions",
		"GET /sessions/{id}": "Get detailed session information",
		"GET /config":        "Get service configuration",
		"GET /stats":         "Get service statistics",
		"GET /metrics":       "Prometheus metrics",
	}
	endpoints["WS "+h.config.Server.WSPath] = "Streaming audio (PCM16LE mono, binary frames)"

	apiDoc := map[string]interface{}{
		"service":   "Voice Session Service",
		"version":   Version,
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, apiDoc)
}
