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
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skypro1111/voice-session-service/internal/config"
	"github.com/skypro1111/voice-session-service/internal/metrics"
	"github.com/skypro1111/voice-session-service/internal/protocol"
	"github.com/skypro1111/voice-session-service/internal/session"
)

// WebSocketServer accepts streaming audio connections and binds each one to
// a session.
type WebSocketServer struct {
	config     *config.ServerConfig
	sampleRate int
	logger     *zap.Logger
	sessions   *session.Manager
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	server   *http.Server
	listener net.Listener

	// Connection tracking
	conns sync.WaitGroup

	// Counters
	connectionsAccepted atomic.Uint64
	connectionsRejected atomic.Uint64
	framesReceived      atomic.Uint64
	textFramesIgnored   atomic.Uint64
	eventsWritten       atomic.Uint64
}

// WebSocketStats contains transport statistics
type WebSocketStats struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	FramesReceived      uint64 `json:"frames_received"`
	TextFramesIgnored   uint64 `json:"text_frames_ignored"`
	EventsWritten       uint64 `json:"events_written"`
	ActiveSessions      int    `json:"active_sessions"`
}

// NewWebSocketServer creates the streaming endpoint. sampleRate is the rate
// assumed when the client does not declare one.
func NewWebSocketServer(cfg *config.ServerConfig, sampleRate int, logger *zap.Logger, sessions *session.Manager, m *metrics.Metrics) *WebSocketServer {
	s := &WebSocketServer{
		config:     cfg,
		sampleRate: sampleRate,
		logger:     logger,
		sessions:   sessions,
		metrics:    m,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.WSPath, s)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens on the configured address and serves in the background
func (s *WebSocketServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("WebSocket server started",
		zap.String("address", ln.Addr().String()),
		zap.String("path", s.config.WSPath),
		zap.Int("max_sessions", s.config.MaxConcurrentSessions),
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *WebSocketServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting connections and waits for open connections to end.
// Hijacked websocket connections are not tracked by http.Server, so sessions
// must be closed (session.Manager.Stop) for this to return before ctx expires.
func (s *WebSocketServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	stats := s.GetStatistics()
	s.logger.Info("WebSocket server stopped",
		zap.Uint64("connections_accepted", stats.ConnectionsAccepted),
		zap.Uint64("connections_rejected", stats.ConnectionsRejected),
		zap.Uint64("frames_received", stats.FramesReceived),
	)
	return nil
}

// GetStatistics returns current transport statistics
func (s *WebSocketServer) GetStatistics() WebSocketStats {
	return WebSocketStats{
		ConnectionsAccepted: s.connectionsAccepted.Load(),
		ConnectionsRejected: s.connectionsRejected.Load(),
		FramesReceived:      s.framesReceived.Load(),
		TextFramesIgnored:   s.textFramesIgnored.Load(),
		EventsWritten:       s.eventsWritten.Load(),
		ActiveSessions:      s.sessions.ActiveCount(),
	}
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Warn("Rejecting websocket origin", zap.String("origin", origin))
	return false
}

// ServeHTTP performs the handshake and runs the connection until either side closes.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	rate, err := protocol.ParseSampleRate(r.URL.Query().Get(protocol.SampleRateParam), s.sampleRate)
	if err != nil {
		s.metrics.RecordSessionRejected("sample_rate")
		s.rejectAfterUpgrade(w, r, fmt.Errorf("%w: %w", session.ErrSampleRateMismatch, err))
		return
	}

	sess, err := s.sessions.Create(rate)
	switch {
	case errors.Is(err, session.ErrSessionLimit):
		s.connectionsRejected.Add(1)
		http.Error(w, "Too many sessions", http.StatusServiceUnavailable)
		return
	case errors.Is(err, session.ErrSampleRateMismatch):
		s.rejectAfterUpgrade(w, r, err)
		return
	case err != nil:
		s.connectionsRejected.Add(1)
		s.logger.Error("Failed to create session", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.connectionsRejected.Add(1)
		s.sessions.Remove(sess.ID)
		s.logger.Warn("WebSocket upgrade failed", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	s.connectionsAccepted.Add(1)

	s.logger.Info("Client connected",
		zap.String("session_id", sess.ID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	s.serve(conn, sess)
}

// rejectAfterUpgrade completes the upgrade so the client can read the reason,
// sends one error event and closes with 1003.
func (s *WebSocketServer) rejectAfterUpgrade(w http.ResponseWriter, r *http.Request, cause error) {
	s.connectionsRejected.Add(1)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.logger.Warn("Rejecting connection", zap.String("remote_addr", r.RemoteAddr), zap.Error(cause))

	deadline := time.Now().Add(s.config.GetWriteTimeout())
	if data, err := json.Marshal(protocol.Error(cause.Error())); err == nil {
		_ = conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, data); err == nil {
			s.metrics.RecordEventSent(protocol.TypeError)
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "sample rate mismatch"), deadline)
}

// serve runs the read loop on the calling goroutine and the writer on its own.
func (s *WebSocketServer) serve(conn *websocket.Conn, sess *session.Session) {
	logger := s.logger.With(zap.String("session_id", sess.ID))

	if s.config.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.config.MaxMessageBytes)
	}

	// Once the session has ended only the peer's close reply is awaited.
	var closing atomic.Bool
	pongWait := 2 * s.config.GetPingInterval()
	extend := func() {
		if pongWait > 0 && !closing.Load() {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := s.writeLoop(conn, sess); err != nil {
			logger.Debug("Writer stopped", zap.Error(err))
			_ = conn.Close()
			return
		}
		closing.Store(true)
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("Connection read error", zap.Error(err))
			} else {
				logger.Debug("Connection closed", zap.Error(err))
			}
			break
		}
		extend()

		switch messageType {
		case websocket.BinaryMessage:
			s.framesReceived.Add(1)
			if err := sess.HandleFrame(data); errors.Is(err, session.ErrSessionClosed) {
				// Expired by the manager; the writer sends the close frame.
				<-writerDone
				_ = conn.Close()
				return
			}
		case websocket.TextMessage:
			s.textFramesIgnored.Add(1)
			logger.Debug("Ignoring text frame", zap.Int("bytes", len(data)))
		}
	}

	s.sessions.Remove(sess.ID)
	<-writerDone
	_ = conn.Close()

	logger.Info("Client disconnected")
}

// writeLoop forwards session events as JSON text frames and pings the peer.
// It returns nil once the session's event stream ends.
func (s *WebSocketServer) writeLoop(conn *websocket.Conn, sess *session.Session) error {
	writeTimeout := s.config.GetWriteTimeout()
	pingInterval := s.config.GetPingInterval()
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sess.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to encode %s event: %w", e.Type, err)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
			s.eventsWritten.Add(1)

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		}
	}
}
