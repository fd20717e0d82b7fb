package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skypro1111/voice-session-service/internal/audio"
	"github.com/skypro1111/voice-session-service/internal/config"
	"github.com/skypro1111/voice-session-service/internal/metrics"
	"github.com/skypro1111/voice-session-service/internal/protocol"
	"github.com/skypro1111/voice-session-service/internal/response"
	"github.com/skypro1111/voice-session-service/internal/session"
	"github.com/skypro1111/voice-session-service/internal/transcription"
)

type testStack struct {
	cfg      config.Config
	metrics  *metrics.Metrics
	sessions *session.Manager
	ws       *WebSocketServer
	srv      *httptest.Server
}

func newTestStack(t *testing.T, maxSessions int) *testStack {
	t.Helper()

	cfg := config.Default()
	cfg.Server.MaxConcurrentSessions = maxSessions
	m := metrics.NewMetrics()
	logger := zap.NewNop()

	mgr := session.NewManager(session.Config{
		SampleRate:          cfg.Audio.SampleRate,
		Threshold:           cfg.VAD.EndpointThreshold,
		SilenceDuration:     cfg.VAD.GetSilenceDuration(),
		MaxUtteranceSamples: cfg.Audio.MaxUtteranceSamples(),
	}, session.Deps{
		Engine:               transcription.NewMock("hello"),
		TranscriptionTimeout: time.Second,
		Responder:            response.NewKeywordResponder(0),
		ResponseTimeout:      time.Second,
		Metrics:              m,
		Logger:               logger,
	}, cfg.Server.GetSessionTimeoutDuration(), maxSessions)

	ws := NewWebSocketServer(&cfg.Server, cfg.Audio.SampleRate, logger, mgr, m)
	srv := httptest.NewServer(ws)

	t.Cleanup(func() {
		mgr.Stop()
		srv.Close()
	})

	return &testStack{cfg: cfg, metrics: m, sessions: mgr, ws: ws, srv: srv}
}

func (s *testStack) url(query string) string {
	u := "ws" + strings.TrimPrefix(s.srv.URL, "http") + s.cfg.Server.WSPath
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	e, err := protocol.ParseEvent(data)
	require.NoError(t, err)
	return e
}

func pcmFrame(level int16, n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = level
		} else {
			samples[i] = -level
		}
	}
	return audio.Encode(samples)
}

func TestWebSocketEndToEnd(t *testing.T) {
	stack := newTestStack(t, 10)
	conn := dial(t, stack.url(""))

	assert.Equal(t, protocol.Status(protocol.StatusIdle), readEvent(t, conn))

	// 2 s of speech at 0.02, then 1.6 s at 0.001, in 100 ms frames
	for i := 0; i < 20; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcmFrame(655, 1600)))
	}
	for i := 0; i < 16; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcmFrame(33, 1600)))
	}

	assert.Equal(t, protocol.Status(protocol.StatusListening), readEvent(t, conn))
	assert.Equal(t, protocol.Status(protocol.StatusProcessing), readEvent(t, conn))

	transcript := readEvent(t, conn)
	assert.Equal(t, protocol.TypeTranscript, transcript.Type)
	assert.Equal(t, "hello", transcript.Text)

	assert.Equal(t, protocol.Status(protocol.StatusResponding), readEvent(t, conn))

	var reply string
	for {
		e := readEvent(t, conn)
		if e.Type != protocol.TypeToken {
			assert.Equal(t, protocol.TypeLatencyStats, e.Type)
			break
		}
		reply += e.Text
	}
	assert.Equal(t, "Hello! How can I help you today? ", reply)
	assert.Equal(t, protocol.Status(protocol.StatusListening), readEvent(t, conn))

	stats := stack.ws.GetStatistics()
	assert.Equal(t, uint64(36), stats.FramesReceived)
	assert.Equal(t, uint64(1), stats.ConnectionsAccepted)
}

func TestWebSocketIgnoresTextAndMalformedFrames(t *testing.T) {
	stack := newTestStack(t, 10)
	conn := dial(t, stack.url("sample_rate=16000"))
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}))

	require.Eventually(t, func() bool {
		infos := stack.sessions.List()
		return len(infos) == 1 && infos[0].MalformedFrames == 1
	}, 2*time.Second, 10*time.Millisecond)

	infos := stack.sessions.List()
	assert.Equal(t, "IDLE", infos[0].State)
	assert.Equal(t, uint64(1), stack.ws.GetStatistics().FramesReceived)
	assert.Equal(t, uint64(1), stack.ws.GetStatistics().TextFramesIgnored)

	// No event was produced for either frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected read timeout, got %v", err)
}

func TestWebSocketSampleRateMismatch(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "other rate", query: "sample_rate=44100"},
		{name: "not a number", query: "sample_rate=fast"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stack := newTestStack(t, 10)
			conn := dial(t, stack.url(tt.query))

			e := readEvent(t, conn)
			assert.Equal(t, protocol.TypeError, e.Type)
			assert.True(t, strings.HasPrefix(e.Message, "sample rate mismatch"), e.Message)

			_, _, err := conn.ReadMessage()
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
			assert.Equal(t, websocket.CloseUnsupportedData, closeErr.Code)

			assert.Equal(t, 0, stack.sessions.ActiveCount())
			assert.Equal(t, uint64(1), stack.ws.GetStatistics().ConnectionsRejected)
		})
	}
}

func TestWebSocketSessionLimit(t *testing.T) {
	stack := newTestStack(t, 1)
	first := dial(t, stack.url(""))
	readEvent(t, first)

	_, resp, err := websocket.DefaultDialer.Dial(stack.url(""), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketDisconnectRemovesSession(t *testing.T) {
	stack := newTestStack(t, 10)
	conn := dial(t, stack.url(""))
	readEvent(t, conn)
	require.Equal(t, 1, stack.sessions.ActiveCount())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	conn.Close()

	require.Eventually(t, func() bool { return stack.sessions.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	s := &WebSocketServer{
		config: &config.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}},
		logger: zap.NewNop(),
	}

	req := httptest.NewRequest(http.MethodGet, "/ws/audio", nil)
	assert.True(t, s.checkOrigin(req), "requests without an Origin header are allowed")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, s.checkOrigin(req))

	s.config.AllowedOrigins = nil
	assert.True(t, s.checkOrigin(req))
}
