package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skypro1111/voice-session-service/internal/protocol"
)

// fakeServer sends idle on connect and records binary frames. With dropFirst
// it closes the first connection right after the greeting.
type fakeServer struct {
	upgrader  websocket.Upgrader
	dropFirst bool
	reject    bool

	connects atomic.Int32
	mu       sync.Mutex
	frames   [][]byte
	query    string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := f.connects.Add(1)

	f.mu.Lock()
	f.query = r.URL.RawQuery
	f.mu.Unlock()

	if f.reject {
		data, _ := json.Marshal(protocol.Error("sample rate mismatch: got 8000 Hz, want 16000 Hz"))
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "sample rate mismatch"), time.Now().Add(time.Second))
		return
	}

	data, _ := json.Marshal(protocol.Status(protocol.StatusIdle))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	if f.dropFirst && n == 1 {
		return
	}

	for {
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.BinaryMessage {
			f.mu.Lock()
			f.frames = append(f.frames, msg)
			f.mu.Unlock()
		}
	}
}

func (f *fakeServer) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/audio"
}

func startClient(t *testing.T, c *Client) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		result <- c.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return cancel, result
}

func nextEvent(t *testing.T, c *Client) protocol.Event {
	t.Helper()
	select {
	case e, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.Event{}
	}
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New(Config{URL: "http://localhost:8000/ws/audio"})
	assert.Error(t, err)

	c, err := New(Config{URL: "ws://localhost:8000/ws/audio", SampleRate: 16000})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws/audio?sample_rate=16000", c.URL())
	assert.Equal(t, StateConnecting, c.State())
}

func TestClientConnectsAndSends(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c, err := New(Config{URL: wsURL(srv), SampleRate: 16000, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Send([]byte{0, 0}), ErrNotConnected)

	startClient(t, c)

	assert.Equal(t, protocol.Status(protocol.StatusIdle), nextEvent(t, c))
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.SendSamples([]int16{1, -1, 2, -2}))
	require.Eventually(t, func() bool { return fake.frameCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	fake.mu.Lock()
	assert.Equal(t, []byte{1, 0, 0xff, 0xff, 2, 0, 0xfe, 0xff}, fake.frames[0])
	assert.Equal(t, "sample_rate=16000", fake.query)
	fake.mu.Unlock()
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	fake := &fakeServer{dropFirst: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c, err := New(Config{
		URL:            wsURL(srv),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var transitions []State
	c.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	startClient(t, c)

	nextEvent(t, c)
	nextEvent(t, c)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), fake.connects.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnected, StateReconnectWait, StateConnecting, StateConnected}, transitions)
}

func TestClientRetriesUntilServerIsUp(t *testing.T) {
	srv := httptest.NewUnstartedServer(&fakeServer{})
	addr := srv.Listener.Addr().String()
	srv.Listener.Close()

	c, err := New(Config{
		URL:            "ws://" + addr + "/ws/audio",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	})
	require.NoError(t, err)

	var waits atomic.Int32
	c.OnStateChange(func(_, to State) {
		if to == StateReconnectWait {
			waits.Add(1)
		}
	})

	startClient(t, c)
	require.Eventually(t, func() bool { return waits.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	srv.Listener = l
	srv.Start()
	defer srv.Close()

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 3*time.Second, 5*time.Millisecond)
	nextEvent(t, c)
}

func TestClientStopsOnRejection(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{reject: true})
	defer srv.Close()

	c, err := New(Config{URL: wsURL(srv), SampleRate: 8000, InitialBackoff: 10 * time.Millisecond})
	require.NoError(t, err)

	_, done := startClient(t, c)

	e := nextEvent(t, c)
	assert.Equal(t, protocol.TypeError, e.Type)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRejected)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after rejection")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestClientCloseOnCancel(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{})
	defer srv.Close()

	c, err := New(Config{URL: wsURL(srv)})
	require.NoError(t, err)

	cancel, done := startClient(t, c)
	nextEvent(t, c)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, StateClosed, c.State())
	_, ok := <-c.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, c.Send([]byte{0, 0}), ErrNotConnected)
}
