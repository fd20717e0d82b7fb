package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skypro1111/voice-session-service/internal/audio"
	"github.com/skypro1111/voice-session-service/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send outside the CONNECTED state.
	ErrNotConnected = errors.New("not connected")
	// ErrRejected is returned by Run when the server refuses the session
	// (close code 1003); retrying would not help.
	ErrRejected = errors.New("server rejected session")
)

// State is the connection state of a Client
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnectWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnectWait:
		return "RECONNECT_WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds client settings
type Config struct {
	URL            string
	SampleRate     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration
	EventBuffer    int
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
}

// Client keeps a websocket session to the server open, reconnecting with
// backoff until its context ends. Events must be drained by the caller.
type Client struct {
	url     string
	cfg     Config
	dialer  *websocket.Dialer
	backoff *Backoff
	logger  *zap.Logger
	events  chan protocol.Event

	mu       sync.RWMutex
	state    State
	conn     *websocket.Conn
	onChange func(from, to State)

	writeMu sync.Mutex
}

// New creates a client in the CONNECTING state. Nothing is dialled until Run.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	if cfg.SampleRate > 0 {
		q := u.Query()
		q.Set(protocol.SampleRateParam, strconv.Itoa(cfg.SampleRate))
		u.RawQuery = q.Encode()
	}

	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		url:     u.String(),
		cfg:     cfg,
		dialer:  dialer,
		backoff: NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
		logger:  logger,
		events:  make(chan protocol.Event, cfg.EventBuffer),
		state:   StateConnecting,
	}, nil
}

// URL returns the full handshake URL.
func (c *Client) URL() string {
	return c.url
}

// Events delivers server events in order. It is closed when Run returns.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnStateChange registers fn to be called on every transition. fn runs on
// the Run goroutine and must not block.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	fn := c.onChange
	c.mu.Unlock()

	if prev == next {
		return
	}
	c.logger.Debug("Client state transition", zap.Stringer("from", prev), zap.Stringer("to", next))
	if fn != nil {
		fn(prev, next)
	}
}

// Send writes one binary audio frame.
func (c *Client) Send(frame []byte) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

// SendSamples encodes samples as PCM16LE and sends them as one frame.
func (c *Client) SendSamples(samples []int16) error {
	return c.Send(audio.Encode(samples))
}

// Run connects and keeps reconnecting until ctx is cancelled, then returns
// nil. It returns ErrRejected if the server refuses the handshake.
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		c.setState(StateClosed)
		close(c.events)
	}()

	for {
		c.setState(StateConnecting)

		conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err == nil {
			c.backoff.Reset()
			c.logger.Info("Connected to server", zap.String("url", c.url))

			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.setState(StateConnected)

			err = c.readLoop(ctx, conn)

			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			_ = conn.Close()

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseUnsupportedData {
				c.logger.Error("Server rejected session", zap.String("reason", closeErr.Text))
				return fmt.Errorf("%w: %s", ErrRejected, closeErr.Text)
			}
		}

		if ctx.Err() != nil {
			return nil
		}

		delay := c.backoff.Next()
		c.logger.Warn("Connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
		)
		c.setState(StateReconnectWait)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		e, err := protocol.ParseEvent(data)
		if err != nil {
			c.logger.Warn("Ignoring unparseable event", zap.Error(err))
			continue
		}

		select {
		case c.events <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
