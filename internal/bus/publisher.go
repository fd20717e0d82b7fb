package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/skypro1111/voice-session-service/internal/config"
)

// UtteranceRecord is the per-utterance latency record published for
// external aggregation.
type UtteranceRecord struct {
	SessionID   string    `json:"session_id"`
	Seq         uint64    `json:"seq"`
	Reason      string    `json:"reason"`
	Text        string    `json:"text,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	ASRMs       float64   `json:"asr_ms"`
	TTFTMs      float64   `json:"ttft_ms"`
	QueueWaitMs float64   `json:"queue_wait_ms"`
	Tokens      int       `json:"tokens"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LifecycleRecord announces a session opening or closing.
type LifecycleRecord struct {
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
	Status() nats.Status
}

// Publisher sends session records to NATS. A nil *Publisher discards everything.
type Publisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

// Connect dials the configured NATS servers.
func Connect(cfg config.BusConfig, logger *zap.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Servers) == "" {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("voice-session-service"),
		nats.Timeout(cfg.GetConnectTimeout()),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.Servers, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("servers", cfg.Servers), zap.String("subject_prefix", cfg.SubjectPrefix))
	return NewPublisher(conn, cfg.SubjectPrefix, logger), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, prefix string, logger *zap.Logger) *Publisher {
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// UtteranceSubject returns the subject utterance records for a session go to.
func (p *Publisher) UtteranceSubject(sessionID string) string {
	return p.prefix + "." + sessionID + ".utterance"
}

// LifecycleSubject returns the subject lifecycle records for a session go to.
func (p *Publisher) LifecycleSubject(sessionID string) string {
	return p.prefix + "." + sessionID + ".lifecycle"
}

// PublishUtterance publishes one utterance record. Failures are logged.
func (p *Publisher) PublishUtterance(rec UtteranceRecord) {
	if p == nil {
		return
	}
	p.publish(p.UtteranceSubject(rec.SessionID), rec)
}

// PublishLifecycle publishes a session lifecycle record. Failures are logged.
func (p *Publisher) PublishLifecycle(sessionID, event string) {
	if p == nil {
		return
	}
	p.publish(p.LifecycleSubject(sessionID), LifecycleRecord{
		SessionID: sessionID,
		Event:     event,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("Failed to encode bus record", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish bus record", zap.String("subject", subject), zap.Error(err))
	}
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.logger.Info("Closing NATS connection")
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("NATS drain failed", zap.Error(err))
	}
	p.conn.Close()
}
