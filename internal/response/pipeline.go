package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skypro1111/voice-session-service/internal/config"
)

// ErrResponseGenerationFailed wraps any responder failure.
var ErrResponseGenerationFailed = errors.New("response generation failed")

// Stream summarises one streamed reply.
type Stream struct {
	Tokens []string
	// TTFT runs from transcript finalisation to the first emitted token, or
	// to completion when no token was produced.
	TTFT     time.Duration
	Duration time.Duration
}

// TTFTMs returns the time to first token in milliseconds.
func (s Stream) TTFTMs() float64 {
	return float64(s.TTFT) / float64(time.Millisecond)
}

// Text returns the concatenated reply.
func (s Stream) Text() string {
	return strings.Join(s.Tokens, "")
}

// Pipeline drives a Responder, forwarding tokens as they arrive and
// measuring time to first token.
type Pipeline struct {
	responder Responder
	timeout   time.Duration
	now       func() time.Time
}

// NewPipeline creates a pipeline. A zero timeout disables the deadline.
func NewPipeline(responder Responder, timeout time.Duration) *Pipeline {
	return &Pipeline{responder: responder, timeout: timeout, now: time.Now}
}

// Responder returns the underlying responder.
func (p *Pipeline) Responder() Responder {
	return p.responder
}

// Respond streams the reply for text to emit. finalizedAt is when the
// transcript became final and anchors the TTFT measurement. An error from
// emit aborts the stream and is returned unwrapped.
func (p *Pipeline) Respond(ctx context.Context, text string, finalizedAt time.Time, emit func(token string) error) (Stream, error) {
	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var (
		stream   Stream
		gotFirst bool
		emitErr  error
	)

	err := p.responder.Respond(callCtx, text, func(token string) error {
		if !gotFirst {
			gotFirst = true
			stream.TTFT = p.now().Sub(finalizedAt)
		}
		stream.Tokens = append(stream.Tokens, token)
		if err := emit(token); err != nil {
			emitErr = err
			return err
		}
		return nil
	})

	done := p.now()
	stream.Duration = done.Sub(finalizedAt)
	if !gotFirst {
		stream.TTFT = stream.Duration
	}

	if emitErr != nil {
		return stream, emitErr
	}
	if err != nil {
		return stream, fmt.Errorf("%w: %s: %w", ErrResponseGenerationFailed, p.responder.Name(), err)
	}
	return stream, nil
}

// NewResponder builds the responder selected by cfg.Mode.
func NewResponder(cfg config.ResponseConfig) (Responder, error) {
	switch cfg.Mode {
	case "keyword":
		return NewKeywordResponder(cfg.GetTokenInterval()), nil
	case "ollama":
		return NewOllamaResponder(OllamaConfig{
			Endpoint:     cfg.Endpoint,
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
			Timeout:      cfg.GetTimeoutDuration(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown response mode %q", cfg.Mode)
	}
}
