package transcription

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTranscriptionFailed wraps any engine failure, including timeouts.
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrTranscriptionInFlight is returned when an invoker is asked to start a
	// second transcription before the first has finished.
	ErrTranscriptionInFlight = errors.New("transcription already in flight")
)

// Result is what an engine returns for one utterance.
type Result struct {
	Text       string
	Confidence float64
}

// Request describes one utterance handed to an engine.
type Request struct {
	SessionID  string
	Seq        uint64
	Samples    []int16
	SampleRate int
}

// Duration returns the audio length of the request.
func (r Request) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.Samples)) * time.Second / time.Duration(r.SampleRate)
}

// Engine is a speech-to-text backend. Implementations must be safe for use
// by many sessions at once.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
	Name() string
}

// StatsProvider is implemented by engines that keep request statistics.
type StatsProvider interface {
	GetStats() ClientStats
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, req Request) (Result, error)

func (f EngineFunc) Transcribe(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

func (f EngineFunc) Name() string { return "func" }

// Mock returns fixed text for every non-empty utterance.
type Mock struct {
	Text       string
	Confidence float64
	Delay      time.Duration
}

// NewMock creates an engine that always answers with text.
func NewMock(text string) *Mock {
	return &Mock{Text: text, Confidence: 1.0}
}

func (m *Mock) Transcribe(ctx context.Context, req Request) (Result, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if len(req.Samples) == 0 {
		return Result{}, nil
	}
	return Result{Text: m.Text, Confidence: m.Confidence}, nil
}

func (m *Mock) Name() string { return "mock" }
