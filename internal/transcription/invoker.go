package transcription

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Transcript is the outcome of one invocation.
type Transcript struct {
	Text       string
	Confidence float64
	Latency    time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
}

// Empty reports whether the engine produced no usable text.
func (t Transcript) Empty() bool {
	return strings.TrimSpace(t.Text) == ""
}

// LatencyMs returns the engine latency in milliseconds.
func (t Transcript) LatencyMs() float64 {
	return float64(t.Latency) / float64(time.Millisecond)
}

// Invoker wraps an engine for a single session: it allows one call at a
// time, applies a per-call timeout and measures latency.
type Invoker struct {
	engine  Engine
	timeout time.Duration
	now     func() time.Time

	inFlight atomic.Bool
}

// NewInvoker creates a per-session invoker. A zero timeout disables the
// per-call deadline.
func NewInvoker(engine Engine, timeout time.Duration) *Invoker {
	return &Invoker{engine: engine, timeout: timeout, now: time.Now}
}

// InFlight reports whether a transcription is running.
func (i *Invoker) InFlight() bool {
	return i.inFlight.Load()
}

// Transcribe runs the engine on one utterance. A concurrent call fails with
// ErrTranscriptionInFlight; engine errors are wrapped in ErrTranscriptionFailed.
func (i *Invoker) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	if !i.inFlight.CompareAndSwap(false, true) {
		return Transcript{}, ErrTranscriptionInFlight
	}
	defer i.inFlight.Store(false)

	callCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	started := i.now()
	result, err := i.engine.Transcribe(callCtx, req)
	finished := i.now()

	if err != nil {
		return Transcript{}, fmt.Errorf("%w: %s: %w", ErrTranscriptionFailed, i.engine.Name(), err)
	}

	return Transcript{
		Text:       strings.TrimSpace(result.Text),
		Confidence: result.Confidence,
		Latency:    finished.Sub(started),
		StartedAt:  started,
		FinishedAt: finished,
	}, nil
}
