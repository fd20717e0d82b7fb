package response

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/voice-session-service/internal/config"
)

type scriptedResponder struct {
	tokens []string
	err    error
	delay  time.Duration
}

func (s *scriptedResponder) Name() string { return "scripted" }

func (s *scriptedResponder) Respond(ctx context.Context, text string, yield func(string) error) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	for _, tok := range s.tokens {
		if err := yield(tok); err != nil {
			return err
		}
	}
	return s.err
}

// stepClock returns base, base+step, base+2*step, ... on successive calls.
func stepClock(base time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * step)
	}
}

func TestPipelineMeasuresTTFT(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewPipeline(&scriptedResponder{tokens: []string{"a ", "b ", "c "}}, 0)
	p.now = stepClock(base, 10*time.Millisecond)

	var emitted []string
	stream, err := p.Respond(context.Background(), "x", base, func(tok string) error {
		emitted = append(emitted, tok)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a ", "b ", "c "}, emitted)
	assert.Equal(t, emitted, stream.Tokens)
	assert.Equal(t, 10*time.Millisecond, stream.TTFT)
	assert.Equal(t, 10.0, stream.TTFTMs())
	assert.Equal(t, 20*time.Millisecond, stream.Duration)
	assert.Equal(t, "a b c ", stream.Text())
}

func TestPipelineNoTokensTTFTIsCompletion(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewPipeline(&scriptedResponder{}, 0)
	p.now = stepClock(base, 35*time.Millisecond)

	stream, err := p.Respond(context.Background(), "x", base, func(string) error { return nil })
	require.NoError(t, err)
	assert.Empty(t, stream.Tokens)
	assert.Equal(t, 35*time.Millisecond, stream.TTFT)
	assert.Equal(t, stream.Duration, stream.TTFT)
}

func TestPipelineWrapsResponderFailure(t *testing.T) {
	boom := errors.New("model crashed")
	p := NewPipeline(&scriptedResponder{tokens: []string{"partial "}, err: boom}, 0)

	stream, err := p.Respond(context.Background(), "x", time.Now(), func(string) error { return nil })
	assert.ErrorIs(t, err, ErrResponseGenerationFailed)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, stream.Tokens, 1)
}

func TestPipelineEmitErrorIsNotWrapped(t *testing.T) {
	closed := errors.New("session closed")
	p := NewPipeline(&scriptedResponder{tokens: []string{"a ", "b "}}, 0)

	_, err := p.Respond(context.Background(), "x", time.Now(), func(string) error { return closed })
	assert.ErrorIs(t, err, closed)
	assert.NotErrorIs(t, err, ErrResponseGenerationFailed)
}

func TestPipelineTimeout(t *testing.T) {
	p := NewPipeline(NewKeywordResponder(time.Second), 30*time.Millisecond)

	_, err := p.Respond(context.Background(), "bye", time.Now(), func(string) error { return nil })
	assert.ErrorIs(t, err, ErrResponseGenerationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewResponder(t *testing.T) {
	cfg := config.Default().Response

	r, err := NewResponder(cfg)
	require.NoError(t, err)
	assert.Equal(t, "keyword", r.Name())

	cfg.Mode = "ollama"
	r, err = NewResponder(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ollama", r.Name())

	cfg.Mode = "oracle"
	_, err = NewResponder(cfg)
	assert.Error(t, err)
}
