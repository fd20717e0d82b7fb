package transcription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokerMeasuresLatency(t *testing.T) {
	engine := EngineFunc(func(ctx context.Context, req Request) (Result, error) {
		return Result{Text: "  hello world ", Confidence: 0.9}, nil
	})
	inv := NewInvoker(engine, time.Second)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	inv.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(120 * time.Millisecond)
	}

	tr, err := inv.Transcribe(context.Background(), Request{Samples: []int16{1}, SampleRate: 16000})
	require.NoError(t, err)
	assert.Equal(t, "hello world", tr.Text)
	assert.Equal(t, 0.9, tr.Confidence)
	assert.Equal(t, 120*time.Millisecond, tr.Latency)
	assert.Equal(t, 120.0, tr.LatencyMs())
	assert.False(t, tr.Empty())
}

func TestInvokerWrapsFailure(t *testing.T) {
	boom := errors.New("engine exploded")
	inv := NewInvoker(EngineFunc(func(ctx context.Context, req Request) (Result, error) {
		return Result{}, boom
	}), 0)

	_, err := inv.Transcribe(context.Background(), Request{Samples: []int16{1}, SampleRate: 16000})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTranscriptionFailed)
	assert.ErrorIs(t, err, boom)
	assert.False(t, inv.InFlight())
}

func TestInvokerTimeoutIsFailure(t *testing.T) {
	inv := NewInvoker(&Mock{Text: "late", Delay: time.Second}, 20*time.Millisecond)

	_, err := inv.Transcribe(context.Background(), Request{Samples: []int16{1}, SampleRate: 16000})
	assert.ErrorIs(t, err, ErrTranscriptionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvokerRejectsConcurrentCall(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	inv := NewInvoker(EngineFunc(func(ctx context.Context, req Request) (Result, error) {
		close(started)
		<-release
		return Result{Text: "first"}, nil
	}), 0)

	var wg sync.WaitGroup
	wg.Add(1)
	var first Transcript
	go func() {
		defer wg.Done()
		first, _ = inv.Transcribe(context.Background(), Request{Samples: []int16{1}, SampleRate: 16000})
	}()

	<-started
	assert.True(t, inv.InFlight())
	_, err := inv.Transcribe(context.Background(), Request{Samples: []int16{1}, SampleRate: 16000})
	assert.ErrorIs(t, err, ErrTranscriptionInFlight)

	close(release)
	wg.Wait()
	assert.Equal(t, "first", first.Text)
	assert.False(t, inv.InFlight())
}

func TestEmptyTranscript(t *testing.T) {
	inv := NewInvoker(NewMock("   "), 0)
	tr, err := inv.Transcribe(context.Background(), Request{Samples: []int16{1}, SampleRate: 16000})
	require.NoError(t, err)
	assert.True(t, tr.Empty())
}

func TestMockHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Mock{Text: "x", Delay: time.Second}).Transcribe(ctx, Request{Samples: []int16{1}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestDuration(t *testing.T) {
	req := Request{Samples: make([]int16, 8000), SampleRate: 16000}
	assert.Equal(t, 500*time.Millisecond, req.Duration())
	assert.Equal(t, time.Duration(0), Request{Samples: make([]int16, 10)}.Duration())
}
