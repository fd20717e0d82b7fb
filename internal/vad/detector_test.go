package vad

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameAt returns a frame whose mean absolute amplitude is level (0..1).
func frameAt(level float64, n int) []int16 {
	v := int16(level * 32768)
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = v
		} else {
			out[i] = -v
		}
	}
	return out
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(0.01, 1500*time.Millisecond, 16000)
	require.NoError(t, err)
	return d
}

func TestNewDetectorValidation(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		silence   time.Duration
		rate      int
	}{
		{"zero threshold", 0, time.Second, 16000},
		{"threshold of one", 1, time.Second, 16000},
		{"zero silence", 0.01, 0, 16000},
		{"zero sample rate", 0.01, time.Second, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDetector(tt.threshold, tt.silence, tt.rate)
			assert.Error(t, err)
		})
	}
}

func TestSilenceNeverEnds(t *testing.T) {
	d := newTestDetector(t)

	for i := 0; i < 1000; i++ {
		require.Equal(t, Continue, d.Observe(frameAt(0.005, 4096)), "frame %d", i)
	}
	assert.False(t, d.Speaking())
	assert.Equal(t, uint64(0), d.GetStats().Utterances)
}

func TestExactlyOneEndAtBoundary(t *testing.T) {
	d := newTestDetector(t)

	// 100ms frames so 1500ms of quiet is exactly 15 frames
	require.Equal(t, Continue, d.Observe(frameAt(0.05, 1600)))
	assert.True(t, d.Speaking())

	for i := 1; i <= 14; i++ {
		require.Equal(t, Continue, d.Observe(frameAt(0.001, 1600)), "quiet frame %d", i)
	}
	assert.Equal(t, UtteranceEnd, d.Observe(frameAt(0.001, 1600)))
	assert.False(t, d.Speaking())

	for i := 0; i < 50; i++ {
		require.Equal(t, Continue, d.Observe(frameAt(0.001, 1600)))
	}
	assert.Equal(t, uint64(1), d.GetStats().Utterances)
}

func TestEndWithNominalFrames(t *testing.T) {
	d := newTestDetector(t)

	// 4096-sample frames last 256ms: the 6th quiet frame crosses 1500ms
	d.Observe(frameAt(0.02, 4096))
	for i := 1; i <= 5; i++ {
		require.Equal(t, Continue, d.Observe(frameAt(0.001, 4096)))
	}
	assert.Equal(t, UtteranceEnd, d.Observe(frameAt(0.001, 4096)))
}

func TestLoudFrameResetsQuiet(t *testing.T) {
	d := newTestDetector(t)

	d.Observe(frameAt(0.05, 1600))
	for i := 0; i < 14; i++ {
		d.Observe(frameAt(0.001, 1600))
	}
	// speech resumes just before the limit
	require.Equal(t, Continue, d.Observe(frameAt(0.05, 1600)))
	for i := 0; i < 14; i++ {
		require.Equal(t, Continue, d.Observe(frameAt(0.001, 1600)))
	}
	assert.Equal(t, UtteranceEnd, d.Observe(frameAt(0.001, 1600)))
}

func TestThresholdIsInclusive(t *testing.T) {
	d, err := NewDetector(0.5, time.Second, 16000)
	require.NoError(t, err)

	d.Observe(frameAt(0.5, 100))
	assert.True(t, d.Speaking())
}

func TestKeepAliveFrameIgnored(t *testing.T) {
	d := newTestDetector(t)
	d.Observe(frameAt(0.05, 1600))

	for i := 0; i < 100; i++ {
		require.Equal(t, Continue, d.Observe(nil))
	}
	assert.True(t, d.Speaking())
	assert.Equal(t, uint64(1), d.GetStats().TotalFrames)
}

func TestSecondUtterance(t *testing.T) {
	d := newTestDetector(t)

	ends := 0
	for u := 0; u < 3; u++ {
		d.Observe(frameAt(0.05, 1600))
		for i := 0; i < 20; i++ {
			if d.Observe(frameAt(0.0, 1600)) == UtteranceEnd {
				ends++
			}
		}
	}
	assert.Equal(t, 3, ends)
}

func TestDetectorReset(t *testing.T) {
	d := newTestDetector(t)
	d.Observe(frameAt(0.05, 1600))
	d.Observe(frameAt(0.001, 1600))

	d.Reset()
	assert.False(t, d.Speaking())
	assert.Equal(t, 0, d.GetStats().QuietMs)

	for i := 0; i < 30; i++ {
		require.Equal(t, Continue, d.Observe(frameAt(0.001, 1600)))
	}
}

func TestDetectorStats(t *testing.T) {
	d := newTestDetector(t)
	d.Observe(frameAt(0.05, 1600))
	d.Observe(frameAt(0.001, 1600))
	d.Observe(frameAt(0.001, 1600))
	d.Observe(frameAt(0.001, 1600))

	stats := d.GetStats()
	assert.Equal(t, "speaking", stats.State)
	assert.Equal(t, uint64(4), stats.TotalFrames)
	assert.Equal(t, uint64(1), stats.SpeechFrames)
	assert.InDelta(t, 25.0, stats.VoicePercentage, 0.001)
	assert.Equal(t, 300, stats.QuietMs)
	assert.InDelta(t, 0.001, stats.LastAmplitude, 0.0001)
}

func TestSignalString(t *testing.T) {
	assert.Equal(t, "continue", Continue.String())
	assert.Equal(t, "utterance_end", UtteranceEnd.String())
}

func TestConcurrentStatsReads(t *testing.T) {
	d := newTestDetector(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			d.Observe(frameAt(float64(i%3)*0.01, 512))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = d.GetStats()
		}
	}()
	wg.Wait()

	assert.Equal(t, uint64(500), d.GetStats().TotalFrames)
}
