package audio

import (
	"sync"
	"time"
)

// UtteranceBuffer accumulates samples between utterance boundaries. The
// content never exceeds the configured capacity.
type UtteranceBuffer struct {
	maxSamples int
	samples    []int16

	// Statistics
	appended   uint64
	drains     uint64
	forced     uint64
	lastAppend time.Time

	mu sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	BufferedSamples int    `json:"buffered_samples"`
	MaxSamples      int    `json:"max_samples"`
	AppendedSamples uint64 `json:"appended_samples"`
	Drains          uint64 `json:"drains"`
	ForcedDrains    uint64 `json:"forced_drains"`
}

// NewUtteranceBuffer creates a buffer capped at maxSamples.
func NewUtteranceBuffer(maxSamples int) *UtteranceBuffer {
	if maxSamples < 1 {
		maxSamples = 1
	}
	initial := maxSamples
	if initial > 16000*4 {
		initial = 16000 * 4
	}
	return &UtteranceBuffer{
		maxSamples: maxSamples,
		samples:    make([]int16, 0, initial),
	}
}

// Append adds samples to the current utterance. If the new samples would push
// the buffer past its cap, the existing content is drained first and returned
// as a forced utterance; otherwise forced is nil. Input larger than the cap on
// its own is split so the buffer never holds more than maxSamples.
func (b *UtteranceBuffer) Append(samples []int16) (forced [][]int16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAppend = time.Now()
	for len(samples) > 0 {
		room := b.maxSamples - len(b.samples)
		if room == 0 {
			forced = append(forced, b.drainLocked())
			b.forced++
			continue
		}
		if len(samples) > room && len(b.samples) > 0 {
			forced = append(forced, b.drainLocked())
			b.forced++
			continue
		}
		n := len(samples)
		if n > room {
			n = room
		}
		b.samples = append(b.samples, samples[:n]...)
		b.appended += uint64(n)
		samples = samples[n:]
	}
	return forced
}

// Drain returns the accumulated samples and resets the buffer to empty.
// A second Drain with no intervening Append returns an empty slice.
func (b *UtteranceBuffer) Drain() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked()
}

func (b *UtteranceBuffer) drainLocked() []int16 {
	out := make([]int16, len(b.samples))
	copy(out, b.samples)
	b.samples = b.samples[:0]
	b.drains++
	return out
}

// Reset discards the buffered content without returning it.
func (b *UtteranceBuffer) Reset() {
	b.mu.Lock()
	b.samples = b.samples[:0]
	b.mu.Unlock()
}

// Len returns the number of buffered samples.
func (b *UtteranceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Cap returns the sample cap.
func (b *UtteranceBuffer) Cap() int {
	return b.maxSamples
}

// GetStats returns buffer statistics
func (b *UtteranceBuffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		BufferedSamples: len(b.samples),
		MaxSamples:      b.maxSamples,
		AppendedSamples: b.appended,
		Drains:          b.drains,
		ForcedDrains:    b.forced,
	}
}
