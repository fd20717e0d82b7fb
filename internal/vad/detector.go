package vad

import (
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/voice-session-service/internal/audio"
)

// Signal is the per-frame endpointing decision.
type Signal int

const (
	// Continue means the current utterance (if any) is still open.
	Continue Signal = iota
	// UtteranceEnd means quiet has lasted long enough after speech.
	UtteranceEnd
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "continue"
	case UtteranceEnd:
		return "utterance_end"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// State is the endpoint state of a session.
type State int

const (
	Silent State = iota
	Speaking
)

func (s State) String() string {
	if s == Speaking {
		return "speaking"
	}
	return "silent"
}

// Detector is an amplitude-threshold endpoint detector. A frame whose mean
// absolute amplitude reaches the threshold marks speech; once speaking, quiet
// frames accumulate until the silence duration is reached and UtteranceEnd is
// emitted exactly once.
type Detector struct {
	threshold       float64
	silenceDuration time.Duration
	sampleRate      int

	// quiet time is tracked in samples to keep the boundary exact
	quietSamples  int
	silenceLimit  int64 // silenceDuration expressed in sample-milliseconds
	state         State
	lastAmplitude float64

	// Statistics
	totalFrames   uint64
	speechFrames  uint64
	utterances    uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// DetectorStats represents endpoint detector statistics
type DetectorStats struct {
	State           string    `json:"state"`
	Threshold       float64   `json:"threshold"`
	SilenceDuration string    `json:"silence_duration"`
	TotalFrames     uint64    `json:"total_frames"`
	SpeechFrames    uint64    `json:"speech_frames"`
	VoicePercentage float64   `json:"voice_percentage"`
	Utterances      uint64    `json:"utterances"`
	LastAmplitude   float64   `json:"last_amplitude"`
	QuietMs         int       `json:"quiet_ms"`
	LastProcessed   time.Time `json:"last_processed"`
}

// NewDetector creates a new endpoint detector
func NewDetector(threshold float64, silenceDuration time.Duration, sampleRate int) (*Detector, error) {
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1 (exclusive), got %f", threshold)
	}

	if silenceDuration <= 0 {
		return nil, fmt.Errorf("silence duration must be positive, got %v", silenceDuration)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Detector{
		threshold:       threshold,
		silenceDuration: silenceDuration,
		sampleRate:      sampleRate,
		silenceLimit:    silenceDuration.Milliseconds() * int64(sampleRate),
	}, nil
}

// Observe updates the detector with one frame and reports whether the
// current utterance has ended. Empty frames are keep-alives and change nothing.
func (d *Detector) Observe(frame []int16) Signal {
	if len(frame) == 0 {
		return Continue
	}

	amplitude := audio.MeanAbsAmplitude(frame)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalFrames++
	d.lastAmplitude = amplitude
	d.lastProcessed = time.Now()

	if amplitude >= d.threshold {
		d.speechFrames++
		d.state = Speaking
		d.quietSamples = 0
		return Continue
	}

	if d.state != Speaking {
		return Continue
	}

	d.quietSamples += len(frame)
	if int64(d.quietSamples)*1000 >= d.silenceLimit {
		d.state = Silent
		d.quietSamples = 0
		d.utterances++
		return UtteranceEnd
	}
	return Continue
}

// Speaking reports whether the detector is inside an utterance.
func (d *Detector) Speaking() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state == Speaking
}

// State returns the current endpoint state.
func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// LastAmplitude returns the normalised amplitude of the last observed frame.
func (d *Detector) LastAmplitude() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastAmplitude
}

// Reset returns the detector to SILENT with an empty quiet accumulator.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = Silent
	d.quietSamples = 0
	d.lastAmplitude = 0
}

// GetStats returns detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var voicePercentage float64
	if d.totalFrames > 0 {
		voicePercentage = float64(d.speechFrames) / float64(d.totalFrames) * 100
	}

	return DetectorStats{
		State:           d.state.String(),
		Threshold:       d.threshold,
		SilenceDuration: d.silenceDuration.String(),
		TotalFrames:     d.totalFrames,
		SpeechFrames:    d.speechFrames,
		VoicePercentage: voicePercentage,
		Utterances:      d.utterances,
		LastAmplitude:   d.lastAmplitude,
		QuietMs:         d.quietSamples * 1000 / d.sampleRate,
		LastProcessed:   d.lastProcessed,
	}
}

// GetThreshold returns the amplitude threshold
func (d *Detector) GetThreshold() float64 {
	return d.threshold
}
