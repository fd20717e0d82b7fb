package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Event types sent from server to client
const (
	TypeStatus       = "status"
	TypeTranscript   = "transcript"
	TypeToken        = "token"
	TypeLatencyStats = "latency_stats"
	TypeError        = "error"
)

// Status messages
const (
	StatusIdle       = "idle"
	StatusListening  = "listening"
	StatusProcessing = "processing"
	StatusResponding = "responding"
)

// SampleRateParam is the handshake query parameter carrying the client rate.
const SampleRateParam = "sample_rate"

// Event is one outbound JSON message. Only the fields belonging to Type are
// serialised.
type Event struct {
	Type    string
	Message string  // status, error
	Text    string  // transcript, token
	Latency float64 // transcript: ASR latency in ms
	ASR     float64 // latency_stats
	TTFT    float64 // latency_stats
}

// Status creates a status event
func Status(message string) Event {
	return Event{Type: TypeStatus, Message: message}
}

// Transcript creates a transcript event; latencyMs is the ASR latency.
func Transcript(text string, latencyMs float64) Event {
	return Event{Type: TypeTranscript, Text: text, Latency: latencyMs}
}

// Token creates a token event
func Token(text string) Event {
	return Event{Type: TypeToken, Text: text}
}

// LatencyStats creates a per-utterance latency event
func LatencyStats(asrMs, ttftMs float64) Event {
	return Event{Type: TypeLatencyStats, ASR: asrMs, TTFT: ttftMs}
}

// Error creates an error event
func Error(message string) Event {
	return Event{Type: TypeError, Message: message}
}

type statusWire struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type textWire struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type transcriptWire struct {
	Type    string  `json:"type"`
	Text    string  `json:"text"`
	Latency float64 `json:"latency"`
}

type latencyWire struct {
	Type string  `json:"type"`
	ASR  float64 `json:"asr"`
	TTFT float64 `json:"ttft"`
}

// roundMs keeps latency values readable on the wire (0.01ms resolution).
func roundMs(v float64) float64 {
	return math.Round(v*100) / 100
}

// MarshalJSON encodes the event in its wire shape
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeStatus, TypeError:
		return json.Marshal(statusWire{Type: e.Type, Message: e.Message})
	case TypeToken:
		return json.Marshal(textWire{Type: e.Type, Text: e.Text})
	case TypeTranscript:
		return json.Marshal(transcriptWire{Type: e.Type, Text: e.Text, Latency: roundMs(e.Latency)})
	case TypeLatencyStats:
		return json.Marshal(latencyWire{Type: e.Type, ASR: roundMs(e.ASR), TTFT: roundMs(e.TTFT)})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

type anyWire struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Text    string   `json:"text"`
	Latency *float64 `json:"latency"`
	ASR     *float64 `json:"asr"`
	TTFT    *float64 `json:"ttft"`
}

// UnmarshalJSON decodes any wire event, rejecting unknown types and
// missing required fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w anyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Event{Type: w.Type, Message: w.Message, Text: w.Text}
	switch w.Type {
	case TypeStatus, TypeError, TypeToken:
	case TypeTranscript:
		if w.Latency == nil {
			return fmt.Errorf("transcript event missing latency")
		}
		out.Latency = *w.Latency
	case TypeLatencyStats:
		if w.ASR == nil || w.TTFT == nil {
			return fmt.Errorf("latency_stats event missing asr or ttft")
		}
		out.ASR, out.TTFT = *w.ASR, *w.TTFT
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	*e = out
	return nil
}

// ParseEvent decodes one text frame received from the server
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("invalid event: %w", err)
	}
	return e, nil
}

// ParseSampleRate reads the handshake sample rate. An empty value means the
// client did not declare one and defaultRate applies.
func ParseSampleRate(raw string, defaultRate int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultRate, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("invalid %s %q", SampleRateParam, raw)
	}
	return rate, nil
}
