package session

import "fmt"

// State is the lifecycle state of a session.
type State int

const (
	StateConnecting State = iota
	StateIdle
	StateListening
	StatePendingTranscription
	StateResponding
	StateError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StatePendingTranscription:
		return "PENDING_TRANSCRIPTION"
	case StateResponding:
		return "RESPONDING"
	case StateError:
		return "ERROR"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reason records why an utterance boundary happened.
type Reason string

const (
	// ReasonSilence is an endpoint-detector boundary.
	ReasonSilence Reason = "silence"
	// ReasonMaxDuration is the synthetic boundary forced by the buffer cap.
	ReasonMaxDuration Reason = "max_duration"
)
