package transcription

import (
	"fmt"

	"github.com/skypro1111/voice-session-service/internal/config"
)

// NewEngine builds the engine selected by cfg.Mode.
func NewEngine(cfg config.TranscriptionConfig) (Engine, error) {
	switch cfg.Mode {
	case "http":
		return NewClient(Config{
			Endpoint:      cfg.Endpoint,
			APIKey:        cfg.APIKey,
			Timeout:       cfg.GetTimeoutDuration(),
			MaxRetries:    cfg.MaxRetries,
			MaxConcurrent: cfg.MaxConcurrent,
			Language:      cfg.Language,
			Model:         cfg.Model,
		})
	case "exec":
		return NewExecEngine(cfg.Command, cfg.Model, cfg.Language)
	case "mock":
		return NewMock(cfg.MockText), nil
	default:
		return nil, fmt.Errorf("unknown transcription mode %q", cfg.Mode)
	}
}
