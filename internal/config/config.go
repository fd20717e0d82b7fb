package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RequiredSampleRate is the only sample rate accepted on the audio websocket.
const RequiredSampleRate = 16000

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Response      ResponseConfig      `yaml:"response"`
	Bus           BusConfig           `yaml:"bus"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains websocket server configuration
type ServerConfig struct {
	BindAddress           string     `yaml:"bind_address"`
	Port                  int        `yaml:"port"`
	WSPath                string     `yaml:"ws_path"`
	MaxConcurrentSessions int        `yaml:"max_concurrent_sessions"`
	SessionTimeout        int        `yaml:"session_timeout"` // seconds
	PingIntervalMs        int        `yaml:"ping_interval_ms"`
	WriteTimeoutMs        int        `yaml:"write_timeout_ms"`
	MaxMessageBytes       int64      `yaml:"max_message_bytes"`
	AllowedOrigins        []string   `yaml:"allowed_origins"`
	MDNS                  MDNSConfig `yaml:"mdns"`
}

// MDNSConfig controls service advertisement on the local network
type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Service  string `yaml:"service"`
	Instance string `yaml:"instance"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio framing parameters
type AudioConfig struct {
	SampleRate             int `yaml:"sample_rate"`
	FrameSampleCount       int `yaml:"frame_sample_count"`
	MaxUtteranceDurationMs int `yaml:"max_utterance_duration_ms"`
}

// VADConfig contains endpoint detection configuration
type VADConfig struct {
	EndpointThreshold float64 `yaml:"endpoint_threshold"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
	DebugEveryFrames  int     `yaml:"debug_every_frames"`
}

// TranscriptionConfig contains speech-to-text engine configuration
type TranscriptionConfig struct {
	Mode          string `yaml:"mode"` // http, exec or mock
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Language      string `yaml:"language"`
	Model         string `yaml:"model"`
	Command       string `yaml:"command"`
	MockText      string `yaml:"mock_text"`
}

// ResponseConfig selects and tunes the reply generator
type ResponseConfig struct {
	Mode            string  `yaml:"mode"` // keyword or ollama
	TokenIntervalMs int     `yaml:"token_interval_ms"`
	Endpoint        string  `yaml:"endpoint"`
	Model           string  `yaml:"model"`
	SystemPrompt    string  `yaml:"system_prompt"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`
	Timeout         int     `yaml:"timeout"` // seconds
}

// BusConfig configures the optional NATS publisher for utterance records
type BusConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Servers       string `yaml:"servers"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Token         string `yaml:"token"`
	SubjectPrefix string `yaml:"subject_prefix"`
	ConnectMs     int    `yaml:"connect_timeout_ms"`
}

// TelemetryConfig configures tracing export
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Stdout       bool   `yaml:"stdout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration populated with the service defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			BindAddress:           "0.0.0.0",
			Port:                  8000,
			WSPath:                "/ws/audio",
			MaxConcurrentSessions: 100,
			SessionTimeout:        120,
			PingIntervalMs:        30000,
			WriteTimeoutMs:        10000,
			MaxMessageBytes:       1 << 20,
			MDNS: MDNSConfig{
				Service:  "_voicesession._tcp",
				Instance: "voice-session-service",
			},
		},
		HTTP: HTTPConfig{
			Port:    8001,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:             RequiredSampleRate,
			FrameSampleCount:       4096,
			MaxUtteranceDurationMs: 30000,
		},
		VAD: VADConfig{
			EndpointThreshold: 0.01,
			SilenceDurationMs: 1500,
			DebugEveryFrames:  10,
		},
		Transcription: TranscriptionConfig{
			Mode:          "mock",
			Timeout:       30,
			MaxRetries:    2,
			MaxConcurrent: 4,
			Language:      "en",
			Model:         "base",
			MockText:      "hello",
		},
		Response: ResponseConfig{
			Mode:            "keyword",
			TokenIntervalMs: 50,
			Endpoint:        "http://localhost:11434",
			Model:           "llama3.2",
			SystemPrompt:    "You are a concise voice assistant. Answer in one or two short sentences.",
			MaxTokens:       128,
			Temperature:     0.7,
			Timeout:         30,
		},
		Bus: BusConfig{
			Servers:       "nats://localhost:4222",
			SubjectPrefix: "voice.session",
			ConnectMs:     2000,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "voice-session-service",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file on top of the defaults, applies
// VOICE_* environment overrides and validates the result. An empty path
// loads defaults only.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(c *Config) error {
	overrideString("VOICE_BIND_ADDRESS", &c.Server.BindAddress)
	if err := overrideInt("VOICE_PORT", &c.Server.Port); err != nil {
		return err
	}
	if err := overrideInt("VOICE_HTTP_PORT", &c.HTTP.Port); err != nil {
		return err
	}
	if err := overrideFloat("VOICE_ENDPOINT_THRESHOLD", &c.VAD.EndpointThreshold); err != nil {
		return err
	}
	if err := overrideInt("VOICE_SILENCE_DURATION_MS", &c.VAD.SilenceDurationMs); err != nil {
		return err
	}
	overrideString("VOICE_TRANSCRIPTION_MODE", &c.Transcription.Mode)
	overrideString("VOICE_TRANSCRIPTION_ENDPOINT", &c.Transcription.Endpoint)
	overrideString("VOICE_TRANSCRIPTION_API_KEY", &c.Transcription.APIKey)
	overrideString("VOICE_TRANSCRIPTION_COMMAND", &c.Transcription.Command)
	overrideString("VOICE_RESPONSE_MODE", &c.Response.Mode)
	overrideString("VOICE_RESPONSE_ENDPOINT", &c.Response.Endpoint)
	overrideString("VOICE_RESPONSE_MODEL", &c.Response.Model)
	if err := overrideBool("VOICE_BUS_ENABLED", &c.Bus.Enabled); err != nil {
		return err
	}
	overrideString("VOICE_BUS_SERVERS", &c.Bus.Servers)
	overrideString("VOICE_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	if err := overrideBool("VOICE_MDNS_ENABLED", &c.Server.MDNS.Enabled); err != nil {
		return err
	}
	overrideString("VOICE_LOG_LEVEL", &c.Logging.Level)
	return nil
}

func overrideString(key string, target *string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*target = strings.TrimSpace(v)
	}
}

func overrideInt(key string, target *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = parsed
	return nil
}

func overrideFloat(key string, target *float64) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = parsed
	return nil
}

func overrideBool(key string, target *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = parsed
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Response.Validate(); err != nil {
		return fmt.Errorf("response config: %w", err)
	}

	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if !strings.HasPrefix(s.WSPath, "/") {
		return fmt.Errorf("ws_path must start with '/', got '%s'", s.WSPath)
	}

	if s.MaxConcurrentSessions < 1 {
		return fmt.Errorf("max_concurrent_sessions must be at least 1, got %d", s.MaxConcurrentSessions)
	}

	if s.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %d", s.SessionTimeout)
	}

	if s.PingIntervalMs < 100 {
		return fmt.Errorf("ping_interval_ms must be at least 100, got %d", s.PingIntervalMs)
	}

	if s.WriteTimeoutMs < 100 {
		return fmt.Errorf("write_timeout_ms must be at least 100, got %d", s.WriteTimeoutMs)
	}

	if s.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", s.MaxMessageBytes)
	}

	if s.MDNS.Enabled && s.MDNS.Service == "" {
		return fmt.Errorf("mdns.service cannot be empty when mDNS is enabled")
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != RequiredSampleRate {
		return fmt.Errorf("sample_rate must be %d Hz, got %d", RequiredSampleRate, a.SampleRate)
	}

	if a.FrameSampleCount < 1 {
		return fmt.Errorf("frame_sample_count must be positive, got %d", a.FrameSampleCount)
	}

	if a.MaxUtteranceDurationMs < 1000 {
		return fmt.Errorf("max_utterance_duration_ms must be at least 1000, got %d", a.MaxUtteranceDurationMs)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.EndpointThreshold <= 0 || v.EndpointThreshold >= 1 {
		return fmt.Errorf("endpoint_threshold must be between 0 and 1 (exclusive), got %f", v.EndpointThreshold)
	}

	if v.SilenceDurationMs < 1 {
		return fmt.Errorf("silence_duration_ms must be positive, got %d", v.SilenceDurationMs)
	}

	if v.DebugEveryFrames < 0 {
		return fmt.Errorf("debug_every_frames cannot be negative, got %d", v.DebugEveryFrames)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Mode {
	case "http":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty in http mode")
		}
		if t.MaxConcurrent < 1 {
			return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
		}
	case "exec":
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("command cannot be empty in exec mode")
		}
	case "mock":
	default:
		return fmt.Errorf("mode must be one of [http, exec, mock], got '%s'", t.Mode)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	return nil
}

// Validate validates response configuration
func (r *ResponseConfig) Validate() error {
	switch r.Mode {
	case "keyword":
	case "ollama":
		if r.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty in ollama mode")
		}
		if r.Model == "" {
			return fmt.Errorf("model cannot be empty in ollama mode")
		}
	default:
		return fmt.Errorf("mode must be one of [keyword, ollama], got '%s'", r.Mode)
	}

	if r.TokenIntervalMs < 0 {
		return fmt.Errorf("token_interval_ms cannot be negative, got %d", r.TokenIntervalMs)
	}

	if r.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", r.Timeout)
	}

	return nil
}

// Validate validates bus configuration
func (b *BusConfig) Validate() error {
	if !b.Enabled {
		return nil
	}

	if b.Servers == "" {
		return fmt.Errorf("servers cannot be empty when the bus is enabled")
	}

	if b.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix cannot be empty when the bus is enabled")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'console', got '%s'", l.Format)
	}

	return nil
}

// GetSessionTimeoutDuration returns the idle session timeout as a time.Duration
func (s *ServerConfig) GetSessionTimeoutDuration() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// GetPingInterval returns the websocket ping interval
func (s *ServerConfig) GetPingInterval() time.Duration {
	return time.Duration(s.PingIntervalMs) * time.Millisecond
}

// GetWriteTimeout returns the websocket write deadline
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

// MaxUtteranceSamples returns the utterance buffer cap in samples
func (a *AudioConfig) MaxUtteranceSamples() int {
	return a.MaxUtteranceDurationMs * a.SampleRate / 1000
}

// GetSilenceDuration returns the end-of-utterance silence as a time.Duration
func (v *VADConfig) GetSilenceDuration() time.Duration {
	return time.Duration(v.SilenceDurationMs) * time.Millisecond
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTokenInterval returns the delay between keyword responder tokens
func (r *ResponseConfig) GetTokenInterval() time.Duration {
	return time.Duration(r.TokenIntervalMs) * time.Millisecond
}

// GetTimeoutDuration returns the response generation timeout
func (r *ResponseConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetConnectTimeout returns the NATS connect timeout
func (b *BusConfig) GetConnectTimeout() time.Duration {
	return time.Duration(b.ConnectMs) * time.Millisecond
}
