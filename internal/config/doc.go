// Package config provides configuration loading and validation for the voice session service.
// It handles YAML-based configuration layered over built-in defaults, with VOICE_*
// environment overrides and per-section validation.
package config
