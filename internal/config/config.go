// Package config provides the configuration schema and loader for the
// Verbano call engine.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/verbano-app/verbano/pkg/transport"
)

// Duration wraps time.Duration so YAML values can be written as human
// strings ("600ms", "5s"). Bare integers are taken as nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats like time.Duration.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transport  TransportConfig  `yaml:"transport"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Audio      AudioConfig      `yaml:"audio"`
	Call       CallConfig       `yaml:"call"`
}

// ServerConfig holds logging and metrics settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address of the Prometheus metrics endpoint
	// (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// TransportConfig holds the conversation backend endpoints.
type TransportConfig struct {
	// StreamURL is the WebSocket endpoint of the primary binding.
	StreamURL string `yaml:"stream_url"`

	// FallbackURL is the base HTTP endpoint of the fallback binding.
	FallbackURL string `yaml:"fallback_url"`

	// Token authenticates the session.
	Token string `yaml:"token"`

	// ConnectTimeout bounds session establishment. Default: 5s.
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// ToTransport converts the section into the transport layer's config.
func (t TransportConfig) ToTransport() transport.Config {
	return transport.Config{
		StreamURL:      t.StreamURL,
		FallbackURL:    t.FallbackURL,
		Token:          t.Token,
		ConnectTimeout: t.ConnectTimeout.Std(),
	}
}

// RecognizerConfig selects and configures the STT provider.
type RecognizerConfig struct {
	// Name selects the provider implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// Model selects a specific model within the provider (e.g., "nova-3").
	Model string `yaml:"model"`

	// Language is the BCP-47 recognition language (e.g., "es").
	Language string `yaml:"language"`

	// Endpointing is the provider-side utterance endpointing window.
	// Zero disables it, leaving turn boundaries to the local detector.
	Endpointing Duration `yaml:"endpointing"`
}

// AudioConfig tunes capture and the activity detector.
type AudioConfig struct {
	// SampleRate is the capture sample rate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSizeMs is the capture frame size in milliseconds. Default: 20.
	FrameSizeMs int `yaml:"frame_size_ms"`

	// SpeechThreshold is the average bar height above which a frame counts
	// as speech. Default: 8.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceDuration is how long silence must persist after speech before
	// the turn is considered over. Default: 600ms.
	SilenceDuration Duration `yaml:"silence_duration"`

	// MinSpeechDuration is the minimum speech length for a turn to count.
	// Default: 200ms.
	MinSpeechDuration Duration `yaml:"min_speech_duration"`
}

// CallConfig holds the default conversation parameters.
type CallConfig struct {
	// ScenarioType selects the conversation scenario (e.g., "restaurant").
	ScenarioType string `yaml:"scenario_type"`

	// DifficultyLevel selects the difficulty (e.g., "beginner").
	DifficultyLevel string `yaml:"difficulty_level"`

	// Language is the BCP-47 tag of the practice language.
	Language string `yaml:"language"`
}

// SlogLevel maps the configured level onto slog's scale. Unset maps to info.
func (l LogLevel) SlogLevel() int {
	switch l {
	case LogDebug:
		return -4
	case LogWarn:
		return 4
	case LogError:
		return 8
	default:
		return 0
	}
}
