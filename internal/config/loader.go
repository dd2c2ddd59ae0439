package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidRecognizerNames lists the known STT provider names. Used by [Validate]
// to warn about unrecognised names.
var ValidRecognizerNames = []string{"deepgram"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills the zero-valued tuning fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.FrameSizeMs == 0 {
		cfg.Audio.FrameSizeMs = 20
	}
	if cfg.Audio.SpeechThreshold == 0 {
		cfg.Audio.SpeechThreshold = 8
	}
	if cfg.Audio.SilenceDuration == 0 {
		cfg.Audio.SilenceDuration = Duration(600 * time.Millisecond)
	}
	if cfg.Audio.MinSpeechDuration == 0 {
		cfg.Audio.MinSpeechDuration = Duration(200 * time.Millisecond)
	}
	if cfg.Transport.ConnectTimeout == 0 {
		cfg.Transport.ConnectTimeout = Duration(5 * time.Second)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Transport.StreamURL == "" && cfg.Transport.FallbackURL == "" {
		errs = append(errs, errors.New("transport: at least one of stream_url and fallback_url is required"))
	}
	if cfg.Transport.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.connect_timeout %v must not be negative", cfg.Transport.ConnectTimeout))
	}

	if cfg.Recognizer.Name != "" && !slices.Contains(ValidRecognizerNames, cfg.Recognizer.Name) {
		slog.Warn("unknown recognizer name, may be a typo",
			"name", cfg.Recognizer.Name,
			"known", ValidRecognizerNames,
		)
	}
	if cfg.Recognizer.Name != "" && cfg.Recognizer.APIKey == "" {
		errs = append(errs, fmt.Errorf("recognizer.api_key is required when recognizer %q is configured", cfg.Recognizer.Name))
	}
	if cfg.Recognizer.Endpointing < 0 {
		errs = append(errs, fmt.Errorf("recognizer.endpointing %v must not be negative", cfg.Recognizer.Endpointing))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size_ms %d must be positive", cfg.Audio.FrameSizeMs))
	}
	if cfg.Audio.SpeechThreshold < 0 {
		errs = append(errs, fmt.Errorf("audio.speech_threshold %.1f must not be negative", cfg.Audio.SpeechThreshold))
	}
	if cfg.Audio.SilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.silence_duration %v must be positive", cfg.Audio.SilenceDuration))
	}
	if cfg.Audio.MinSpeechDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.min_speech_duration %v must be positive", cfg.Audio.MinSpeechDuration))
	}

	return errors.Join(errs...)
}
