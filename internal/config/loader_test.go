package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  log_level: debug
  metrics_addr: ":9090"
transport:
  stream_url: wss://api.example.com/conversation
  fallback_url: https://api.example.com/conversation
  token: secret
  connect_timeout: 3s
recognizer:
  name: deepgram
  api_key: dg-key
  model: nova-3
  language: es
  endpointing: 400ms
audio:
  sample_rate: 16000
  silence_duration: 700ms
call:
  scenario_type: restaurant
  difficulty_level: beginner
  language: es
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Transport.ConnectTimeout.Std() != 3*time.Second {
		t.Errorf("connect_timeout = %v", cfg.Transport.ConnectTimeout)
	}
	if cfg.Recognizer.Endpointing.Std() != 400*time.Millisecond {
		t.Errorf("endpointing = %v", cfg.Recognizer.Endpointing)
	}
	if cfg.Audio.SilenceDuration.Std() != 700*time.Millisecond {
		t.Errorf("silence_duration = %v", cfg.Audio.SilenceDuration)
	}
	if cfg.Call.ScenarioType != "restaurant" {
		t.Errorf("scenario_type = %q", cfg.Call.ScenarioType)
	}
}

func TestLoadFromReader_DefaultsApplied(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(`
transport:
  fallback_url: https://api.example.com/conversation
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("default sample_rate = %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.FrameSizeMs != 20 {
		t.Errorf("default frame_size_ms = %d", cfg.Audio.FrameSizeMs)
	}
	if cfg.Audio.SpeechThreshold != 8 {
		t.Errorf("default speech_threshold = %v", cfg.Audio.SpeechThreshold)
	}
	if cfg.Audio.SilenceDuration.Std() != 600*time.Millisecond {
		t.Errorf("default silence_duration = %v", cfg.Audio.SilenceDuration)
	}
	if cfg.Audio.MinSpeechDuration.Std() != 200*time.Millisecond {
		t.Errorf("default min_speech_duration = %v", cfg.Audio.MinSpeechDuration)
	}
	if cfg.Transport.ConnectTimeout.Std() != 5*time.Second {
		t.Errorf("default connect_timeout = %v", cfg.Transport.ConnectTimeout)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
transport:
  fallback_url: https://api.example.com
  websocket_url: wss://typo.example.com
`))
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Server:     ServerConfig{LogLevel: "loud"},
		Recognizer: RecognizerConfig{Name: "deepgram"}, // missing api_key
		Audio:      AudioConfig{SampleRate: -1},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	for _, want := range []string{
		"server.log_level",
		"stream_url and fallback_url",
		"recognizer.api_key",
		"audio.sample_rate",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestDuration_BadValueRejected(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
transport:
  fallback_url: https://api.example.com
  connect_timeout: "very long"
`))
	if err == nil {
		t.Fatal("expected invalid duration to be rejected")
	}
}

func TestLoadFromReader_MalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader("transport: ["))
	if err == nil {
		t.Fatal("expected malformed YAML to fail")
	}
}
