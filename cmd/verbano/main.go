// Command verbano runs one spoken practice call from the terminal: raw PCM
// from stdin is the microphone, raw PCM on stdout is the speaker. Pipe it
// from and to sox/ffmpeg, or at a real audio daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verbano-app/verbano/internal/call"
	"github.com/verbano-app/verbano/internal/config"
	"github.com/verbano-app/verbano/internal/observe"
	"github.com/verbano-app/verbano/pkg/audio"
	"github.com/verbano-app/verbano/pkg/audio/activity"
	"github.com/verbano-app/verbano/pkg/audio/pipe"
	"github.com/verbano-app/verbano/pkg/provider/stt"
	"github.com/verbano-app/verbano/pkg/provider/stt/deepgram"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	scenario := flag.String("scenario", "", "conversation scenario (overrides the config)")
	difficulty := flag.String("difficulty", "", "difficulty level (overrides the config)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "verbano: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "verbano: %v\n", err)
		}
		return 1
	}
	if *scenario != "" {
		cfg.Call.ScenarioType = *scenario
	}
	if *difficulty != "" {
		cfg.Call.DifficultyLevel = *difficulty
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(cfg.Server.LogLevel.SlogLevel()),
	}))
	slog.SetDefault(logger)

	slog.Info("verbano starting",
		"config", *configPath,
		"scenario", cfg.Call.ScenarioType,
		"difficulty", cfg.Call.DifficultyLevel,
		"language", cfg.Call.Language,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Init("verbano", "")
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	if addr := cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			slog.Info("metrics endpoint listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Warn("metrics endpoint failed", "err", err)
			}
		}()
	}

	// ── Recognizer ────────────────────────────────────────────────────────────
	recognizer, err := buildRecognizer(cfg)
	if err != nil {
		slog.Error("failed to create recognizer", "err", err)
		return 1
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	platform := &pipe.Platform{Reader: os.Stdin}
	sink := &pipe.Sink{W: os.Stdout}

	engine := call.NewEngine(platform, sink, recognizer, call.Config{
		Transport: cfg.Transport.ToTransport(),
		Recognizer: stt.StreamConfig{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   1,
			Language:   cfg.Call.Language,
		},
		Detector: activity.Config{
			SpeechThreshold:   cfg.Audio.SpeechThreshold,
			SilenceDuration:   cfg.Audio.SilenceDuration.Std(),
			MinSpeechDuration: cfg.Audio.MinSpeechDuration.Std(),
			Capture: audio.CaptureConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    1,
				FrameSizeMs: cfg.Audio.FrameSizeMs,
			},
		},
		Language: cfg.Call.Language,
	}, call.WithMetrics(tel.Metrics), call.WithLogger(logger))

	// ── Run one call ──────────────────────────────────────────────────────────
	if err := engine.StartCall(ctx, cfg.Call.ScenarioType, cfg.Call.DifficultyLevel); err != nil {
		switch {
		case errors.Is(err, audio.ErrPermissionDenied):
			slog.Error("microphone permission denied")
		case errors.Is(err, audio.ErrDeviceUnavailable):
			slog.Error("no audio input available; pipe PCM into stdin")
		default:
			slog.Error("failed to start the call", "err", err)
		}
		return 1
	}

	go func() {
		for n := range engine.Notices() {
			slog.Warn("call notice", "text", n.Text, "err", n.Err)
		}
	}()
	go printLive(engine)

	slog.Info("call active, press Ctrl+C to hang up", "session_id", engine.Session().ID)

	select {
	case <-ctx.Done():
		slog.Info("hanging up…")
		endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.EndCall(endCtx); err != nil {
			slog.Warn("end call failed", "err", err)
		}
		select {
		case <-engine.Done():
		case <-time.After(10 * time.Second):
			slog.Warn("teardown timed out")
		}
	case <-engine.Done():
	}

	printTranscript(engine)
	slog.Info("goodbye")
	return 0
}

// buildRecognizer constructs the configured STT provider.
func buildRecognizer(cfg *config.Config) (stt.Provider, error) {
	switch cfg.Recognizer.Name {
	case "deepgram", "":
		var opts []deepgram.Option
		if cfg.Recognizer.Model != "" {
			opts = append(opts, deepgram.WithModel(cfg.Recognizer.Model))
		}
		if cfg.Recognizer.Language != "" {
			opts = append(opts, deepgram.WithLanguage(cfg.Recognizer.Language))
		}
		if cfg.Audio.SampleRate > 0 {
			opts = append(opts, deepgram.WithSampleRate(cfg.Audio.SampleRate))
		}
		if d := cfg.Recognizer.Endpointing.Std(); d > 0 {
			opts = append(opts, deepgram.WithEndpointing(d))
		}
		return deepgram.New(cfg.Recognizer.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown recognizer %q", cfg.Recognizer.Name)
	}
}

// printLive tails the conversation log to stderr while the call runs, where
// it does not collide with the stdout audio stream.
func printLive(engine *call.Engine) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	printed := 0
	for {
		select {
		case <-engine.Done():
			return
		case <-ticker.C:
			msgs := engine.Messages()
			for ; printed < len(msgs); printed++ {
				printMessage(msgs[printed])
			}
		}
	}
}

func printMessage(m call.TurnMessage) {
	speaker := "you"
	if m.Role == call.RoleAgent {
		speaker = "tutor"
	}
	fmt.Fprintf(os.Stderr, "  %s [%s]: %s\n", m.CreatedAt.Format("15:04:05"), speaker, m.Text)
}

// printTranscript writes the finished conversation once the call has ended.
func printTranscript(engine *call.Engine) {
	msgs := engine.Messages()
	if len(msgs) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "─── conversation ───")
	for _, m := range msgs {
		printMessage(m)
	}
	fmt.Fprintf(os.Stderr, "─── %d messages in %s ───\n", len(msgs), engine.Elapsed().Round(time.Second))
}
