// Package dial selects a conversation binding: it probes the primary
// WebSocket channel within the connect timeout and falls back to the
// synchronous HTTP binding when the channel cannot be established. Falling
// back is not an error; it is reported through the returned Binding so the
// caller can count it.
package dial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/verbano-app/verbano/pkg/transport"
	"github.com/verbano-app/verbano/pkg/transport/fallback"
	"github.com/verbano-app/verbano/pkg/transport/stream"
)

// Binding identifies which wire binding a session ended up on.
type Binding int

const (
	// BindingStream is the persistent WebSocket channel.
	BindingStream Binding = iota
	// BindingFallback is the synchronous HTTP binding.
	BindingFallback
)

// String returns a readable name for logging and metric labels.
func (b Binding) String() string {
	switch b {
	case BindingStream:
		return "stream"
	case BindingFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Func matches Connect's signature so the call engine can take session
// dialing as an injected dependency.
type Func func(ctx context.Context, cfg transport.Config, params transport.SessionParams) (transport.Session, Binding, error)

// Connect establishes a conversation session. The primary binding is tried
// first, bounded by cfg.Timeout(); any establishment failure, timeout
// included, selects the fallback binding. Only when both bindings fail does
// Connect return an error, joining both causes.
func Connect(ctx context.Context, cfg transport.Config, params transport.SessionParams) (transport.Session, Binding, error) {
	log := slog.Default()

	sess, streamErr := stream.Dial(ctx, cfg, params)
	if streamErr == nil {
		return sess, BindingStream, nil
	}

	if errors.Is(streamErr, transport.ErrEstablishTimeout) {
		log.Info("primary binding timed out, falling back", "timeout", cfg.Timeout())
	} else {
		log.Info("primary binding failed, falling back", "error", streamErr)
	}

	fb, fbErr := fallback.Start(ctx, cfg, params)
	if fbErr == nil {
		return fb, BindingFallback, nil
	}

	return nil, 0, fmt.Errorf("dial: both bindings failed: %w", errors.Join(streamErr, fbErr))
}
