// Package stream implements the primary conversation binding: a persistent
// bidirectional WebSocket channel carrying JSON envelopes.
//
// Establishment runs a fixed handshake bounded by the connect timeout:
// dial, send auth, await authenticated, send start_session, await
// session_started. After that the session is live and server messages are
// mapped onto the uniform transport.Event stream.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/verbano-app/verbano/pkg/transport"
)

// Option is a functional option for Dial.
type Option func(*Session)

// WithLogger sets the logger used for protocol noise (unknown message types,
// read loop exits). Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// Session is a live primary-binding session. It implements transport.Session.
type Session struct {
	conn     *websocket.Conn
	id       string
	greeting string
	log      *slog.Logger

	events chan transport.Event

	writeMu sync.Mutex

	once   sync.Once
	cancel context.CancelFunc
}

var _ transport.Session = (*Session)(nil)

// Dial connects to cfg.StreamURL and runs the establishment handshake. The
// whole sequence is bounded by cfg.Timeout(); on expiry the returned error
// wraps transport.ErrEstablishTimeout.
func Dial(ctx context.Context, cfg transport.Config, params transport.SessionParams, opts ...Option) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, cfg.StreamURL, nil)
	if err != nil {
		return nil, establishErr("dial", err)
	}

	s := &Session{
		conn:   conn,
		log:    slog.Default(),
		events: make(chan transport.Event, 64),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.handshake(dialCtx, cfg, params); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}

	// The read loop outlives the dial context; it is stopped by Close.
	loopCtx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = loopCancel
	go s.readLoop(loopCtx)

	return s, nil
}

// handshake performs auth and session start on the freshly dialed connection.
func (s *Session) handshake(ctx context.Context, cfg transport.Config, params transport.SessionParams) error {
	if err := s.write(ctx, transport.MsgAuth, transport.AuthPayload{Token: cfg.Token}); err != nil {
		return establishErr("send auth", err)
	}

	env, err := s.read(ctx)
	if err != nil {
		return establishErr("await authenticated", err)
	}
	if env.Type == transport.MsgError {
		return fmt.Errorf("stream: authentication rejected: %s", errorMessage(env))
	}
	if env.Type != transport.MsgAuthenticated {
		return fmt.Errorf("stream: expected %s, got %s", transport.MsgAuthenticated, env.Type)
	}

	start := transport.StartSessionPayload{
		ScenarioType:    params.ScenarioType,
		DifficultyLevel: params.DifficultyLevel,
		Language:        params.Language,
	}
	if err := s.write(ctx, transport.MsgStartSession, start); err != nil {
		return establishErr("send start_session", err)
	}

	env, err = s.read(ctx)
	if err != nil {
		return establishErr("await session_started", err)
	}
	if env.Type == transport.MsgError {
		return fmt.Errorf("stream: session start rejected: %s", errorMessage(env))
	}
	if env.Type != transport.MsgSessionStarted {
		return fmt.Errorf("stream: expected %s, got %s", transport.MsgSessionStarted, env.Type)
	}

	var started transport.SessionStartedPayload
	if err := json.Unmarshal(env.Payload, &started); err != nil {
		return fmt.Errorf("stream: decode session_started: %w", err)
	}
	s.id = started.SessionID
	s.greeting = started.Greeting
	return nil
}

// establishErr wraps handshake failures, promoting deadline expiry to the
// transport's timeout sentinel so the dialer can trigger fallback.
func establishErr(step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("stream: %s: %w", step, transport.ErrEstablishTimeout)
	}
	return fmt.Errorf("stream: %s: %w", step, err)
}

func errorMessage(env transport.Envelope) string {
	var p transport.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Message == "" {
		return "unspecified error"
	}
	return p.Message
}

// SessionID implements transport.Session.
func (s *Session) SessionID() string { return s.id }

// Greeting implements transport.Session.
func (s *Session) Greeting() string { return s.greeting }

// SendTranscript implements transport.Session.
func (s *Session) SendTranscript(ctx context.Context, text string) error {
	return s.write(ctx, transport.MsgSpeech, transport.SpeechPayload{Transcript: text})
}

// SendSpeechStart implements transport.Session.
func (s *Session) SendSpeechStart(ctx context.Context) error {
	return s.write(ctx, transport.MsgSpeechStart, nil)
}

// SendInterrupt implements transport.Session.
func (s *Session) SendInterrupt(ctx context.Context) error {
	return s.write(ctx, transport.MsgInterrupt, nil)
}

// End implements transport.Session. The server answers with session_ended,
// delivered on Events.
func (s *Session) End(ctx context.Context, reason string) error {
	return s.write(ctx, transport.MsgEndSession, transport.EndSessionPayload{EndReason: reason})
}

// Events implements transport.Session.
func (s *Session) Events() <-chan transport.Event { return s.events }

// Close implements transport.Session.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
	return nil
}

// write marshals and sends one envelope. Writes are serialized so concurrent
// callers never interleave frames.
func (s *Session) write(ctx context.Context, msgType string, payload any) error {
	env, err := transport.NewEnvelope(msgType, payload)
	if err != nil {
		return fmt.Errorf("stream: marshal %s: %w", msgType, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("stream: marshal %s: %w", msgType, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("stream: send %s: %w", msgType, err)
	}
	return nil
}

// read receives one envelope. Only used during the handshake; afterwards the
// read loop owns the connection's read side.
func (s *Session) read(ctx context.Context) (transport.Envelope, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return transport.Envelope{}, err
	}
	var env transport.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return transport.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// readLoop maps server envelopes onto the event stream until the connection
// closes. The events channel is closed on exit.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				// Client-initiated close; not an error.
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.emit(ctx, transport.Event{Type: transport.EventError, Err: fmt.Errorf("stream: read: %w", err)})
				}
			}
			return
		}

		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Debug("discarding malformed envelope", "error", err)
			continue
		}

		ev, ok := s.mapEnvelope(env)
		if !ok {
			continue
		}
		s.emit(ctx, ev)
		if ev.Type == transport.EventSessionEnded {
			return
		}
	}
}

// mapEnvelope translates one server message into a transport.Event. Unknown
// types are logged at debug and skipped.
func (s *Session) mapEnvelope(env transport.Envelope) (transport.Event, bool) {
	switch env.Type {
	case transport.MsgAIStarting:
		return transport.Event{Type: transport.EventAgentStarting}, true

	case transport.MsgAIResponse:
		var p transport.AIResponsePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Debug("discarding malformed ai_response", "error", err)
			return transport.Event{}, false
		}
		return transport.Event{Type: transport.EventAgentText, Text: p.Text}, true

	case transport.MsgAudioChunk:
		var p transport.AudioChunkPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Debug("discarding malformed audio_chunk", "error", err)
			return transport.Event{}, false
		}
		return transport.Event{
			Type:  transport.EventAudioSegment,
			Audio: &transport.AudioSegment{Payload: p.AudioPayload, Final: p.IsFinal},
		}, true

	case transport.MsgAudioComplete:
		return transport.Event{Type: transport.EventAudioComplete}, true

	case transport.MsgListening:
		return transport.Event{Type: transport.EventListening}, true

	case transport.MsgProcessing:
		return transport.Event{Type: transport.EventProcessing}, true

	case transport.MsgPlaybackInterrupted:
		return transport.Event{Type: transport.EventPlaybackInterrupted}, true

	case transport.MsgSessionEnded:
		var p transport.SessionEndedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Debug("discarding malformed session_ended", "error", err)
			return transport.Event{Type: transport.EventSessionEnded, Summary: &transport.Summary{}}, true
		}
		return transport.Event{
			Type: transport.EventSessionEnded,
			Summary: &transport.Summary{
				Text:            p.Summary,
				TotalMessages:   p.TotalMessages,
				DurationSeconds: p.DurationSeconds,
			},
		}, true

	case transport.MsgError:
		return transport.Event{
			Type: transport.EventError,
			Err:  fmt.Errorf("stream: server error: %s", errorMessage(env)),
		}, true

	default:
		s.log.Debug("skipping unknown message type", "type", env.Type)
		return transport.Event{}, false
	}
}

// emit delivers an event unless the session is shutting down.
func (s *Session) emit(ctx context.Context, ev transport.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
