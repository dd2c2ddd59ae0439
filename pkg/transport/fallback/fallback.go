// Package fallback implements the degraded conversation binding: synchronous
// HTTP request/response, one full audio payload per turn.
//
// It is selected when the persistent channel fails to establish. Each reply
// is synthesized into the same event sequence the primary binding produces
// (processing, agent text, one final audio segment, audio complete), so the
// call engine sees a uniform stream regardless of binding. There is no
// server-initiated barge-in acknowledgment; speech_start and interrupt are
// no-ops.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/verbano-app/verbano/pkg/transport"
)

// Option is a functional option for Start.
type Option func(*Session)

// WithHTTPClient overrides the HTTP client. Defaults to http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		s.client = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

type startRequest struct {
	ScenarioType    string `json:"scenarioType"`
	DifficultyLevel string `json:"difficultyLevel,omitempty"`
	Language        string `json:"language,omitempty"`
}

type startResponse struct {
	SessionID     string `json:"sessionId"`
	Greeting      string `json:"greeting"`
	GreetingAudio []byte `json:"greetingAudio,omitempty"`
}

type messageRequest struct {
	Text         string `json:"text"`
	IncludeAudio bool   `json:"includeAudio"`
}

type messageResponse struct {
	AIResponseText string `json:"aiResponseText"`
	AudioPayload   []byte `json:"audioPayload,omitempty"`
}

type endRequest struct {
	EndReason string `json:"endReason,omitempty"`
}

type endResponse struct {
	Summary         string `json:"summary"`
	TotalMessages   int    `json:"totalMessages"`
	DurationSeconds int    `json:"durationSeconds"`
}

// Session is a live fallback-binding session. It implements transport.Session.
type Session struct {
	base     string
	token    string
	id       string
	greeting string
	client   *http.Client
	log      *slog.Logger

	events chan transport.Event

	// turnMu serializes turns so replies never interleave on the event stream.
	turnMu sync.Mutex

	once   sync.Once
	done   chan struct{}
	ending sync.WaitGroup
}

var _ transport.Session = (*Session)(nil)

// Start creates a new session via POST {base}/start. Establishment is bounded
// by cfg.Timeout().
func Start(ctx context.Context, cfg transport.Config, params transport.SessionParams, opts ...Option) (*Session, error) {
	s := &Session{
		base:   strings.TrimRight(cfg.FallbackURL, "/"),
		token:  cfg.Token,
		client: http.DefaultClient,
		log:    slog.Default(),
		events: make(chan transport.Event, 64),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	startCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	var resp startResponse
	req := startRequest{
		ScenarioType:    params.ScenarioType,
		DifficultyLevel: params.DifficultyLevel,
		Language:        params.Language,
	}
	if err := s.post(startCtx, s.base+"/start", req, &resp); err != nil {
		return nil, fmt.Errorf("fallback: start: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("fallback: start reply has no session id")
	}
	s.id = resp.SessionID
	s.greeting = resp.Greeting

	// Greeting audio, when the server provides it, plays like a first turn.
	if len(resp.GreetingAudio) > 0 {
		s.emit(transport.Event{
			Type:  transport.EventAudioSegment,
			Audio: &transport.AudioSegment{Payload: resp.GreetingAudio, Final: true},
		})
		s.emit(transport.Event{Type: transport.EventAudioComplete})
	}

	return s, nil
}

// SessionID implements transport.Session.
func (s *Session) SessionID() string { return s.id }

// Greeting implements transport.Session.
func (s *Session) Greeting() string { return s.greeting }

// SendTranscript implements transport.Session. The round trip runs in the
// background; the reply is synthesized onto Events as processing, agent text,
// audio segment, audio complete.
func (s *Session) SendTranscript(ctx context.Context, text string) error {
	select {
	case <-s.done:
		return fmt.Errorf("fallback: session is closed")
	default:
	}

	s.ending.Add(1)
	go func() {
		defer s.ending.Done()
		s.turnMu.Lock()
		defer s.turnMu.Unlock()

		s.emit(transport.Event{Type: transport.EventProcessing})

		var resp messageResponse
		url := fmt.Sprintf("%s/%s/message", s.base, s.id)
		if err := s.post(ctx, url, messageRequest{Text: text, IncludeAudio: true}, &resp); err != nil {
			s.emit(transport.Event{Type: transport.EventError, Err: fmt.Errorf("fallback: message: %w", err)})
			return
		}

		s.emit(transport.Event{Type: transport.EventAgentText, Text: resp.AIResponseText})
		if len(resp.AudioPayload) > 0 {
			s.emit(transport.Event{
				Type:  transport.EventAudioSegment,
				Audio: &transport.AudioSegment{Payload: resp.AudioPayload, Final: true},
			})
		}
		s.emit(transport.Event{Type: transport.EventAudioComplete})
	}()
	return nil
}

// SendSpeechStart implements transport.Session. The fallback binding has no
// server-side barge-in, so this does nothing.
func (s *Session) SendSpeechStart(context.Context) error { return nil }

// SendInterrupt implements transport.Session. No-op, as with SendSpeechStart.
func (s *Session) SendInterrupt(context.Context) error { return nil }

// End implements transport.Session. The summary arrives as a SessionEnded
// event, after which the event stream closes.
func (s *Session) End(ctx context.Context, reason string) error {
	select {
	case <-s.done:
		return fmt.Errorf("fallback: session is closed")
	default:
	}

	s.ending.Add(1)
	go func() {
		defer s.ending.Done()
		s.turnMu.Lock()
		defer s.turnMu.Unlock()

		var resp endResponse
		url := fmt.Sprintf("%s/%s/end", s.base, s.id)
		if err := s.post(ctx, url, endRequest{EndReason: reason}, &resp); err != nil {
			s.emit(transport.Event{Type: transport.EventError, Err: fmt.Errorf("fallback: end: %w", err)})
		}
		s.emit(transport.Event{
			Type: transport.EventSessionEnded,
			Summary: &transport.Summary{
				Text:            resp.Summary,
				TotalMessages:   resp.TotalMessages,
				DurationSeconds: resp.DurationSeconds,
			},
		})
		s.Close()
	}()
	return nil
}

// Events implements transport.Session.
func (s *Session) Events() <-chan transport.Event { return s.events }

// Close implements transport.Session.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		go func() {
			// Let in-flight turns finish their emits before the stream closes.
			s.ending.Wait()
			close(s.events)
		}()
	})
	return nil
}

// emit delivers an event unless the stream consumer is gone.
func (s *Session) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
		// Dropped on shutdown, except the terminal event which the buffered
		// channel already accommodates.
		if ev.Type == transport.EventSessionEnded {
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}

// post sends one JSON request and decodes the JSON reply into out.
func (s *Session) post(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
