// Package transport defines the conversation session protocol between the
// call engine and the remote agent backend.
//
// One logical session protocol has two wire-level bindings: a persistent
// bidirectional WebSocket channel (package stream) and a degraded synchronous
// HTTP request/response binding (package fallback) used when the persistent
// channel cannot be established. Both expose the same Session interface and
// the same ordered Event stream, so the call engine never branches on which
// binding is live.
//
// Implementations must be safe for concurrent use.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrEstablishTimeout is returned when a binding fails to complete session
// establishment within the configured connect timeout.
var ErrEstablishTimeout = errors.New("transport: session establishment timed out")

// DefaultConnectTimeout bounds the whole establishment sequence of the
// primary binding, from dial through session_started.
const DefaultConnectTimeout = 5 * time.Second

// Config carries the endpoints and credentials shared by both bindings.
type Config struct {
	// StreamURL is the WebSocket endpoint of the primary binding
	// (e.g., "wss://api.example.com/conversation").
	StreamURL string

	// FallbackURL is the base HTTP endpoint of the fallback binding
	// (e.g., "https://api.example.com/conversation").
	FallbackURL string

	// Token authenticates the session.
	Token string

	// ConnectTimeout bounds session establishment. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Timeout returns the effective connect timeout.
func (c Config) Timeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// SessionParams describes the conversation to start.
type SessionParams struct {
	// ScenarioType selects the conversation scenario (e.g., "restaurant").
	ScenarioType string

	// DifficultyLevel selects the difficulty (e.g., "beginner").
	DifficultyLevel string

	// Language is the BCP-47 tag of the practice language.
	Language string
}

// EventType identifies a server-originated session event.
type EventType int

const (
	// EventAgentStarting: the agent has begun formulating a reply.
	EventAgentStarting EventType = iota
	// EventAgentText: the agent's reply text arrived.
	EventAgentText
	// EventAudioSegment: one segment of the agent's spoken reply arrived.
	EventAudioSegment
	// EventAudioComplete: the last audio segment of the reply was delivered.
	EventAudioComplete
	// EventListening: the server is ready for the next user turn.
	EventListening
	// EventProcessing: the server acknowledged the user's transcript.
	EventProcessing
	// EventPlaybackInterrupted: the server acknowledged a barge-in.
	EventPlaybackInterrupted
	// EventSessionEnded: the session is over; the event carries the summary.
	EventSessionEnded
	// EventError: a transport-level error. The session may still be usable;
	// a subsequent SessionEnded or closed event channel signals otherwise.
	EventError
)

// String returns a readable name for logging.
func (t EventType) String() string {
	switch t {
	case EventAgentStarting:
		return "agent_starting"
	case EventAgentText:
		return "agent_text"
	case EventAudioSegment:
		return "audio_segment"
	case EventAudioComplete:
		return "audio_complete"
	case EventListening:
		return "listening"
	case EventProcessing:
		return "processing"
	case EventPlaybackInterrupted:
		return "playback_interrupted"
	case EventSessionEnded:
		return "session_ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// AudioSegment is one opaque chunk of the agent's spoken reply. Payload is
// the encoded audio as delivered by the server; decoding is the playback
// layer's concern.
type AudioSegment struct {
	Payload []byte
	// Final marks the last segment of the current utterance.
	Final bool
}

// Summary is the post-session report delivered with EventSessionEnded.
type Summary struct {
	Text            string `json:"summary"`
	TotalMessages   int    `json:"totalMessages"`
	DurationSeconds int    `json:"durationSeconds"`
}

// Event is one entry in a session's ordered event stream. Exactly the fields
// relevant to Type are set.
type Event struct {
	Type    EventType
	Text    string
	Audio   *AudioSegment
	Summary *Summary
	Err     error
}

// Session is an established conversation session, regardless of binding.
//
// The Events channel is closed when the session is over, after any final
// SessionEnded event. All methods are safe for concurrent use.
type Session interface {
	// SessionID returns the server-assigned session identifier.
	SessionID() string

	// Greeting returns the agent's opening line delivered at establishment.
	Greeting() string

	// SendTranscript delivers a final user transcript for the agent to
	// answer. The reply arrives asynchronously on Events.
	SendTranscript(ctx context.Context, text string) error

	// SendSpeechStart signals that the user has started talking, so the
	// server can stop streaming the current reply. Bindings without
	// server-side barge-in treat this as a no-op.
	SendSpeechStart(ctx context.Context) error

	// SendInterrupt tells the server the client has cut off playback.
	// Bindings without server-side barge-in treat this as a no-op.
	SendInterrupt(ctx context.Context) error

	// End requests an orderly session end. The summary arrives as a
	// SessionEnded event.
	End(ctx context.Context, reason string) error

	// Events returns the session's ordered event stream.
	Events() <-chan Event

	// Close releases the session's resources. Idempotent.
	Close() error
}

// ─── Wire schema (primary binding) ───

// Envelope is the framing of every message on the primary binding.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client→server message types.
const (
	MsgAuth         = "auth"
	MsgStartSession = "start_session"
	MsgSpeechStart  = "speech_start"
	MsgSpeech       = "speech"
	MsgInterrupt    = "interrupt"
	MsgEndSession   = "end_session"
)

// Server→client message types.
const (
	MsgAuthenticated       = "authenticated"
	MsgSessionStarted      = "session_started"
	MsgAIStarting          = "ai_starting"
	MsgAIResponse          = "ai_response"
	MsgAudioChunk          = "audio_chunk"
	MsgAudioComplete       = "audio_complete"
	MsgPlaybackInterrupted = "playback_interrupted"
	MsgSessionEnded        = "session_ended"
	MsgError               = "error"
	MsgListening           = "listening"
	MsgProcessing          = "processing"
)

// AuthPayload is the payload of an auth message.
type AuthPayload struct {
	Token string `json:"token"`
}

// StartSessionPayload is the payload of a start_session message.
type StartSessionPayload struct {
	ScenarioType    string `json:"scenarioType"`
	DifficultyLevel string `json:"difficultyLevel,omitempty"`
	Language        string `json:"language,omitempty"`
}

// SessionStartedPayload is the payload of a session_started message.
type SessionStartedPayload struct {
	SessionID string `json:"sessionId"`
	Greeting  string `json:"greeting"`
}

// SpeechPayload is the payload of a speech message.
type SpeechPayload struct {
	Transcript string `json:"transcript"`
}

// EndSessionPayload is the payload of an end_session message.
type EndSessionPayload struct {
	EndReason string `json:"endReason,omitempty"`
}

// AIResponsePayload is the payload of an ai_response message.
type AIResponsePayload struct {
	Text string `json:"text"`
}

// AudioChunkPayload is the payload of an audio_chunk message. AudioPayload is
// base64-encoded on the wire.
type AudioChunkPayload struct {
	AudioPayload []byte `json:"audioPayload"`
	IsFinal      bool   `json:"isFinal"`
}

// SessionEndedPayload is the payload of a session_ended message.
type SessionEndedPayload struct {
	Summary         string `json:"summary"`
	TotalMessages   int    `json:"totalMessages"`
	DurationSeconds int    `json:"durationSeconds"`
}

// ErrorPayload is the payload of an error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEnvelope marshals payload and wraps it with the given type. A nil
// payload produces an envelope with no payload field.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}
