// Package mock provides a scriptable test double for transport.Session.
//
// Tests own EventsCh: they send the Event sequence they want the consumer to
// observe and close the channel to end the session. All send-side calls are
// recorded for assertions.
package mock

import (
	"context"
	"sync"

	"github.com/verbano-app/verbano/pkg/transport"
)

// Session is a mock implementation of transport.Session.
type Session struct {
	mu sync.Mutex

	// ID is returned by SessionID.
	ID string

	// GreetingText is returned by Greeting.
	GreetingText string

	// EventsCh is the channel returned by Events. Callers own this channel.
	EventsCh chan transport.Event

	// SendTranscriptErr, if non-nil, is returned by every SendTranscript call.
	SendTranscriptErr error

	// SendSpeechStartErr, if non-nil, is returned by every SendSpeechStart call.
	SendSpeechStartErr error

	// SendInterruptErr, if non-nil, is returned by every SendInterrupt call.
	SendInterruptErr error

	// EndErr, if non-nil, is returned by every End call.
	EndErr error

	// --- Call records ---

	// Transcripts records the text of every SendTranscript call in order.
	Transcripts []string

	// SpeechStartCallCount is the number of SendSpeechStart calls.
	SpeechStartCallCount int

	// InterruptCallCount is the number of SendInterrupt calls.
	InterruptCallCount int

	// EndReasons records the reason of every End call in order.
	EndReasons []string

	// CloseCallCount is the number of Close calls.
	CloseCallCount int
}

// NewSession returns a Session with a buffered event channel.
func NewSession(id string) *Session {
	return &Session{
		ID:       id,
		EventsCh: make(chan transport.Event, 64),
	}
}

// SessionID implements transport.Session.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ID
}

// Greeting implements transport.Session.
func (s *Session) Greeting() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.GreetingText
}

// SendTranscript records the call and returns SendTranscriptErr.
func (s *Session) SendTranscript(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Transcripts = append(s.Transcripts, text)
	return s.SendTranscriptErr
}

// SendSpeechStart records the call and returns SendSpeechStartErr.
func (s *Session) SendSpeechStart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeechStartCallCount++
	return s.SendSpeechStartErr
}

// SendInterrupt records the call and returns SendInterruptErr.
func (s *Session) SendInterrupt(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCallCount++
	return s.SendInterruptErr
}

// End records the call and returns EndErr. It does not emit a SessionEnded
// event; tests script that themselves via EventsCh.
func (s *Session) End(_ context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndReasons = append(s.EndReasons, reason)
	return s.EndErr
}

// Events implements transport.Session.
func (s *Session) Events() <-chan transport.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// SentTranscripts returns a copy of the recorded transcripts. Thread-safe.
func (s *Session) SentTranscripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Transcripts))
	copy(out, s.Transcripts)
	return out
}

// SpeechStarts returns the SendSpeechStart call count. Thread-safe.
func (s *Session) SpeechStarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SpeechStartCallCount
}

// Interrupts returns the SendInterrupt call count. Thread-safe.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCallCount
}

// Ends returns a copy of the recorded end reasons. Thread-safe.
func (s *Session) Ends() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.EndReasons))
	copy(out, s.EndReasons)
	return out
}

// Closes returns the Close call count. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements transport.Session at compile time.
var _ transport.Session = (*Session)(nil)
