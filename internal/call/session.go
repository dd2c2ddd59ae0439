// Package call implements the call engine: the state machine that wires
// microphone capture, activity detection, streaming transcription, the
// conversation transport, and the playback queue into one live voice call.
//
// One Engine drives at most one call at a time. All call state is owned by a
// single event-loop goroutine; consumer-facing methods either read snapshots
// under a mutex or post commands onto the loop.
package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/verbano-app/verbano/pkg/transport"
)

// Status is the lifecycle state of a call.
type Status int

const (
	// StatusIdle: no call in progress.
	StatusIdle Status = iota
	// StatusConnecting: transport establishment is running.
	StatusConnecting
	// StatusActive: the call is live and the engine is listening.
	StatusActive
	// StatusProcessing: a user transcript was sent and the agent's reply is
	// pending.
	StatusProcessing
	// StatusSpeaking: the agent's reply audio is playing.
	StatusSpeaking
	// StatusEnded: the call is over. Terminal for this session.
	StatusEnded
)

// String returns a readable name for logging.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusProcessing:
		return "processing"
	case StatusSpeaking:
		return "speaking"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role identifies who produced a turn message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// TurnMessage is one entry in the ordered conversation log.
type TurnMessage struct {
	Role      Role
	Text      string
	CreatedAt time.Time
}

// CallSession identifies one call.
type CallSession struct {
	// ID is the server-assigned session identifier.
	ID string

	// ScenarioType and DifficultyLevel are the parameters the call was
	// started with.
	ScenarioType    string
	DifficultyLevel string

	// Language is the BCP-47 tag of the practice language.
	Language string

	// CreatedAt is when the session became active.
	CreatedAt time.Time
}

// Notice is a non-fatal problem surfaced to the user during an active call.
// Notices are dismissible; they never terminate the call by themselves.
type Notice struct {
	Text string
	Err  error
	At   time.Time
}

// CallReport is the post-call record handed to the Reporter when a call
// ends. Nothing in this package persists it.
type CallReport struct {
	Session  CallSession
	Messages []TurnMessage

	// Summary is the server's post-session summary, when one was delivered.
	Summary *transport.Summary

	// Duration is the active lifetime of the call.
	Duration time.Duration

	// EndReason records why the call ended (e.g., "user_ended",
	// "session_ended", "voice_command").
	EndReason string
}

// Reporter receives the post-call report. Implementations typically forward
// it to an external reporting service.
type Reporter interface {
	ReportCall(ctx context.Context, report CallReport) error
}

// LogReporter is the default Reporter: it logs the report and drops it.
type LogReporter struct {
	// Log is the logger to use. Nil means slog.Default().
	Log *slog.Logger
}

// ReportCall implements Reporter.
func (r LogReporter) ReportCall(_ context.Context, report CallReport) error {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{
		"session_id", report.Session.ID,
		"scenario", report.Session.ScenarioType,
		"messages", len(report.Messages),
		"duration", report.Duration.Round(time.Second),
		"end_reason", report.EndReason,
	}
	if report.Summary != nil {
		attrs = append(attrs, "summary", report.Summary.Text)
	}
	log.Info("call ended", attrs...)
	return nil
}

var _ Reporter = LogReporter{}
