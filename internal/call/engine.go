package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verbano-app/verbano/internal/observe"
	"github.com/verbano-app/verbano/internal/voicecmd"
	"github.com/verbano-app/verbano/pkg/audio"
	"github.com/verbano-app/verbano/pkg/audio/activity"
	"github.com/verbano-app/verbano/pkg/audio/opus"
	"github.com/verbano-app/verbano/pkg/audio/playback"
	"github.com/verbano-app/verbano/pkg/provider/stt"
	"github.com/verbano-app/verbano/pkg/transport"
	"github.com/verbano-app/verbano/pkg/transport/dial"
)

// endGrace bounds how long an explicit end-call waits for the server's
// session_ended before tearing down anyway.
const endGrace = 3 * time.Second

// ErrCallInProgress is returned by StartCall while a previous call has not
// finished tearing down.
var ErrCallInProgress = errors.New("call: a call is already in progress")

// ErrNoActiveCall is returned by operations that need a live call.
var ErrNoActiveCall = errors.New("call: no active call")

// Config carries everything a call needs beyond the injected collaborators.
type Config struct {
	// Transport holds the backend endpoints and credentials.
	Transport transport.Config

	// Recognizer is the audio format and language for STT sessions. Zero
	// values inherit the detector's capture format.
	Recognizer stt.StreamConfig

	// Detector tunes capture and voice activity detection.
	Detector activity.Config

	// Language is the default practice language for new calls.
	Language string

	// Ramp is the playback gain ramp. Zero means the playback default.
	Ramp time.Duration
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithDial overrides the transport dialer. Tests inject scripted sessions
// through this.
func WithDial(fn dial.Func) Option {
	return func(e *Engine) { e.dialFn = fn }
}

// WithReporter sets the post-call report recipient. Default: LogReporter.
func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithCommandFilter overrides the spoken command filter.
func WithCommandFilter(f *voicecmd.Filter) Option {
	return func(e *Engine) { e.commands = f }
}

// WithDecoder overrides the playback segment decoder. Default: Opus.
func WithDecoder(dec playback.Decoder) Option {
	return func(e *Engine) { e.decoder = dec }
}

// WithDetector injects a pre-built speech detector instead of constructing
// one from the capture platform. Tests script speech boundaries through this.
func WithDetector(d SpeechDetector) Option {
	return func(e *Engine) { e.injected = d }
}

// SpeechDetector is the part of [activity.Detector] the engine drives.
type SpeechDetector interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan activity.Event
	Tap() <-chan audio.Frame
	Bars() []float64
	SetMuted(muted bool)
	Muted() bool
}

var _ SpeechDetector = (*activity.Detector)(nil)

// Engine drives one voice call at a time. It owns the microphone, the
// recognizer, the transport session, and the playback queue for the duration
// of a call, and exposes the call's state through read-only observables.
//
// All methods are safe for concurrent use.
type Engine struct {
	platform   audio.CapturePlatform
	sink       audio.Sink
	recognizer stt.Provider
	cfg        Config

	dialFn   dial.Func
	reporter Reporter
	commands *voicecmd.Filter
	decoder  playback.Decoder
	injected SpeechDetector
	metrics  *observe.Metrics
	log      *slog.Logger

	mu       sync.Mutex
	status   Status
	session  CallSession
	messages []TurnMessage
	running  bool

	notices chan Notice
	done    chan struct{}

	// Call-scoped collaborators, valid while running.
	detector SpeechDetector
	trans    *transcriber
	queue    *playback.Queue
	sess     transport.Session
	cmds     chan func(*loopState)
	teardown *sync.Once
}

// NewEngine creates an Engine. platform and sink provide the audio I/O;
// recognizer provides streaming transcription.
func NewEngine(platform audio.CapturePlatform, sink audio.Sink, recognizer stt.Provider, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		platform:   platform,
		sink:       sink,
		recognizer: recognizer,
		cfg:        cfg,
		dialFn:     dial.Connect,
		reporter:   LogReporter{},
		commands:   voicecmd.New(),
		log:        slog.Default(),
		status:     StatusIdle,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// StartCall establishes a new call for the given scenario and blocks until
// the call is active or establishment failed. A second call may not be
// started until the previous one has fully torn down.
func (e *Engine) StartCall(ctx context.Context, scenarioType, difficultyLevel string) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrCallInProgress
	}
	e.running = true
	e.status = StatusConnecting
	e.notices = make(chan Notice, 16)
	e.done = make(chan struct{})
	e.messages = nil
	e.teardown = &sync.Once{}
	e.cmds = make(chan func(*loopState), 8)
	e.mu.Unlock()

	err := e.establish(ctx, scenarioType, difficultyLevel)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.status = StatusIdle
		// Nothing will ever run this call's loop, so release any waiter
		// that already grabbed Done.
		close(e.done)
		e.mu.Unlock()
		return err
	}
	return nil
}

// establish acquires the microphone, dials the transport, and starts the
// recognizer. Any failure unwinds the parts already started.
func (e *Engine) establish(ctx context.Context, scenarioType, difficultyLevel string) error {
	ctx, span := observe.StartSpan(ctx, "call.establish")
	defer span.End()

	det := e.injected
	if det == nil {
		d, err := activity.New(e.platform, e.cfg.Detector)
		if err != nil {
			return fmt.Errorf("call: %w", err)
		}
		det = d
	}
	if err := det.Start(ctx); err != nil {
		// Permission and device errors pass through for in-UI display.
		return fmt.Errorf("call: %w", err)
	}

	params := transport.SessionParams{
		ScenarioType:    scenarioType,
		DifficultyLevel: difficultyLevel,
		Language:        e.cfg.Language,
	}
	connectStart := time.Now()
	sess, binding, err := e.dialFn(ctx, e.cfg.Transport, params)
	if err != nil {
		det.Stop()
		return fmt.Errorf("call: %w", err)
	}
	e.metrics.RecordConnect(ctx, binding.String(), time.Since(connectStart).Seconds())
	if binding == dial.BindingFallback {
		e.metrics.Fallbacks.Add(ctx, 1)
	}

	sttCfg := e.cfg.Recognizer
	if sttCfg.SampleRate == 0 {
		sttCfg.SampleRate = e.cfg.Detector.Capture.SampleRate
	}
	if sttCfg.Channels == 0 {
		sttCfg.Channels = e.cfg.Detector.Capture.Channels
	}
	trans := newTranscriber(e.recognizer, sttCfg, det.Tap(), e.metrics, e.log)
	if err := trans.Start(ctx); err != nil {
		sess.Close()
		det.Stop()
		return fmt.Errorf("call: %w", err)
	}

	dec := e.decoder
	if dec == nil {
		od, err := opus.NewDecoder()
		if err != nil {
			trans.Stop()
			sess.Close()
			det.Stop()
			return fmt.Errorf("call: %w", err)
		}
		dec = od
	}
	queueOpts := []playback.Option{
		playback.WithDecodeErrorHandler(func(err error) {
			e.metrics.DecodeErrors.Add(context.Background(), 1)
			e.log.Warn("audio segment dropped", "error", err)
		}),
	}
	if e.cfg.Ramp > 0 {
		queueOpts = append(queueOpts, playback.WithRamp(e.cfg.Ramp))
	}
	queue := playback.New(e.sink, dec, queueOpts...)

	e.mu.Lock()
	e.detector = det
	e.trans = trans
	e.queue = queue
	e.sess = sess
	e.session = CallSession{
		ID:              sess.SessionID(),
		ScenarioType:    scenarioType,
		DifficultyLevel: difficultyLevel,
		Language:        e.cfg.Language,
		CreatedAt:       time.Now(),
	}
	e.status = StatusActive
	if greeting := sess.Greeting(); greeting != "" {
		e.messages = append(e.messages, TurnMessage{Role: RoleAgent, Text: greeting, CreatedAt: time.Now()})
	}
	e.mu.Unlock()

	e.metrics.ActiveCalls.Add(ctx, 1)
	e.log.Info("call established",
		"session_id", sess.SessionID(),
		"binding", binding.String(),
		"scenario", scenarioType,
	)

	go e.loop(context.WithoutCancel(ctx))
	return nil
}

// EndCall asks the engine to end the current call. It returns immediately;
// Done is closed once teardown completes.
func (e *Engine) EndCall(ctx context.Context) error {
	return e.post(func(st *loopState) { e.initiateEnd(ctx, st, "user_ended") })
}

// ToggleMic flips the microphone mute state and returns the new state
// (true = muted).
func (e *Engine) ToggleMic() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.detector == nil {
		return false, ErrNoActiveCall
	}
	muted := !e.detector.Muted()
	e.detector.SetMuted(muted)
	return muted, nil
}

// post hands fn to the event loop.
func (e *Engine) post(fn func(*loopState)) error {
	e.mu.Lock()
	if !e.running || e.cmds == nil {
		e.mu.Unlock()
		return ErrNoActiveCall
	}
	cmds := e.cmds
	done := e.done
	e.mu.Unlock()

	select {
	case cmds <- fn:
		return nil
	case <-done:
		return ErrNoActiveCall
	}
}

// ─── Observables ───

// Status returns the current call status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Session returns the current call session. Zero when no call was started.
func (e *Engine) Session() CallSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Messages returns a copy of the ordered conversation log.
func (e *Engine) Messages() []TurnMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TurnMessage, len(e.messages))
	copy(out, e.messages)
	return out
}

// Elapsed returns how long the call has been active.
func (e *Engine) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.CreatedAt.IsZero() {
		return 0
	}
	return time.Since(e.session.CreatedAt)
}

// Waveform returns the current waveform intensity bars.
func (e *Engine) Waveform() []float64 {
	e.mu.Lock()
	det := e.detector
	e.mu.Unlock()
	if det == nil {
		return nil
	}
	return det.Bars()
}

// Interim returns the recognizer's latest interim text.
func (e *Engine) Interim() string {
	e.mu.Lock()
	trans := e.trans
	e.mu.Unlock()
	if trans == nil {
		return ""
	}
	return trans.Interim()
}

// Notices returns the channel of dismissible call notices.
func (e *Engine) Notices() <-chan Notice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notices
}

// Done returns a channel closed when the current call has fully ended.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// ─── Event loop ───

// loopState is the per-call bookkeeping owned by the event loop goroutine.
type loopState struct {
	bargedIn       bool
	ending         bool
	endReason      string
	endTimer       *time.Timer
	endExpired     <-chan time.Time
	turnStart      time.Time
	awaitingAudio  bool
	summary        *transport.Summary
	transportAlive bool
}

// loop is the call's single thread of control: every state transition
// happens here, driven by detector events, recognizer finals, transport
// events, playback signals, and posted commands.
func (e *Engine) loop(ctx context.Context) {
	st := &loopState{transportAlive: true}

	events := e.sess.Events()
	for {
		select {
		case fn := <-e.cmds:
			fn(st)

		case <-st.endExpired:
			st.endExpired = nil
			e.finish(ctx, st)
			return

		case ev := <-e.detector.Events():
			e.onDetectorEvent(ctx, st, ev)

		case tr := <-e.trans.Finals():
			e.onFinalTranscript(ctx, st, tr)

		case ev, ok := <-events:
			if !ok {
				events = nil
				if st.transportAlive {
					st.transportAlive = false
					e.notify(Notice{Text: "connection to the conversation service was lost", At: time.Now()})
				}
				if st.ending {
					e.finish(ctx, st)
					return
				}
				continue
			}
			if end := e.onTransportEvent(ctx, st, ev); end {
				e.finish(ctx, st)
				return
			}

		case sig := <-e.queue.Signals():
			e.onPlaybackSignal(ctx, st, sig)
		}
	}
}

// onDetectorEvent handles speech boundaries from the activity detector.
func (e *Engine) onDetectorEvent(ctx context.Context, st *loopState, ev activity.Event) {
	switch ev.Type {
	case activity.SpeechStarted:
		if e.Status() != StatusSpeaking {
			return
		}
		// Barge-in: cut playback exactly once per agent utterance, tell the
		// server, and go back to listening.
		if st.bargedIn {
			return
		}
		st.bargedIn = true
		e.queue.Interrupt()
		if err := e.sess.SendSpeechStart(ctx); err != nil {
			e.log.Debug("speech_start send failed", "error", err)
		}
		if err := e.sess.SendInterrupt(ctx); err != nil {
			e.log.Debug("interrupt send failed", "error", err)
		}
		e.metrics.BargeIns.Add(ctx, 1)
		e.setStatus(StatusActive)
		if err := e.trans.Start(ctx); err != nil {
			e.notify(Notice{Text: "speech recognition is unavailable", Err: err, At: time.Now()})
		}
		e.log.Debug("barge-in, playback interrupted")

	case activity.SpeechEnded:
		e.trans.Flush()
	}
}

// onFinalTranscript handles an authoritative user transcript: spoken
// commands short-circuit; everything else becomes a user turn sent to the
// agent.
func (e *Engine) onFinalTranscript(ctx context.Context, st *loopState, tr stt.Transcript) {
	if st.ending {
		return
	}

	switch e.commands.Match(tr.Text) {
	case voicecmd.CommandEndCall:
		e.log.Info("voice command", "command", "end_call")
		e.initiateEnd(ctx, st, "voice_command")
		return
	case voicecmd.CommandMute:
		e.detector.SetMuted(true)
		e.log.Info("voice command", "command", "mute")
		return
	case voicecmd.CommandUnmute:
		e.detector.SetMuted(false)
		e.log.Info("voice command", "command", "unmute")
		return
	}

	// The log append happens before the send, so the conversation log is
	// always at least as current as what the server has seen.
	e.mu.Lock()
	e.messages = append(e.messages, TurnMessage{Role: RoleUser, Text: tr.Text, CreatedAt: time.Now()})
	e.mu.Unlock()
	e.metrics.RecordTurn(ctx, string(RoleUser))

	if err := e.sess.SendTranscript(ctx, tr.Text); err != nil {
		e.notify(Notice{Text: "failed to send your message", Err: err, At: time.Now()})
		return
	}
	// A new turn is underway: whatever reply audio arrives now is for this
	// turn, even if the old utterance was never formally closed out.
	st.bargedIn = false
	st.turnStart = time.Now()
	st.awaitingAudio = true
	e.setStatus(StatusProcessing)
}

// onTransportEvent handles one server event. It returns true when the call
// must finish now.
func (e *Engine) onTransportEvent(ctx context.Context, st *loopState, ev transport.Event) bool {
	switch ev.Type {
	case transport.EventAgentStarting, transport.EventProcessing:
		if st.bargedIn {
			return false
		}
		if e.Status() == StatusActive {
			e.setStatus(StatusProcessing)
		}

	case transport.EventAgentText:
		e.mu.Lock()
		e.messages = append(e.messages, TurnMessage{Role: RoleAgent, Text: ev.Text, CreatedAt: time.Now()})
		e.mu.Unlock()
		e.metrics.RecordTurn(ctx, string(RoleAgent))

	case transport.EventAudioSegment:
		if ev.Audio == nil {
			return false
		}
		// Chunks of a just-interrupted utterance can still be in flight.
		// Playing them would talk over the user's new turn, so they are
		// dropped until the server closes out the old utterance.
		if st.bargedIn {
			return false
		}
		if st.awaitingAudio {
			st.awaitingAudio = false
			e.metrics.FirstAudioDuration.Record(ctx, time.Since(st.turnStart).Seconds())
		}
		if s := e.Status(); s == StatusProcessing || s == StatusActive {
			// Agent speech begins: stop the recognizer so it never hears
			// the agent's own voice.
			e.trans.Stop()
			e.setStatus(StatusSpeaking)
		}
		e.queue.Enqueue(ev.Audio.Payload, ev.Audio.Final)

	case transport.EventAudioComplete, transport.EventPlaybackInterrupted:
		// The interrupted utterance's stream has ended server-side; audio
		// arriving after this belongs to a fresh reply. Playback progress
		// itself is driven by the queue's own signals.
		st.bargedIn = false

	case transport.EventListening:
		if e.Status() == StatusProcessing {
			e.setStatus(StatusActive)
		}

	case transport.EventSessionEnded:
		st.summary = ev.Summary
		if st.endReason == "" {
			st.endReason = "session_ended"
		}
		return true

	case transport.EventError:
		e.metrics.TransportErrors.Add(ctx, 1)
		e.notify(Notice{Text: "connection problem during the call", Err: ev.Err, At: time.Now()})
	}
	return false
}

// onPlaybackSignal handles queue lifecycle notifications.
func (e *Engine) onPlaybackSignal(ctx context.Context, st *loopState, sig playback.Signal) {
	switch sig.Type {
	case playback.SignalUtteranceComplete:
		// The agent finished talking: resume listening with a fresh
		// recognizer session.
		if e.Status() == StatusSpeaking {
			e.setStatus(StatusActive)
		}
		st.bargedIn = false
		if err := e.trans.Start(ctx); err != nil {
			e.notify(Notice{Text: "speech recognition is unavailable", Err: err, At: time.Now()})
		}

	case playback.SignalInterrupted, playback.SignalDrained:
		// Interruption is handled where it is triggered; a bare drain (non
		// final segment at the tail) keeps the speaking state until the
		// remaining segments arrive.
	}
}

// initiateEnd starts an orderly end: playback stops, the server is asked to
// end the session, and the loop waits (bounded) for session_ended. Only the
// loop goroutine calls this.
func (e *Engine) initiateEnd(ctx context.Context, st *loopState, reason string) {
	if st.ending {
		return
	}
	st.ending = true
	st.endReason = reason
	e.queue.Interrupt()
	if err := e.sess.End(ctx, reason); err != nil {
		e.log.Debug("end_session send failed", "error", err)
	}
	st.endTimer = time.NewTimer(endGrace)
	st.endExpired = st.endTimer.C
}

// finish runs the atomic teardown exactly once, reports the call, and
// releases the engine for the next call.
func (e *Engine) finish(ctx context.Context, st *loopState) {
	e.teardown.Do(func() {
		e.mu.Lock()
		det := e.detector
		trans := e.trans
		queue := e.queue
		sess := e.sess
		session := e.session
		messages := make([]TurnMessage, len(e.messages))
		copy(messages, e.messages)
		reason := st.endReason
		if reason == "" {
			reason = "session_ended"
		}
		e.mu.Unlock()

		g := new(errgroup.Group)
		g.Go(func() error { det.Stop(); return nil })
		g.Go(func() error { trans.Stop(); return nil })
		g.Go(func() error {
			queue.Interrupt()
			return queue.Close()
		})
		g.Go(func() error { return sess.Close() })
		if err := g.Wait(); err != nil {
			e.log.Warn("teardown error", "error", err)
		}

		duration := time.Since(session.CreatedAt)
		e.metrics.ActiveCalls.Add(ctx, -1)
		e.metrics.CallDuration.Record(ctx, duration.Seconds())

		report := CallReport{
			Session:   session,
			Messages:  messages,
			Summary:   st.summary,
			Duration:  duration,
			EndReason: reason,
		}
		if err := e.reporter.ReportCall(ctx, report); err != nil {
			e.log.Warn("call report failed", "error", err)
		}

		e.mu.Lock()
		e.status = StatusEnded
		e.running = false
		close(e.done)
		e.mu.Unlock()

		e.log.Info("call torn down", "session_id", session.ID, "reason", reason)
	})
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// notify pushes a notice without ever blocking the loop.
func (e *Engine) notify(n Notice) {
	e.mu.Lock()
	ch := e.notices
	e.mu.Unlock()
	select {
	case ch <- n:
	default:
		e.log.Warn("notice dropped", "text", n.Text, "error", n.Err)
	}
}
