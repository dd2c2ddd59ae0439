// Package activity implements microphone capture and energy-based voice
// activity detection for Verbano calls.
//
// A [Detector] owns the capture device for the lifetime of one call. It runs a
// periodic analysis loop that reduces the most recent capture window to
// per-band energy bars (for the waveform display), a scalar loudness average,
// and discrete [SpeechStarted]/[SpeechEnded] events. End-of-speech emission is
// debounced: a segment only counts once silence has persisted for
// [Config.SilenceDuration] and the preceding speech lasted at least
// [Config.MinSpeechDuration], so short noises and micro-pauses never register
// as turn boundaries.
//
// The analysis loop never blocks on consumers: events and tapped frames are
// dropped when their channels are full.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verbano-app/verbano/pkg/audio"
)

// EventType classifies speech boundary events emitted by a [Detector].
type EventType int

const (
	// SpeechStarted indicates the scalar loudness average crossed the speech
	// threshold after a period of silence.
	SpeechStarted EventType = iota

	// SpeechEnded indicates a debounced end of utterance: silence persisted
	// for the configured duration after sufficiently long speech.
	SpeechEnded
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStarted:
		return "SPEECH_STARTED"
	case SpeechEnded:
		return "SPEECH_ENDED"
	default:
		return "UNKNOWN"
	}
}

// Event is a speech boundary notification.
type Event struct {
	// Type is the boundary kind.
	Type EventType

	// At is the analysis-loop timestamp at which the boundary was detected.
	At time.Time
}

// Config holds the analysis and detection parameters for a Detector.
// Zero values are replaced by the documented defaults in [New].
type Config struct {
	// FFTSize is the number of samples per frequency analysis window.
	// Must be a power of two. Default: 2048.
	FFTSize int

	// SmoothingTimeConstant blends each new magnitude with the previous one
	// (0 = no smoothing, values near 1 = heavy smoothing). Default: 0.8.
	SmoothingTimeConstant float64

	// Bands is the number of bar heights produced for the waveform display.
	// Default: 32.
	Bands int

	// MinBarHeight and MaxBarHeight bound the displayed bar heights.
	// Defaults: 4 and 40.
	MinBarHeight float64
	MaxBarHeight float64

	// SpeechThreshold is the scalar bar average above which a tick counts as
	// speech, on the same scale as the bar heights. Default: 8.
	SpeechThreshold float64

	// SilenceDuration is how long silence must persist after speech before
	// SpeechEnded fires. Default: 600 ms.
	SilenceDuration time.Duration

	// MinSpeechDuration is the minimum continuous speech length for a segment
	// to produce a SpeechEnded at all. Default: 200 ms.
	MinSpeechDuration time.Duration

	// TickInterval is the analysis loop period. Detection correctness does not
	// depend on the exact rate. Default: 16 ms (~60 Hz).
	TickInterval time.Duration

	// Capture describes the audio format requested from the platform.
	// Defaults: 16 kHz mono, 20 ms frames.
	Capture audio.CaptureConfig
}

// withDefaults returns cfg with all zero values replaced.
func (cfg Config) withDefaults() Config {
	if cfg.FFTSize == 0 {
		cfg.FFTSize = 2048
	}
	if cfg.SmoothingTimeConstant == 0 {
		cfg.SmoothingTimeConstant = 0.8
	}
	if cfg.Bands == 0 {
		cfg.Bands = 32
	}
	if cfg.MinBarHeight == 0 {
		cfg.MinBarHeight = 4
	}
	if cfg.MaxBarHeight == 0 {
		cfg.MaxBarHeight = 40
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = 8
	}
	if cfg.SilenceDuration == 0 {
		cfg.SilenceDuration = 600 * time.Millisecond
	}
	if cfg.MinSpeechDuration == 0 {
		cfg.MinSpeechDuration = 200 * time.Millisecond
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 16 * time.Millisecond
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = 16000
	}
	if cfg.Capture.Channels == 0 {
		cfg.Capture.Channels = 1
	}
	if cfg.Capture.FrameSizeMs == 0 {
		cfg.Capture.FrameSizeMs = 20
	}
	return cfg
}

// validate rejects configurations the analyser cannot run with.
func (cfg Config) validate() error {
	if cfg.FFTSize&(cfg.FFTSize-1) != 0 || cfg.FFTSize < 32 {
		return fmt.Errorf("activity: fft_size %d must be a power of two ≥ 32", cfg.FFTSize)
	}
	if cfg.Bands < 1 || cfg.Bands > cfg.FFTSize/2 {
		return fmt.Errorf("activity: bands %d out of range [1, %d]", cfg.Bands, cfg.FFTSize/2)
	}
	if cfg.SmoothingTimeConstant < 0 || cfg.SmoothingTimeConstant >= 1 {
		return fmt.Errorf("activity: smoothing_time_constant %.2f out of range [0, 1)", cfg.SmoothingTimeConstant)
	}
	if cfg.MaxBarHeight <= cfg.MinBarHeight {
		return fmt.Errorf("activity: max_bar_height %.1f must exceed min_bar_height %.1f", cfg.MaxBarHeight, cfg.MinBarHeight)
	}
	return nil
}

const (
	eventBuf = 16
	tapBuf   = 64
)

// Detector captures microphone audio and converts raw energy into discrete
// speech boundary events plus a continuous visual-intensity vector.
//
// All exported methods are safe for concurrent use.
type Detector struct {
	platform audio.CapturePlatform
	cfg      Config
	analyser *analyser

	events chan Event
	tap    chan audio.Frame

	mu      sync.Mutex
	device  audio.CaptureDevice
	bars    []float64
	muted   bool
	started bool

	vad vadState

	// ring holds the most recent FFTSize mono samples.
	ring    []int16
	ringPos int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// now is the clock used by the analysis loop. Overridden in tests.
	now func() time.Time
}

// New creates a Detector backed by the given capture platform. Defaults are
// applied to cfg before validation.
func New(platform audio.CapturePlatform, cfg Config) (*Detector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Detector{
		platform: platform,
		cfg:      cfg,
		analyser: newAnalyser(cfg),
		events:   make(chan Event, eventBuf),
		tap:      make(chan audio.Frame, tapBuf),
		bars:     make([]float64, cfg.Bands),
		ring:     make([]int16, cfg.FFTSize),
		stop:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Start acquires the microphone and begins the analysis loop. The ctx bounds
// device acquisition only. Returns [audio.ErrPermissionDenied] or
// [audio.ErrDeviceUnavailable] unchanged from the platform.
//
// Start may be called at most once per Detector.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("activity: detector already started")
	}
	d.started = true
	d.mu.Unlock()

	dev, err := d.platform.OpenCapture(ctx, d.cfg.Capture)
	if err != nil {
		return fmt.Errorf("activity: open capture: %w", err)
	}

	d.mu.Lock()
	d.device = dev
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(dev.Frames())
	return nil
}

// Stop halts the analysis loop and releases the microphone. Idempotent.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.mu.Lock()
		dev := d.device
		d.mu.Unlock()
		if dev != nil {
			if err := dev.Close(); err != nil {
				slog.Warn("activity: capture close error", "err", err)
			}
		}
		d.wg.Wait()
	})
}

// Events returns the channel of speech boundary events. The channel is never
// closed; consumers should stop reading once the detector is stopped.
func (d *Detector) Events() <-chan Event { return d.events }

// Tap returns a lossy stream of the raw capture frames, intended to feed the
// speech recognizer. Frames are dropped, never queued unboundedly, when the
// consumer lags behind the capture rate. Muting suppresses tap output.
func (d *Detector) Tap() <-chan audio.Frame { return d.tap }

// Bars returns a copy of the current per-band intensity vector for the
// waveform display.
func (d *Detector) Bars() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, len(d.bars))
	copy(out, d.bars)
	return out
}

// SetMuted toggles the microphone mute. While muted, frames are discarded:
// no analysis runs, no events fire, and nothing reaches the tap. Detection
// state is reset on each transition so a mute mid-utterance cannot produce a
// stale SpeechEnded later.
func (d *Detector) SetMuted(muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.muted == muted {
		return
	}
	d.muted = muted
	d.vad.reset()
	d.analyser.reset()
	for i := range d.bars {
		d.bars[i] = d.cfg.MinBarHeight
	}
}

// Muted reports the current mute state.
func (d *Detector) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

// ─── Analysis loop ───────────────────────────────────────────────────────────

func (d *Detector) loop(frames <-chan audio.Frame) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			d.ingest(f)
		case <-ticker.C:
			d.tick(d.now())
		}
	}
}

// ingest appends a capture frame to the analysis ring and forwards it to the
// tap. Stereo input is downmixed to mono for analysis; the tap receives the
// frame untouched.
func (d *Detector) ingest(f audio.Frame) {
	d.mu.Lock()
	if d.muted {
		d.mu.Unlock()
		return
	}
	samples := audio.BytesToInt16s(f.Data)
	if f.Channels == 2 {
		mono := make([]int16, len(samples)/2)
		for i := range mono {
			mono[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
		}
		samples = mono
	}
	for _, s := range samples {
		d.ring[d.ringPos] = s
		d.ringPos = (d.ringPos + 1) % len(d.ring)
	}
	d.mu.Unlock()

	select {
	case d.tap <- f:
	default:
		// Recognizer lagging; dropping is preferable to stalling analysis.
	}
}

// tick runs one analysis pass and drives the VAD state machine.
func (d *Detector) tick(now time.Time) {
	d.mu.Lock()
	if d.muted {
		d.mu.Unlock()
		return
	}

	// Unroll the ring so the analyser sees samples oldest-first.
	window := make([]int16, len(d.ring))
	n := copy(window, d.ring[d.ringPos:])
	copy(window[n:], d.ring[:d.ringPos])

	bars, avg := d.analyser.analyse(window)
	copy(d.bars, bars)

	started, ended := d.vad.observe(avg > d.cfg.SpeechThreshold, now, d.cfg.SilenceDuration, d.cfg.MinSpeechDuration)
	d.mu.Unlock()

	if started {
		d.emit(Event{Type: SpeechStarted, At: now})
	}
	if ended {
		d.emit(Event{Type: SpeechEnded, At: now})
	}
}

func (d *Detector) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		slog.Warn("activity: event dropped, consumer lagging", "type", ev.Type.String())
	}
}

// ─── VAD state machine ───────────────────────────────────────────────────────

// vadState tracks the nullable speech/silence timers behind the debounced
// end-of-speech rule. It is kept free of channels and clocks so tests can
// drive it tick by tick.
type vadState struct {
	speechStart  time.Time // zero = unset
	silenceStart time.Time // zero = unset
}

// observe advances the state machine by one analysis tick.
//
// started is true on the silence→speech transition of a new segment; ended is
// true exactly once per segment, when silence has persisted for silenceDur and
// the preceding speech lasted at least minSpeech. After ended fires, both
// timers reset so the noise floor between utterances accumulates no state.
func (v *vadState) observe(isSpeech bool, now time.Time, silenceDur, minSpeech time.Duration) (started, ended bool) {
	if isSpeech {
		if v.speechStart.IsZero() {
			v.speechStart = now
			started = true
		}
		v.silenceStart = time.Time{}
		return started, false
	}

	// Silence tick. Nothing to do until speech has been seen.
	if v.speechStart.IsZero() {
		return false, false
	}
	if v.silenceStart.IsZero() {
		v.silenceStart = now
		return false, false
	}
	if now.Sub(v.silenceStart) < silenceDur {
		return false, false
	}

	speechLen := v.silenceStart.Sub(v.speechStart)
	v.reset()
	if speechLen < minSpeech {
		// Too short to be a turn: a click, a cough. Swallow it.
		return false, false
	}
	return false, true
}

// reset clears both timers.
func (v *vadState) reset() {
	v.speechStart = time.Time{}
	v.silenceStart = time.Time{}
}
