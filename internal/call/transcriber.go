package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verbano-app/verbano/internal/observe"
	"github.com/verbano-app/verbano/pkg/audio"
	"github.com/verbano-app/verbano/pkg/provider/stt"
)

// defaultFlushGrace is how long a detector-triggered flush waits for the
// recognizer to deliver a real final before the pending interim is promoted.
const defaultFlushGrace = time.Second

// restartBackoff spaces out reopen attempts after a recognizer session dies.
const restartBackoff = 500 * time.Millisecond

// transcriber adapts a streaming STT provider to the engine's needs: it
// pumps raw capture frames into the recognizer session, keeps the latest
// interim text as a replaceable snapshot, delivers finals on a channel, and
// silently restarts the session when it dies mid-call.
//
// The engine stops the transcriber while agent audio is playing (so the
// recognizer never hears the agent) and starts it again when playback
// completes.
type transcriber struct {
	provider stt.Provider
	cfg      stt.StreamConfig
	frames   <-chan audio.Frame
	metrics  *observe.Metrics
	log      *slog.Logger

	// flushGrace is overridable in tests.
	flushGrace time.Duration

	finals chan stt.Transcript
	flushC chan struct{}

	mu      sync.Mutex
	sess    stt.SessionHandle
	interim string
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newTranscriber(provider stt.Provider, cfg stt.StreamConfig, frames <-chan audio.Frame, metrics *observe.Metrics, log *slog.Logger) *transcriber {
	return &transcriber{
		provider:   provider,
		cfg:        cfg,
		frames:     frames,
		metrics:    metrics,
		log:        log,
		flushGrace: defaultFlushGrace,
		finals:     make(chan stt.Transcript, 16),
		flushC:     make(chan struct{}, 1),
	}
}

// Finals returns the channel of authoritative transcripts. The channel is
// shared across restarts and is never closed.
func (t *transcriber) Finals() <-chan stt.Transcript { return t.finals }

// Interim returns the latest interim text, empty when there is none.
func (t *transcriber) Interim() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interim
}

// Start opens a recognizer session and begins pumping frames into it. The
// first open is synchronous so that permission-class failures surface to the
// caller; later restarts are silent.
func (t *transcriber) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	sess, err := t.provider.StartStream(ctx, t.cfg)
	if err != nil {
		return fmt.Errorf("transcriber: start stream: %w", err)
	}

	t.mu.Lock()
	t.sess = sess
	t.running = true
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(ctx, sess, stop)
	return nil
}

// Stop closes the active recognizer session and discards any interim text.
// Safe to call when not running.
func (t *transcriber) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.interim = ""
	close(t.stop)
	t.mu.Unlock()
	t.wg.Wait()
}

// Flush asks the recognizer to finalize buffered audio now. If no real final
// arrives within the flush grace period, the pending interim (if any) is
// promoted to a final; a real final arriving first always wins.
func (t *transcriber) Flush() {
	t.mu.Lock()
	sess := t.sess
	running := t.running
	t.mu.Unlock()
	if !running || sess == nil {
		return
	}
	if err := sess.Flush(); err != nil {
		t.log.Debug("recognizer flush failed", "error", err)
	}
	select {
	case t.flushC <- struct{}{}:
	default:
	}
}

func (t *transcriber) setInterim(text string) {
	t.mu.Lock()
	t.interim = text
	t.mu.Unlock()
}

// takeInterim returns the pending interim and clears it.
func (t *transcriber) takeInterim() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	text := t.interim
	t.interim = ""
	return text
}

// run pumps one session and, when it dies while the transcriber is still
// supposed to be running, reopens it until Stop is called.
func (t *transcriber) run(ctx context.Context, sess stt.SessionHandle, stop chan struct{}) {
	defer t.wg.Done()

	for {
		alive := t.pump(sess, stop)
		_ = sess.Close()
		if !alive {
			return
		}

		// The session died underneath us. Restart silently.
		t.metrics.RecognizerRestarts.Add(ctx, 1)
		t.log.Debug("recognizer session died, restarting")

		var ok bool
		sess, ok = t.reopen(ctx, stop)
		if !ok {
			return
		}

		t.mu.Lock()
		t.sess = sess
		t.mu.Unlock()
	}
}

// reopen dials a replacement recognizer session, backing off between
// attempts. The in-flight dial is cancelled when stop closes, so Stop never
// blocks behind a hung reconnect.
func (t *transcriber) reopen(ctx context.Context, stop chan struct{}) (stt.SessionHandle, bool) {
	for {
		select {
		case <-stop:
			return nil, false
		default:
		}

		// A successful session keeps using dialCtx for its own streaming, so
		// it is only cancelled on a failed attempt or once stop closes.
		dialCtx, cancel := context.WithCancel(ctx)
		failed := make(chan struct{})
		go func() {
			select {
			case <-stop:
			case <-failed:
			}
			cancel()
		}()

		sess, err := t.provider.StartStream(dialCtx, t.cfg)
		if err == nil {
			select {
			case <-stop:
				_ = sess.Close()
				return nil, false
			default:
			}
			return sess, true
		}
		close(failed)

		t.log.Warn("recognizer restart failed, retrying", "error", err)
		select {
		case <-stop:
			return nil, false
		case <-time.After(restartBackoff):
		}
	}
}

// pump forwards frames into the session and results out of it. It returns
// false when Stop was requested, true when the session ended on its own.
func (t *transcriber) pump(sess stt.SessionHandle, stop chan struct{}) bool {
	interims := sess.Interims()
	finals := sess.Finals()

	var flushTimer *time.Timer
	var flushExpired <-chan time.Time
	defer func() {
		if flushTimer != nil {
			flushTimer.Stop()
		}
	}()

	for {
		if interims == nil && finals == nil {
			return true
		}

		select {
		case <-stop:
			return false

		case frame, ok := <-t.frames:
			if !ok {
				return false
			}
			if err := sess.SendAudio(frame.Data); err != nil {
				t.log.Debug("send audio failed", "error", err)
			}

		case <-t.flushC:
			if flushTimer == nil {
				flushTimer = time.NewTimer(t.flushGrace)
			} else {
				flushTimer.Reset(t.flushGrace)
			}
			flushExpired = flushTimer.C

		case <-flushExpired:
			flushExpired = nil
			if text := t.takeInterim(); text != "" {
				t.emit(stt.Transcript{Text: text, IsFinal: true, Timestamp: time.Now()}, stop)
			}

		case tr, ok := <-interims:
			if !ok {
				interims = nil
				continue
			}
			if tr.Text != "" {
				t.setInterim(tr.Text)
			}

		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if tr.Text == "" {
				continue
			}
			// A real final supersedes any flush-promoted interim.
			if flushExpired != nil {
				flushTimer.Stop()
				flushExpired = nil
			}
			t.takeInterim()
			t.emit(tr, stop)
		}
	}
}

func (t *transcriber) emit(tr stt.Transcript, stop chan struct{}) {
	select {
	case t.finals <- tr:
	case <-stop:
	}
}
