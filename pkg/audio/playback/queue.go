// Package playback implements the interruptible agent-audio output queue.
//
// Segments arrive as opaque encoded payloads, are decoded into PCM buffers,
// and play strictly in arrival order with no gaps: when one buffer completes
// naturally the next is scheduled immediately. A short linear gain ramp-in is
// applied to the head of each buffer to avoid clicks. Interrupt, the barge-in
// path, clears the queue atomically with stopping the buffer in flight.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verbano-app/verbano/pkg/audio"
)

// DefaultRamp is the default linear gain ramp-in applied to the start of each
// decoded buffer.
const DefaultRamp = 50 * time.Millisecond

const signalBuf = 16

// Decoder converts an opaque encoded segment payload into a playable buffer.
// The queue calls Decode from its own goroutines, one call at a time.
type Decoder interface {
	Decode(payload []byte) (audio.PCMBuffer, error)
}

// SignalType classifies queue lifecycle notifications.
type SignalType int

const (
	// SignalInterrupted fires after Interrupt stopped playback or cleared
	// pending buffers. It does not fire when Interrupt finds the queue idle.
	SignalInterrupted SignalType = iota

	// SignalDrained fires when the queue runs empty through natural
	// completion (not interruption).
	SignalDrained

	// SignalUtteranceComplete fires when the naturally draining buffer was
	// the final segment of an agent utterance. The call engine resumes
	// listening on this signal.
	SignalUtteranceComplete
)

// String returns the human-readable name of the signal type.
func (t SignalType) String() string {
	switch t {
	case SignalInterrupted:
		return "INTERRUPTED"
	case SignalDrained:
		return "DRAINED"
	case SignalUtteranceComplete:
		return "UTTERANCE_COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Signal is a queue lifecycle notification.
type Signal struct {
	Type SignalType
}

// item is one decoded buffer awaiting playback.
type item struct {
	buf   audio.PCMBuffer
	final bool
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithRamp sets the linear gain ramp-in duration applied to each buffer.
// Zero disables the ramp. Default: [DefaultRamp].
func WithRamp(d time.Duration) Option {
	return func(q *Queue) { q.ramp = d }
}

// WithDecodeErrorHandler registers fn to be called for each segment that
// fails to decode, in addition to the log line. Used for metrics.
func WithDecodeErrorHandler(fn func(error)) Option {
	return func(q *Queue) { q.onDecodeErr = fn }
}

// Queue is the agent-audio playback queue. At most one buffer is playing at a
// time; enqueuing never reorders; Interrupt clears everything atomically.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	sink        audio.Sink
	dec         Decoder
	ramp        time.Duration
	onDecodeErr func(error)

	mu            sync.Mutex
	fifo          []item
	playing       bool
	cancelPlaying chan struct{}
	closed        bool

	notify  chan struct{}
	signals chan Signal
	done    chan struct{}
}

// New creates a Queue that decodes segments with dec and plays them on sink.
// The dispatch goroutine starts immediately; call [Queue.Close] to stop it.
func New(sink audio.Sink, dec Decoder, opts ...Option) *Queue {
	q := &Queue{
		sink:    sink,
		dec:     dec,
		ramp:    DefaultRamp,
		notify:  make(chan struct{}, 1),
		signals: make(chan Signal, signalBuf),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Enqueue decodes payload and appends the resulting buffer to the queue. If
// nothing is playing, playback begins immediately. A decode failure drops only
// the offending segment; playback continues with whatever follows.
func (q *Queue) Enqueue(payload []byte, final bool) {
	buf, err := q.dec.Decode(payload)
	if err != nil {
		slog.Warn("playback: segment dropped, decode failed", "bytes", len(payload), "err", err)
		if q.onDecodeErr != nil {
			q.onDecodeErr(err)
		}
		// A dropped final segment must still complete the utterance, or the
		// engine would wait forever to resume listening.
		if final {
			q.mu.Lock()
			idle := !q.playing && len(q.fifo) == 0
			q.mu.Unlock()
			if idle {
				q.signal(SignalUtteranceComplete)
				q.signal(SignalDrained)
			} else {
				q.markTailFinal()
			}
		}
		return
	}

	if q.ramp > 0 {
		applyRamp(&buf, q.ramp)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.fifo = append(q.fifo, item{buf: buf, final: final})
	q.mu.Unlock()

	q.wake()
}

// Interrupt clears all queued buffers and stops the currently playing buffer
// immediately. Callable at any time; a no-op (and no signal) when the queue
// is idle. Segments enqueued after Interrupt returns start a fresh utterance
// unaffected by the cleared queue.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	hadWork := q.playing || len(q.fifo) > 0
	q.fifo = nil
	if q.cancelPlaying != nil {
		close(q.cancelPlaying)
		q.cancelPlaying = nil
	}
	q.mu.Unlock()

	if hadWork {
		q.signal(SignalInterrupted)
	}
}

// Signals returns the queue's lifecycle notification channel. The channel is
// never closed; stop reading after Close.
func (q *Queue) Signals() <-chan Signal { return q.signals }

// Close interrupts playback, stops the dispatch goroutine, and closes the
// sink. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.fifo = nil
	if q.cancelPlaying != nil {
		close(q.cancelPlaying)
		q.cancelPlaying = nil
	}
	q.mu.Unlock()

	close(q.done)
	if err := q.sink.Close(); err != nil {
		return fmt.Errorf("playback: close sink: %w", err)
	}
	return nil
}

// ─── Dispatch ────────────────────────────────────────────────────────────────

func (q *Queue) dispatch() {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			it, cancel, ok := q.dequeue()
			if !ok {
				break
			}

			err := q.sink.Play(it.buf, cancel)

			q.mu.Lock()
			interrupted := q.cancelPlaying != cancel
			q.playing = false
			if !interrupted {
				q.cancelPlaying = nil
			}
			empty := len(q.fifo) == 0
			closed := q.closed
			q.mu.Unlock()

			if err != nil {
				slog.Warn("playback: sink error", "err", err)
			}
			if closed {
				return
			}
			if interrupted {
				// The interrupt path already signalled; the cleared FIFO
				// means this inner loop exits on the next dequeue.
				continue
			}
			if empty {
				if it.final {
					q.signal(SignalUtteranceComplete)
				}
				q.signal(SignalDrained)
			}
		}
	}
}

// dequeue pops the queue head and marks it playing. Returns ok=false when the
// queue is empty or closed.
func (q *Queue) dequeue() (it item, cancel chan struct{}, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.fifo) == 0 {
		return item{}, nil, false
	}
	it = q.fifo[0]
	q.fifo = q.fifo[1:]
	cancel = make(chan struct{})
	q.playing = true
	q.cancelPlaying = cancel
	return it, cancel, true
}

// markTailFinal transfers a dropped segment's final flag to the last queued
// (or currently playing) buffer so utterance completion still fires.
func (q *Queue) markTailFinal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.fifo); n > 0 {
		q.fifo[n-1].final = true
	}
	// If only the in-flight buffer remains there is no queued tail to mark;
	// the drained signal alone lets the engine recover via its drain path.
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) signal(t SignalType) {
	select {
	case q.signals <- Signal{Type: t}:
	default:
		slog.Warn("playback: signal dropped, consumer lagging", "type", t.String())
	}
}

// applyRamp scales the first d worth of samples linearly from 0 to full gain.
func applyRamp(buf *audio.PCMBuffer, d time.Duration) {
	if buf.SampleRate <= 0 || buf.Channels <= 0 {
		return
	}
	rampFrames := int(d.Seconds() * float64(buf.SampleRate))
	totalFrames := len(buf.Samples) / buf.Channels
	if rampFrames > totalFrames {
		rampFrames = totalFrames
	}
	for f := 0; f < rampFrames; f++ {
		gain := float64(f) / float64(rampFrames)
		for c := 0; c < buf.Channels; c++ {
			i := f*buf.Channels + c
			buf.Samples[i] = int16(float64(buf.Samples[i]) * gain)
		}
	}
}
