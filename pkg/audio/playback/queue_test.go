package playback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/verbano-app/verbano/pkg/audio"
	"github.com/verbano-app/verbano/pkg/audio/mock"
	"github.com/verbano-app/verbano/pkg/audio/playback"
)

// stubDecoder turns each payload byte into one PCM sample, so tests can
// identify buffers by length. Payloads listed in failOn return an error.
type stubDecoder struct {
	failOn map[string]bool
}

func (d stubDecoder) Decode(payload []byte) (audio.PCMBuffer, error) {
	if d.failOn[string(payload)] {
		return audio.PCMBuffer{}, errors.New("stub: corrupt segment")
	}
	return audio.PCMBuffer{
		Samples:    make([]int16, len(payload)),
		SampleRate: 48000,
		Channels:   1,
	}, nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// nextSignal reads one signal or fails after a timeout.
func nextSignal(t *testing.T, q *playback.Queue) playback.Signal {
	t.Helper()
	select {
	case s := <-q.Signals():
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a queue signal")
		return playback.Signal{}
	}
}

func TestQueue_PlaysInArrivalOrder(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	q := playback.New(sink, stubDecoder{}, playback.WithRamp(0))
	defer q.Close()

	q.Enqueue(make([]byte, 1), false)
	q.Enqueue(make([]byte, 2), false)
	q.Enqueue(make([]byte, 3), true)

	waitFor(t, "3 plays", func() bool { return len(sink.Plays()) == 3 })

	plays := sink.Plays()
	for i, wantLen := range []int{1, 2, 3} {
		if got := len(plays[i].Buf.Samples); got != wantLen {
			t.Errorf("plays[%d] has %d samples, want %d", i, got, wantLen)
		}
	}

	if s := nextSignal(t, q); s.Type != playback.SignalUtteranceComplete {
		t.Errorf("first signal = %v, want UTTERANCE_COMPLETE", s.Type)
	}
	if s := nextSignal(t, q); s.Type != playback.SignalDrained {
		t.Errorf("second signal = %v, want DRAINED", s.Type)
	}

	// Exactly once: no further signals are pending.
	select {
	case s := <-q.Signals():
		t.Errorf("unexpected extra signal %v", s.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueue_InterruptStopsAndClears(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Hold: true}
	q := playback.New(sink, stubDecoder{}, playback.WithRamp(0))
	defer q.Close()

	q.Enqueue(make([]byte, 1), false)
	q.Enqueue(make([]byte, 2), false)
	q.Enqueue(make([]byte, 3), true)

	// Let the first buffer complete naturally.
	waitFor(t, "first play", func() bool { return len(sink.Plays()) == 1 })
	sink.Release()

	// Barge in while the second is playing.
	waitFor(t, "second play", func() bool { return len(sink.Plays()) == 2 })
	q.Interrupt()

	if s := nextSignal(t, q); s.Type != playback.SignalInterrupted {
		t.Fatalf("signal after Interrupt = %v, want INTERRUPTED", s.Type)
	}

	waitFor(t, "second play interrupted", func() bool {
		plays := sink.Plays()
		return len(plays) == 2 && plays[1].Interrupted
	})

	// The third segment was cleared and must never play; a new enqueue
	// starts a fresh utterance unaffected by the cleared queue.
	q.Enqueue(make([]byte, 9), true)
	waitFor(t, "fresh play", func() bool { return len(sink.Plays()) == 3 })
	if got := len(sink.Plays()[2].Buf.Samples); got != 9 {
		t.Errorf("fresh play has %d samples, want 9", got)
	}
	sink.Release()

	if s := nextSignal(t, q); s.Type != playback.SignalUtteranceComplete {
		t.Errorf("signal after fresh utterance = %v, want UTTERANCE_COMPLETE", s.Type)
	}
}

func TestQueue_InterruptIdleIsSilentNoop(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	q := playback.New(sink, stubDecoder{}, playback.WithRamp(0))
	defer q.Close()

	q.Interrupt()
	q.Interrupt()

	select {
	case s := <-q.Signals():
		t.Errorf("idle Interrupt produced signal %v", s.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueue_DecodeFailureDropsOnlyThatSegment(t *testing.T) {
	t.Parallel()

	var decodeErrs int
	sink := &mock.Sink{}
	dec := stubDecoder{failOn: map[string]bool{"\x02\x02": true}}
	q := playback.New(sink, dec,
		playback.WithRamp(0),
		playback.WithDecodeErrorHandler(func(error) { decodeErrs++ }),
	)
	defer q.Close()

	q.Enqueue([]byte{1}, false)
	q.Enqueue([]byte{2, 2}, false) // corrupt
	q.Enqueue([]byte{3, 3, 3}, true)

	waitFor(t, "2 plays", func() bool { return len(sink.Plays()) == 2 })

	plays := sink.Plays()
	if len(plays[0].Buf.Samples) != 1 || len(plays[1].Buf.Samples) != 3 {
		t.Errorf("played sample counts = [%d, %d], want [1, 3]",
			len(plays[0].Buf.Samples), len(plays[1].Buf.Samples))
	}
	if decodeErrs != 1 {
		t.Errorf("decode error handler calls = %d, want 1", decodeErrs)
	}
	if s := nextSignal(t, q); s.Type != playback.SignalUtteranceComplete {
		t.Errorf("signal = %v, want UTTERANCE_COMPLETE", s.Type)
	}
}

func TestQueue_DroppedFinalStillCompletesUtterance(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	dec := stubDecoder{failOn: map[string]bool{"\xFF": true}}
	q := playback.New(sink, dec, playback.WithRamp(0))
	defer q.Close()

	// The only segment of the utterance is corrupt.
	q.Enqueue([]byte{0xFF}, true)

	if s := nextSignal(t, q); s.Type != playback.SignalUtteranceComplete {
		t.Errorf("signal = %v, want UTTERANCE_COMPLETE", s.Type)
	}
	if len(sink.Plays()) != 0 {
		t.Errorf("plays = %d, want 0", len(sink.Plays()))
	}
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	q := playback.New(sink, stubDecoder{})

	if err := q.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if sink.CallCountClose != 1 {
		t.Errorf("sink Close calls = %d, want 1", sink.CallCountClose)
	}
}
