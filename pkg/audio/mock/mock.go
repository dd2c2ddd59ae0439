// Package mock provides in-memory mock implementations of the
// [audio.CapturePlatform], [audio.CaptureDevice], and [audio.Sink] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields the test can set to control return values.
//
// Typical usage:
//
//	dev := mock.NewCaptureDevice(16)
//	platform := &mock.CapturePlatform{OpenResult: dev}
//	sink := &mock.Sink{}
package mock

import (
	"context"
	"sync"

	"github.com/verbano-app/verbano/pkg/audio"
)

// ─── CapturePlatform ─────────────────────────────────────────────────────────

// CapturePlatform is a mock implementation of [audio.CapturePlatform].
// Set the exported fields before use; inspect the Call fields after.
type CapturePlatform struct {
	mu sync.Mutex

	// OpenResult is returned by OpenCapture when OpenError is nil.
	OpenResult audio.CaptureDevice

	// OpenError is returned by OpenCapture when non-nil.
	OpenError error

	// OpenCalls records the config of every OpenCapture call, in order.
	OpenCalls []audio.CaptureConfig
}

// OpenCapture implements [audio.CapturePlatform].
func (p *CapturePlatform) OpenCapture(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, cfg)
	if p.OpenError != nil {
		return nil, p.OpenError
	}
	return p.OpenResult, nil
}

// ─── CaptureDevice ───────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice]. Tests push
// frames via [CaptureDevice.Push]; Close closes the frame channel exactly once.
type CaptureDevice struct {
	mu     sync.Mutex
	frames chan audio.Frame
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureDevice creates a mock device with the given frame channel buffer.
func NewCaptureDevice(buf int) *CaptureDevice {
	return &CaptureDevice{frames: make(chan audio.Frame, buf)}
}

// Push delivers a frame to the device's consumers. Push after Close panics,
// mirroring a misuse of the real device.
func (d *CaptureDevice) Push(f audio.Frame) {
	d.frames <- f
}

// Frames implements [audio.CaptureDevice].
func (d *CaptureDevice) Frames() <-chan audio.Frame { return d.frames }

// Close implements [audio.CaptureDevice]. Idempotent.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	if !d.closed {
		d.closed = true
		close(d.frames)
	}
	return nil
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// PlayCall records one Sink.Play invocation.
type PlayCall struct {
	// Buf is the buffer passed to Play.
	Buf audio.PCMBuffer

	// Interrupted reports whether the stop channel closed before the mock
	// released the call.
	Interrupted bool
}

// Sink is a mock implementation of [audio.Sink].
//
// By default Play returns immediately (instant completion). Set Hold to true
// to make Play block until [Sink.Release] is called or the stop channel
// closes; this is how tests simulate long buffers being interrupted mid-play.
type Sink struct {
	mu       sync.Mutex
	release  chan struct{}
	closed   bool

	// Hold makes Play block until Release or interruption.
	Hold bool

	// PlayError is returned by every Play call when non-nil.
	PlayError error

	// PlayCalls records every Play invocation, in order.
	PlayCalls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Play implements [audio.Sink].
func (s *Sink) Play(buf audio.PCMBuffer, stop <-chan struct{}) error {
	s.mu.Lock()
	hold := s.Hold
	if hold && s.release == nil {
		s.release = make(chan struct{}, 1)
	}
	release := s.release
	idx := len(s.PlayCalls)
	s.PlayCalls = append(s.PlayCalls, PlayCall{Buf: buf})
	err := s.PlayError
	s.mu.Unlock()

	if hold {
		select {
		case <-release:
		case <-stop:
			s.mu.Lock()
			s.PlayCalls[idx].Interrupted = true
			s.mu.Unlock()
		}
	}
	return err
}

// Release unblocks one held Play call, simulating natural completion.
func (s *Sink) Release() {
	s.mu.Lock()
	release := s.release
	s.mu.Unlock()
	if release != nil {
		release <- struct{}{}
	}
}

// Plays returns a copy of the recorded Play calls.
func (s *Sink) Plays() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayCall, len(s.PlayCalls))
	copy(out, s.PlayCalls)
	return out
}

// Close implements [audio.Sink]. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}
