// Package audio defines the interfaces and types for platform audio
// connectivity within Verbano.
//
// The engine never talks to OS audio APIs directly. Instead it is handed a
// narrow platform capability:
//
//   - [CapturePlatform] acquires an exclusive microphone handle and returns
//     a [CaptureDevice] streaming raw PCM frames.
//   - [Sink] is the audio output device that plays decoded buffers and reports
//     completion.
//
// Implementations of these interfaces are provided by platform-specific
// adapter packages (e.g., audio/pipe for stdio streams, audio/mock for tests).
// The interfaces are intentionally narrow so the call state machine and the
// activity detector stay decoupled from the capture substrate.
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by [CapturePlatform.OpenCapture] when the
// user or operating system refuses microphone access. Fatal to the attempted
// call; the caller must surface it and let the user retry.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrDeviceUnavailable is returned by [CapturePlatform.OpenCapture] when no
// audio input device exists.
var ErrDeviceUnavailable = errors.New("audio: no input device available")

// CaptureConfig describes the audio format requested from the capture device.
type CaptureConfig struct {
	// SampleRate is the requested sample rate in Hz. Common values: 16000, 48000.
	SampleRate int

	// Channels is the requested channel count. 1 = mono (recognizer input).
	Channels int

	// FrameSizeMs is the duration of each delivered frame in milliseconds.
	// Most capture substrates deliver 10–20 ms frames.
	FrameSizeMs int
}

// CaptureDevice is an exclusive handle to an open microphone stream.
//
// The Frames channel is closed when the device is closed or the underlying
// stream ends. Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Frames returns the read-only channel delivering captured PCM frames in
	// capture order. The channel is closed when the device closes.
	Frames() <-chan Frame

	// Close releases the microphone. Close is idempotent; subsequent calls
	// are no-ops and return nil.
	Close() error
}

// CapturePlatform acquires microphone handles. Exactly one CaptureDevice may
// be open per platform at a time; OpenCapture while a device is already open
// is an error.
//
// Implementations must be safe for concurrent use.
type CapturePlatform interface {
	// OpenCapture requests microphone access and starts the capture stream.
	// The supplied ctx governs the acquisition attempt only; once open, the
	// device remains alive until [CaptureDevice.Close].
	//
	// Returns [ErrPermissionDenied] if access is refused and
	// [ErrDeviceUnavailable] if no input device exists.
	OpenCapture(ctx context.Context, cfg CaptureConfig) (CaptureDevice, error)
}

// Sink is the audio output device. The playback queue schedules exactly one
// buffer at a time on the sink.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Play delivers buf to the output device and blocks until the buffer has
	// played to completion or stop is closed. A closed stop channel means the
	// queue was interrupted: playback must halt immediately, no fade-out
	// required. Play returns nil on both natural completion and interruption;
	// an error indicates the output device failed.
	Play(buf PCMBuffer, stop <-chan struct{}) error

	// Close releases the output device. Close is idempotent.
	Close() error
}
