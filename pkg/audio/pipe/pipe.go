// Package pipe adapts plain byte streams to the Verbano audio interfaces.
//
// It exists for headless operation and tooling: raw PCM16 piped in on stdin
// (e.g., from arecord or sox) becomes a [audio.CaptureDevice], and decoded
// agent audio is written as raw PCM16 to any io.Writer (e.g., piped to
// aplay). The pacing of Play matches the buffer's real duration so that
// interruption behaves like it would on a hardware output device.
package pipe

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/verbano-app/verbano/pkg/audio"
)

var (
	_ audio.CapturePlatform = (*Platform)(nil)
	_ audio.CaptureDevice   = (*device)(nil)
	_ audio.Sink            = (*Sink)(nil)
)

// Platform is an [audio.CapturePlatform] reading raw little-endian PCM16 from
// an io.Reader. A nil reader models a machine with no input device.
type Platform struct {
	// Reader is the PCM16 source. When nil, OpenCapture returns
	// [audio.ErrDeviceUnavailable].
	Reader io.Reader

	mu   sync.Mutex
	open bool
}

// OpenCapture implements [audio.CapturePlatform]. The device reads frames of
// cfg.FrameSizeMs until the reader is exhausted or the device is closed.
func (p *Platform) OpenCapture(_ context.Context, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	if p.Reader == nil {
		return nil, audio.ErrDeviceUnavailable
	}

	p.mu.Lock()
	if p.open {
		p.mu.Unlock()
		return nil, errors.New("pipe: capture already open")
	}
	p.open = true
	p.mu.Unlock()

	frameBytes := cfg.SampleRate * cfg.Channels * 2 * cfg.FrameSizeMs / 1000
	d := &device{
		platform: p,
		frames:   make(chan audio.Frame, 8),
		done:     make(chan struct{}),
	}
	go d.read(p.Reader, frameBytes, cfg)
	return d, nil
}

type device struct {
	platform *Platform
	frames   chan audio.Frame

	once sync.Once
	done chan struct{}
}

func (d *device) Frames() <-chan audio.Frame { return d.frames }

func (d *device) Close() error {
	d.once.Do(func() {
		close(d.done)
		d.platform.mu.Lock()
		d.platform.open = false
		d.platform.mu.Unlock()
	})
	return nil
}

// read slices the byte stream into fixed-size frames. It stops on EOF, read
// error, or Close; the frames channel is closed on exit so consumers see a
// clean end of stream.
func (d *device) read(r io.Reader, frameBytes int, cfg audio.CaptureConfig) {
	defer close(d.frames)

	start := time.Now()
	buf := make([]byte, frameBytes)
	for {
		select {
		case <-d.done:
			return
		default:
		}

		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		data := make([]byte, frameBytes)
		copy(data, buf)

		frame := audio.Frame{
			Data:       data,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Timestamp:  time.Since(start),
		}
		select {
		case d.frames <- frame:
		case <-d.done:
			return
		}
	}
}

// Sink is an [audio.Sink] writing raw little-endian PCM16 to an io.Writer,
// paced in real time so playback and interruption behave like a device.
type Sink struct {
	// W receives the PCM16 stream.
	W io.Writer

	// ChunkDuration is the pacing granularity. Default: 20 ms.
	ChunkDuration time.Duration

	mu sync.Mutex
}

// Play implements [audio.Sink]. The buffer is written in ChunkDuration slices
// with real-time pacing; a closed stop channel halts between slices.
func (s *Sink) Play(buf audio.PCMBuffer, stop <-chan struct{}) error {
	if buf.SampleRate <= 0 || buf.Channels <= 0 {
		return errors.New("pipe: invalid buffer format")
	}

	chunk := s.ChunkDuration
	if chunk <= 0 {
		chunk = 20 * time.Millisecond
	}
	samplesPerChunk := int(chunk.Seconds()*float64(buf.SampleRate)) * buf.Channels
	if samplesPerChunk <= 0 {
		samplesPerChunk = len(buf.Samples)
	}

	ticker := time.NewTicker(chunk)
	defer ticker.Stop()

	for off := 0; off < len(buf.Samples); off += samplesPerChunk {
		end := off + samplesPerChunk
		if end > len(buf.Samples) {
			end = len(buf.Samples)
		}

		s.mu.Lock()
		_, err := s.W.Write(audio.Int16sToBytes(buf.Samples[off:end]))
		s.mu.Unlock()
		if err != nil {
			return err
		}

		select {
		case <-stop:
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Close implements [audio.Sink]. The underlying writer is not owned by the
// sink and is left open.
func (s *Sink) Close() error { return nil }
