package pipe_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/verbano-app/verbano/pkg/audio"
	"github.com/verbano-app/verbano/pkg/audio/pipe"
)

func TestPlatform_FramesStream(t *testing.T) {
	t.Parallel()

	cfg := audio.CaptureConfig{SampleRate: 16000, Channels: 1, FrameSizeMs: 20}
	frameBytes := 16000 * 2 * 20 / 1000

	raw := make([]byte, frameBytes*3+frameBytes/2) // three full frames plus a partial tail
	for i := range raw {
		raw[i] = byte(i)
	}

	p := &pipe.Platform{Reader: bytes.NewReader(raw)}
	dev, err := p.OpenCapture(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	defer dev.Close()

	var got []audio.Frame
	for f := range dev.Frames() {
		got = append(got, f)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 full frames, got %d", len(got))
	}
	for i, f := range got {
		if len(f.Data) != frameBytes {
			t.Errorf("frame %d: size %d, want %d", i, len(f.Data), frameBytes)
		}
		if f.SampleRate != cfg.SampleRate || f.Channels != cfg.Channels {
			t.Errorf("frame %d: format %d/%d, want %d/%d", i, f.SampleRate, f.Channels, cfg.SampleRate, cfg.Channels)
		}
	}
	if !bytes.Equal(got[1].Data, raw[frameBytes:2*frameBytes]) {
		t.Error("second frame does not match the corresponding input slice")
	}
}

func TestPlatform_NilReaderIsUnavailable(t *testing.T) {
	t.Parallel()

	p := &pipe.Platform{}
	_, err := p.OpenCapture(context.Background(), audio.CaptureConfig{SampleRate: 16000, Channels: 1, FrameSizeMs: 20})
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestPlatform_SecondOpenFailsUntilClose(t *testing.T) {
	t.Parallel()

	cfg := audio.CaptureConfig{SampleRate: 16000, Channels: 1, FrameSizeMs: 20}
	p := &pipe.Platform{Reader: bytes.NewReader(nil)}

	dev, err := p.OpenCapture(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first OpenCapture: %v", err)
	}
	if _, err := p.OpenCapture(context.Background(), cfg); err == nil {
		t.Fatal("expected second OpenCapture to fail while device is open")
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	dev2, err := p.OpenCapture(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenCapture after Close: %v", err)
	}
	dev2.Close()
}

func TestSink_WritesAllSamples(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := &pipe.Sink{W: &out, ChunkDuration: time.Millisecond}

	buf := audio.PCMBuffer{Samples: make([]int16, 480), SampleRate: 48000, Channels: 1}
	for i := range buf.Samples {
		buf.Samples[i] = int16(i)
	}

	if err := s.Play(buf, make(chan struct{})); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if out.Len() != len(buf.Samples)*2 {
		t.Fatalf("wrote %d bytes, want %d", out.Len(), len(buf.Samples)*2)
	}
	if got := audio.BytesToInt16s(out.Bytes()); got[479] != 479 {
		t.Errorf("last sample %d, want 479", got[479])
	}
}

func TestSink_StopHaltsPlayback(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := &pipe.Sink{W: &out, ChunkDuration: 5 * time.Millisecond}

	// One second of audio; stopping immediately must cut it short.
	buf := audio.PCMBuffer{Samples: make([]int16, 48000), SampleRate: 48000, Channels: 1}
	stop := make(chan struct{})
	close(stop)

	start := time.Now()
	if err := s.Play(buf, stop); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Play took %v despite closed stop channel", elapsed)
	}
	if out.Len() == len(buf.Samples)*2 {
		t.Error("expected playback to stop before writing the full buffer")
	}
}
