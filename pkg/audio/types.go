package audio

import "time"

// Frame represents a single frame of captured audio flowing through the
// pipeline. Frames are the atomic unit of audio transport: read from the
// capture device, analysed by the activity detector, and forwarded to the
// speech recognizer.
type Frame struct {
	// Data is raw little-endian PCM16. Sample rate and channel count are
	// determined by the capture config.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for recognizer input, 48000 for playback).
	SampleRate int

	// Channels: 1 for mono capture, 2 for stereo playback.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// PCMBuffer is a decoded, playable unit of audio. The playback queue decodes
// each incoming segment into one PCMBuffer and plays buffers strictly in
// arrival order.
type PCMBuffer struct {
	// Samples holds interleaved signed 16-bit PCM samples.
	Samples []int16

	// SampleRate in Hz of the decoded audio.
	SampleRate int

	// Channels is the number of interleaved channels (1 = mono, 2 = stereo).
	Channels int
}

// Duration returns the playback duration of the buffer. Returns zero if the
// buffer is empty or misconfigured.
func (b PCMBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 || b.Channels <= 0 || len(b.Samples) == 0 {
		return 0
	}
	frames := len(b.Samples) / b.Channels
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte, if any, is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
