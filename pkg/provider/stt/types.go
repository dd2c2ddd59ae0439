package stt

import "time"

// Transcript is a single recognition result emitted by a streaming session.
type Transcript struct {
	// Text is the recognized text. May be empty for interim results while the
	// provider is still guessing.
	Text string

	// IsFinal reports whether the provider has committed to this result.
	// Final transcripts are authoritative; interim transcripts may be revised
	// or replaced by later results.
	IsFinal bool

	// Confidence is the provider's confidence in the result, in [0, 1].
	// Providers that do not report confidence leave it at 0.
	Confidence float64

	// Timestamp is when the result was received, set by the session.
	Timestamp time.Time
}
