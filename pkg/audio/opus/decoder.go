// Package opus decodes agent audio segments into playable PCM buffers.
//
// A segment payload is a sequence of Opus packets, each prefixed with a
// big-endian uint16 length. Packetising keeps the wire format self-delimiting
// (raw Opus packets are not) while letting one segment carry an arbitrary
// stretch of audio. The decoder is stateful: consecutive packets of one
// utterance must be decoded by the same decoder instance so the codec's
// prediction state carries across packet boundaries.
package opus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/verbano-app/verbano/pkg/audio"
)

// Agent audio is delivered as 48 kHz mono Opus at up to 120 ms per packet.
const (
	sampleRate = 48000
	channels   = 1

	// maxFrameSize is the largest per-packet sample count Opus permits
	// (120 ms at 48 kHz).
	maxFrameSize = sampleRate * 120 / 1000
)

// ErrEmptyPayload is returned when a segment contains no packets.
var ErrEmptyPayload = errors.New("opus: empty segment payload")

// Decoder converts packetised Opus segment payloads into [audio.PCMBuffer]s.
//
// Decoder is not safe for concurrent use; the playback queue decodes from a
// single goroutine.
type Decoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates a Decoder for 48 kHz mono agent audio.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode parses the length-prefixed packet sequence in payload and decodes
// each packet, returning the concatenated PCM. A malformed length prefix or a
// packet the codec rejects fails the whole segment: the caller drops it and
// continues with the next segment.
func (d *Decoder) Decode(payload []byte) (audio.PCMBuffer, error) {
	if len(payload) == 0 {
		return audio.PCMBuffer{}, ErrEmptyPayload
	}

	var samples []int16
	rest := payload
	for len(rest) > 0 {
		if len(rest) < 2 {
			return audio.PCMBuffer{}, fmt.Errorf("opus: truncated packet length prefix")
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if n == 0 || n > len(rest) {
			return audio.PCMBuffer{}, fmt.Errorf("opus: packet length %d exceeds remaining %d bytes", n, len(rest))
		}

		pcm, err := d.dec.Decode(rest[:n], maxFrameSize, false)
		if err != nil {
			return audio.PCMBuffer{}, fmt.Errorf("opus: decode packet: %w", err)
		}
		samples = append(samples, pcm...)
		rest = rest[n:]
	}

	return audio.PCMBuffer{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

// EncodePackets builds a segment payload from raw Opus packets. It is the
// inverse of the framing [Decoder.Decode] expects and exists mainly for tests
// and tooling that fabricate segments.
func EncodePackets(packets ...[]byte) ([]byte, error) {
	var out []byte
	for i, p := range packets {
		if len(p) == 0 || len(p) > 0xFFFF {
			return nil, fmt.Errorf("opus: packet %d has invalid length %d", i, len(p))
		}
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], uint16(len(p)))
		out = append(out, prefix[:]...)
		out = append(out, p...)
	}
	return out, nil
}
