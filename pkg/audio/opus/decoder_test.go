package opus

import (
	"errors"
	"testing"
)

func TestEncodePackets_RoundTripFraming(t *testing.T) {
	t.Parallel()

	payload, err := EncodePackets([]byte{0x01, 0x02}, []byte{0x03})
	if err != nil {
		t.Fatalf("EncodePackets() error: %v", err)
	}

	want := []byte{0x00, 0x02, 0x01, 0x02, 0x00, 0x01, 0x03}
	if len(payload) != len(want) {
		t.Fatalf("payload length = %d, want %d", len(payload), len(want))
	}
	for i := range want {
		if payload[i] != want[i] {
			t.Errorf("payload[%d] = %#x, want %#x", i, payload[i], want[i])
		}
	}
}

func TestEncodePackets_RejectsEmptyPacket(t *testing.T) {
	t.Parallel()

	if _, err := EncodePackets([]byte{}); err == nil {
		t.Error("EncodePackets() accepted an empty packet")
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	t.Parallel()

	dec, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder() error: %v", err)
	}

	if _, err := dec.Decode(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Decode(nil) error = %v, want ErrEmptyPayload", err)
	}
}

func TestDecode_TruncatedPrefix(t *testing.T) {
	t.Parallel()

	dec, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder() error: %v", err)
	}

	if _, err := dec.Decode([]byte{0x00}); err == nil {
		t.Error("Decode() accepted a truncated length prefix")
	}
}

func TestDecode_LengthExceedsPayload(t *testing.T) {
	t.Parallel()

	dec, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder() error: %v", err)
	}

	// Prefix declares 16 bytes but only 2 follow.
	if _, err := dec.Decode([]byte{0x00, 0x10, 0xAA, 0xBB}); err == nil {
		t.Error("Decode() accepted a length prefix past the payload end")
	}
}
