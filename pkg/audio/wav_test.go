// ABOUTME: Tests for WAVE header helpers
// ABOUTME: Covers round trips and rejection of foreign headers
package audio

import (
	"errors"
	"testing"
)

func TestWAVHeaderRoundTrip(t *testing.T) {
	format := Format{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 24}

	h := WAVHeader(format, 12345)
	if len(h) != WAVHeaderSize {
		t.Fatalf("expected %d bytes, got %d", WAVHeaderSize, len(h))
	}

	got, dataLen, err := ParseWAVHeader(h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != format {
		t.Errorf("expected %v, got %v", format, got)
	}
	if dataLen != 12345 {
		t.Errorf("expected data length 12345, got %d", dataLen)
	}
}

func TestParseWAVHeaderRejects(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
	}{
		{"short", []byte("RIFF")},
		{"zeros", make([]byte, WAVHeaderSize)},
		{"float", func() []byte {
			h := WAVHeader(CD, 0)
			h[20] = 3
			return h
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseWAVHeader(tt.header)
			if !errors.Is(err, ErrNotWAV) {
				t.Errorf("expected ErrNotWAV, got %v", err)
			}
		})
	}
}
