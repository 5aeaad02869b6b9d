// ABOUTME: Tests for audio types
// ABOUTME: Covers format arithmetic, validation and 24-bit packing
package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatArithmetic(t *testing.T) {
	assert.Equal(t, 4, CD.BlockAlign())
	assert.Equal(t, 176400, CD.BytesPerSecond())
	assert.Equal(t, 100*time.Millisecond, CD.Duration(17640))
	assert.Zero(t, Format{}.Duration(1000))
	assert.Equal(t, "44100Hz/2ch/16bit", CD.String())

	hiRes := Format{SampleRate: 96000, Channels: 2, BitDepth: 24}
	assert.Equal(t, 6, hiRes.BlockAlign())
	assert.Equal(t, time.Second, hiRes.Duration(576000))
}

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		wantErr string
	}{
		{"cd", CD, ""},
		{"mono 24-bit", Format{SampleRate: 48000, Channels: 1, BitDepth: 24}, ""},
		{"zero rate", Format{Channels: 2, BitDepth: 16}, "sample rate"},
		{"no channels", Format{SampleRate: 44100, BitDepth: 16}, "channel count"},
		{"too many channels", Format{SampleRate: 44100, Channels: 9, BitDepth: 16}, "channel count"},
		{"12-bit", Format{SampleRate: 48000, Channels: 2, BitDepth: 12}, "bit depth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSample24BitPacking(t *testing.T) {
	tests := []struct {
		name   string
		sample int32
		packed [3]byte
	}{
		{"zero", 0, [3]byte{0, 0, 0}},
		{"positive", 0x123456, [3]byte{0x56, 0x34, 0x12}},
		{"negative", -256, [3]byte{0x00, 0xFF, 0xFF}},
		{"max", Max24Bit, [3]byte{0xFF, 0xFF, 0x7F}},
		{"min", Min24Bit, [3]byte{0x00, 0x00, 0x80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.packed, SampleTo24Bit(tt.sample))
			assert.Equal(t, tt.sample, SampleFrom24Bit(tt.packed))
		})
	}
}
