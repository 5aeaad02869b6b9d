// ABOUTME: Sine tone generator backing tone: audio references
// ABOUTME: Produces 16-bit PCM so libraries can be served without media files
package server

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
)

// ToneSource generates a sine wave in the CD format
type ToneSource struct {
	frequency   float64
	amplitude   float64
	format      audio.Format
	sampleIndex uint64
}

// NewToneSource creates a tone at frequency Hz, half scale
func NewToneSource(frequency float64) *ToneSource {
	return &ToneSource{frequency: frequency, amplitude: 0.5, format: audio.CD}
}

// Read fills samples with interleaved frames and returns the number of samples written
func (s *ToneSource) Read(samples []int16) int {
	channels := s.format.Channels
	frames := len(samples) / channels

	for i := 0; i < frames; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(s.format.SampleRate)
		v := int16(math.Sin(2*math.Pi*s.frequency*t) * math.MaxInt16 * s.amplitude)
		for ch := 0; ch < channels; ch++ {
			samples[i*channels+ch] = v
		}
	}
	s.sampleIndex += uint64(frames)
	return frames * channels
}

// Render returns d worth of little-endian PCM
func (s *ToneSource) Render(d time.Duration) []byte {
	frames := int(int64(s.format.SampleRate) * int64(d) / int64(time.Second))
	samples := make([]int16, frames*s.format.Channels)
	n := s.Read(samples)

	out := make([]byte, 0, n*2)
	for _, v := range samples[:n] {
		out = binary.LittleEndian.AppendUint16(out, uint16(v))
	}
	return out
}

// Format is the PCM format Render produces
func (s *ToneSource) Format() audio.Format { return s.format }

// parseTone reads "tone:<hz>:<seconds>"
func parseTone(ref string) (float64, time.Duration, error) {
	parts := strings.Split(strings.TrimPrefix(ref, "tone:"), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("tone reference must be tone:<hz>:<seconds>, got %q", ref)
	}
	hz, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || hz <= 0 {
		return 0, 0, fmt.Errorf("invalid tone frequency %q", parts[0])
	}
	secs, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || secs <= 0 || secs > 3600 {
		return 0, 0, fmt.Errorf("invalid tone length %q", parts[1])
	}
	return hz, time.Duration(secs * float64(time.Second)), nil
}
