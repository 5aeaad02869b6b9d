// ABOUTME: Software volume for little-endian PCM
// ABOUTME: Scales samples in place with clamping per bit depth
package sink

import (
	"encoding/binary"
	"math"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
)

// scale multiplies every whole sample in buf by level
func scale(buf []byte, bitDepth int, level float64) {
	if level >= 1 {
		return
	}
	if level <= 0 {
		clear(buf)
		return
	}

	switch bitDepth {
	case 16:
		for i := 0; i+2 <= len(buf); i += 2 {
			s := int16(binary.LittleEndian.Uint16(buf[i:]))
			v := clamp(float64(s)*level, math.MinInt16, math.MaxInt16)
			binary.LittleEndian.PutUint16(buf[i:], uint16(int16(v)))
		}
	case 24:
		for i := 0; i+3 <= len(buf); i += 3 {
			s := audio.SampleFrom24Bit([3]byte{buf[i], buf[i+1], buf[i+2]})
			v := int32(clamp(float64(s)*level, audio.Min24Bit, audio.Max24Bit))
			b := audio.SampleTo24Bit(v)
			copy(buf[i:i+3], b[:])
		}
	case 32:
		for i := 0; i+4 <= len(buf); i += 4 {
			s := int32(binary.LittleEndian.Uint32(buf[i:]))
			v := clamp(float64(s)*level, math.MinInt32, math.MaxInt32)
			binary.LittleEndian.PutUint32(buf[i:], uint32(int32(v)))
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
