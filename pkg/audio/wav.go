// ABOUTME: Canonical 44-byte RIFF/WAVE header encoding and parsing
// ABOUTME: The header travels in front of every streamed payload
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of a canonical PCM WAVE header
const WAVHeaderSize = 44

// ErrNotWAV is returned when a header is not a canonical PCM WAVE header
var ErrNotWAV = errors.New("not a canonical PCM WAVE header")

// WAVHeader builds the canonical header for dataLen bytes of PCM in format f
func WAVHeader(f Format, dataLen uint32) []byte {
	h := make([]byte, WAVHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+dataLen)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(h[34:36], uint16(f.BitDepth))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataLen)
	return h
}

// ParseWAVHeader extracts the format and data length from a canonical header
func ParseWAVHeader(h []byte) (Format, uint32, error) {
	if len(h) < WAVHeaderSize {
		return Format{}, 0, fmt.Errorf("%w: %d bytes", ErrNotWAV, len(h))
	}
	if !bytes.Equal(h[0:4], []byte("RIFF")) || !bytes.Equal(h[8:12], []byte("WAVE")) ||
		!bytes.Equal(h[12:16], []byte("fmt ")) || !bytes.Equal(h[36:40], []byte("data")) {
		return Format{}, 0, ErrNotWAV
	}
	if tag := binary.LittleEndian.Uint16(h[20:22]); tag != 1 {
		return Format{}, 0, fmt.Errorf("%w: format tag %d", ErrNotWAV, tag)
	}

	f := Format{
		Codec:      "pcm",
		Channels:   int(binary.LittleEndian.Uint16(h[22:24])),
		SampleRate: int(binary.LittleEndian.Uint32(h[24:28])),
		BitDepth:   int(binary.LittleEndian.Uint16(h[34:36])),
	}
	return f, binary.LittleEndian.Uint32(h[40:44]), nil
}
