// ABOUTME: Tests for the audio packet codec
// ABOUTME: Round trips, wire sizes and malformed stream handling
package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
)

func payloadOf(n int) []byte {
	r := rand.New(rand.NewPCG(uint64(n), 7))
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(r.UintN(256))
	}
	return p
}

func TestRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 4091, 4092, 4093, 10000} {
		payload := payloadOf(n)
		header := audio.WAVHeader(audio.CD, uint32(n))

		encoded, err := Encode(header, payload)
		require.NoError(t, err)

		_, total := PacketCount(n)
		expectedPackets := (n + DataSize - 1) / DataSize
		if n == 0 {
			expectedPackets = 1
		}
		assert.Equal(t, expectedPackets, total, "packets for %d bytes", n)
		assert.Len(t, encoded, 48+4096*expectedPackets, "encoded size for %d bytes", n)
		assert.Equal(t, EncodedSize(n), len(encoded))

		stream, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, header, stream.Header)
		assert.True(t, bytes.Equal(payload, stream.Payload), "payload mismatch for %d bytes", n)
	}
}

func TestEncodeLayout(t *testing.T) {
	payload := payloadOf(4093)
	header := audio.WAVHeader(audio.CD, 4093)

	encoded, err := Encode(header, payload)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(encoded[44:48]), "count is floor(len/4092)")

	second := encoded[48+PacketSize:]
	assert.Equal(t, uint32(4092), binary.LittleEndian.Uint32(second[:4]))
	assert.Equal(t, payload[4092], second[4])
	assert.Equal(t, make([]byte, DataSize-1), second[5:PacketSize], "final packet is zero padded")
}

func TestDecodeForeignHeaderKeepsPadding(t *testing.T) {
	header := bytes.Repeat([]byte{0xAB}, HeaderSize)

	for _, n := range []int{0, 5, 4092} {
		payload := payloadOf(n)
		encoded, err := Encode(header, payload)
		require.NoError(t, err)

		stream, err := Decode(encoded)
		require.NoError(t, err)

		_, total := PacketCount(n)
		require.Len(t, stream.Payload, total*DataSize)
		assert.Equal(t, payload, stream.Payload[:n])
	}
}

func TestWriteStreamMatchesEncode(t *testing.T) {
	payload := payloadOf(10000)
	header := audio.WAVHeader(audio.CD, 10000)

	var buf bytes.Buffer
	require.NoError(t, WriteStream(&buf, header, payload))

	encoded, err := Encode(header, payload)
	require.NoError(t, err)
	assert.Equal(t, encoded, buf.Bytes())
}

func TestReadStreamBackToBack(t *testing.T) {
	var buf bytes.Buffer
	first := payloadOf(8184) // exact multiple, no remainder packet
	second := payloadOf(3)

	require.NoError(t, WriteStream(&buf, audio.WAVHeader(audio.CD, 8184), first))
	require.NoError(t, WriteStream(&buf, audio.WAVHeader(audio.CD, 3), second))

	s1, err := ReadStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, first, s1.Payload)

	s2, err := ReadStream(&buf)
	require.NoError(t, err)
	assert.Equal(t, second, s2.Payload)

	_, err = ReadStream(&buf)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeErrors(t *testing.T) {
	header := audio.WAVHeader(audio.CD, 5000)
	valid, err := Encode(header, payloadOf(5000))
	require.NoError(t, err)

	outOfOrder := bytes.Clone(valid)
	binary.LittleEndian.PutUint32(outOfOrder[48+PacketSize:], 0)

	tests := []struct {
		name   string
		data   []byte
		target error
	}{
		{"empty", nil, io.ErrUnexpectedEOF},
		{"header only", valid[:HeaderSize], io.ErrUnexpectedEOF},
		{"truncated packet", valid[:len(valid)-10], io.ErrUnexpectedEOF},
		{"missing remainder", valid[:48+PacketSize], io.ErrUnexpectedEOF},
		{"out of order", outOfOrder, ErrOutOfOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)
			assert.True(t, errors.Is(err, tt.target), "expected %v, got %v", tt.target, err)
		})
	}
}

func TestEncodeRejectsBadHeader(t *testing.T) {
	_, err := Encode(make([]byte, 43), nil)
	assert.Error(t, err)
	assert.Error(t, WriteStream(io.Discard, make([]byte, 45), nil))
}

func TestDecodeRejectsHugeCount(t *testing.T) {
	data := make([]byte, HeaderSize+CountSize)
	binary.LittleEndian.PutUint32(data[HeaderSize:], MaxPackets)
	_, err := Decode(data)
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestTruncatedStreamDoesNotReserveAnnouncedSize(t *testing.T) {
	data := make([]byte, HeaderSize+CountSize)
	binary.LittleEndian.PutUint32(data[HeaderSize:], MaxPackets-1)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := Decode(data)
	runtime.ReadMemStats(&after)

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20), "a bare count must not reserve its announced payload")
}
