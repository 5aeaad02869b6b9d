// ABOUTME: Encoder and decoder for the indexed audio packet stream
// ABOUTME: Supports whole-buffer and io.Reader/io.Writer forms
package packet

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
)

const (
	// HeaderSize is the size of the leading stream header
	HeaderSize = audio.WAVHeaderSize

	// CountSize is the size of the packet count field
	CountSize = 4

	// DataSize is the payload capacity of one packet
	DataSize = 4092

	// PacketSize is the on-wire size of one packet (index + data)
	PacketSize = 4 + DataSize

	// MaxPackets bounds the packet count accepted by decoders (about 1 GiB of payload)
	MaxPackets = 1 << 18

	// preallocPackets caps the payload capacity reserved before packets are read
	preallocPackets = 256
)

// ErrOutOfOrder is wrapped by DecodeError when a packet index is not the next expected offset
var ErrOutOfOrder = errors.New("packet out of order")

// DecodeError reports a malformed or truncated stream
type DecodeError struct {
	Offset int64 // byte offset in the encoded stream where decoding failed
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("packet decode at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Packet is one fixed-size slice of the payload
type Packet struct {
	Index uint32 // byte offset of Data within the decoded payload
	Data  [DataSize]byte
}

// Stream is a decoded audio stream
type Stream struct {
	Header  []byte
	Payload []byte
}

// Format returns the PCM format carried in the stream header
func (s *Stream) Format() (audio.Format, error) {
	f, _, err := audio.ParseWAVHeader(s.Header)
	return f, err
}

// PacketCount returns the value of the count field and the total number of packets for a payload length
func PacketCount(payloadLen int) (count, total int) {
	count = payloadLen / DataSize
	total = count
	if payloadLen%DataSize != 0 || payloadLen == 0 {
		total++
	}
	return count, total
}

// EncodedSize returns the size of the encoded stream for a payload length
func EncodedSize(payloadLen int) int {
	_, total := PacketCount(payloadLen)
	return HeaderSize + CountSize + total*PacketSize
}

// Encode frames header and payload into a single buffer
func Encode(header, payload []byte) ([]byte, error) {
	if len(header) != HeaderSize {
		return nil, fmt.Errorf("header must be %d bytes, got %d", HeaderSize, len(header))
	}
	if _, total := PacketCount(len(payload)); total > MaxPackets {
		return nil, fmt.Errorf("payload too large: %d packets", total)
	}

	out := make([]byte, 0, EncodedSize(len(payload)))
	out = append(out, header...)

	count, total := PacketCount(len(payload))
	out = binary.LittleEndian.AppendUint32(out, uint32(count))

	for i := 0; i < total; i++ {
		offset := i * DataSize
		out = binary.LittleEndian.AppendUint32(out, uint32(offset))

		end := min(offset+DataSize, len(payload))
		out = append(out, payload[offset:end]...)
		// Zero padding for the final packet
		out = append(out, make([]byte, DataSize-(end-offset))...)
	}

	return out, nil
}

// WriteStream encodes header and payload directly to w
func WriteStream(w io.Writer, header, payload []byte) error {
	if len(header) != HeaderSize {
		return fmt.Errorf("header must be %d bytes, got %d", HeaderSize, len(header))
	}

	bw := bufio.NewWriterSize(w, 16*PacketSize)
	if _, err := bw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	count, total := PacketCount(len(payload))
	if total > MaxPackets {
		return fmt.Errorf("payload too large: %d packets", total)
	}

	var scratch [PacketSize]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(count))
	if _, err := bw.Write(scratch[:4]); err != nil {
		return fmt.Errorf("write packet count: %w", err)
	}

	for i := 0; i < total; i++ {
		offset := i * DataSize
		end := min(offset+DataSize, len(payload))

		clear(scratch[:])
		binary.LittleEndian.PutUint32(scratch[:4], uint32(offset))
		copy(scratch[4:], payload[offset:end])

		if _, err := bw.Write(scratch[:]); err != nil {
			return fmt.Errorf("write packet %d: %w", i, err)
		}
	}

	return bw.Flush()
}

// Decode reverses Encode. When the header is a canonical WAVE header the payload
// is trimmed to its data length; otherwise the zero padding of the final packet
// is kept.
func Decode(data []byte) (*Stream, error) {
	if len(data) < HeaderSize+CountSize {
		return nil, &DecodeError{Offset: int64(len(data)), Err: io.ErrUnexpectedEOF}
	}
	return ReadStream(bytes.NewReader(data))
}

// ReadStream decodes one stream from r, reading packets in order. With a WAVE
// header the trailing packet is located from the header's data length, so
// streams can be read back to back from a connection. Other headers rely on
// io.EOF to detect a missing remainder packet.
func ReadStream(r io.Reader) (*Stream, error) {
	var offset int64

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, &DecodeError{Offset: offset, Err: err}
	}
	offset += HeaderSize

	var countBuf [CountSize]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, &DecodeError{Offset: offset, Err: noEOF(err)}
	}
	offset += CountSize

	count := int(binary.LittleEndian.Uint32(countBuf[:]))
	if count >= MaxPackets {
		return nil, &DecodeError{Offset: offset - CountSize, Err: fmt.Errorf("packet count %d exceeds limit", count)}
	}

	// Only the leading count packets are announced. The trailing remainder
	// packet is bounded by the WAVE data length when the header carries one.
	total := count + 1
	_, dataLen, wavErr := audio.ParseWAVHeader(header)
	if wavErr == nil {
		if _, t := PacketCount(int(dataLen)); t == count {
			total = count
		}
	}

	// the count is untrusted until the packets arrive
	payload := make([]byte, 0, min(total, preallocPackets)*DataSize)
	var pkt [PacketSize]byte
	for i := 0; i < total; i++ {
		n, err := io.ReadFull(r, pkt[:])
		if err != nil {
			// A stream without a remainder packet ends cleanly after count packets
			if i == count && n == 0 && errors.Is(err, io.EOF) && wavErr != nil {
				break
			}
			return nil, &DecodeError{Offset: offset, Err: noEOF(err)}
		}

		index := binary.LittleEndian.Uint32(pkt[:4])
		if want := uint32(i * DataSize); index != want {
			return nil, &DecodeError{Offset: offset, Err: fmt.Errorf("%w: index %d, want %d", ErrOutOfOrder, index, want)}
		}

		payload = append(payload, pkt[4:]...)
		offset += PacketSize
	}

	if wavErr == nil && int(dataLen) <= len(payload) {
		payload = payload[:dataLen]
	}

	return &Stream{Header: header, Payload: payload}, nil
}

// noEOF turns a clean EOF inside a stream into ErrUnexpectedEOF
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
