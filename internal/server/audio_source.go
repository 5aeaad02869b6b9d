// ABOUTME: Media normalisation from song audio references to canonical PCM tracks
// ABOUTME: Supports WAV, MP3, FLAC, Ogg Opus files and synthesised tones; results are cached
package server

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
	"gopkg.in/hraban/opus.v2"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
)

// Track is a song normalised for streaming
type Track struct {
	Format  audio.Format
	Header  []byte
	Payload []byte
}

func newTrack(f audio.Format, payload []byte) (*Track, error) {
	f.Codec = "pcm"
	if err := f.Validate(); err != nil {
		return nil, err
	}
	payload = payload[:len(payload)-len(payload)%f.BlockAlign()]
	return &Track{Format: f, Header: audio.WAVHeader(f, uint32(len(payload))), Payload: payload}, nil
}

type mediaEntry struct {
	once  sync.Once
	track *Track
	err   error
}

// Media resolves audio references. Relative paths are taken from root.
type Media struct {
	root   string
	logger *log.Logger

	mu    sync.Mutex
	cache map[string]*mediaEntry
}

// NewMedia creates a media resolver rooted at root
func NewMedia(root string, logger *log.Logger) *Media {
	if logger == nil {
		logger = log.Default()
	}
	return &Media{root: root, logger: logger.With("component", "media"), cache: make(map[string]*mediaEntry)}
}

// Load returns the normalised track for ref, decoding it on first use
func (m *Media) Load(ref string) (*Track, error) {
	m.mu.Lock()
	e, ok := m.cache[ref]
	if !ok {
		e = &mediaEntry{}
		m.cache[ref] = e
	}
	m.mu.Unlock()

	e.once.Do(func() {
		e.track, e.err = m.decode(ref)
		if e.err == nil {
			m.logger.Info("loaded media", "ref", ref, "format", e.track.Format.String(),
				"duration", e.track.Format.Duration(len(e.track.Payload)))
		}
	})

	if e.err != nil {
		// failures are not cached so a fixed file can be retried
		m.mu.Lock()
		if m.cache[ref] == e {
			delete(m.cache, ref)
		}
		m.mu.Unlock()
	}
	return e.track, e.err
}

func (m *Media) decode(ref string) (*Track, error) {
	if ref == "" {
		return nil, errors.New("song has no audio reference")
	}
	if strings.HasPrefix(ref, "tone:") {
		hz, d, err := parseTone(ref)
		if err != nil {
			return nil, err
		}
		tone := NewToneSource(hz)
		return newTrack(tone.Format(), tone.Render(d))
	}

	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.root, path)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio file not found: %s", ref)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		return decodeWAV(path)
	case ".mp3":
		return decodeMP3(path)
	case ".flac":
		return decodeFLAC(path)
	case ".opus", ".ogg":
		return decodeOpus(path)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .wav, .mp3, .flac, .opus)", ext)
	}
}

// decodeWAV walks the RIFF chunks so files with extra chunks are accepted
func decodeWAV(path string) (*Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV file: %w", err)
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%s: %w", path, audio.ErrNotWAV)
	}

	var (
		f       audio.Format
		haveFmt bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := data[off+8:]
		if size > len(body) {
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%s: short fmt chunk", path)
			}
			tag := binary.LittleEndian.Uint16(body[0:2])
			if tag != 1 && tag != 0xFFFE {
				return nil, fmt.Errorf("%s: unsupported WAVE encoding %#x", path, tag)
			}
			f = audio.Format{
				SampleRate: int(binary.LittleEndian.Uint32(body[4:8])),
				Channels:   int(binary.LittleEndian.Uint16(body[2:4])),
				BitDepth:   int(binary.LittleEndian.Uint16(body[14:16])),
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%s: data chunk before fmt chunk", path)
			}
			return newTrack(f, bytes.Clone(body))
		}
		off += 8 + size + size%2
	}
	return nil, fmt.Errorf("%s: no data chunk", path)
}

func decodeMP3(path string) (*Track, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	defer file.Close()

	decoder, err := mp3.NewDecoder(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}
	payload, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	// go-mp3 always produces 16-bit stereo
	return newTrack(audio.Format{SampleRate: decoder.SampleRate(), Channels: 2, BitDepth: 16}, payload)
}

func decodeFLAC(path string) (*Track, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	channels := int(info.NChannels)
	srcDepth := int(info.BitsPerSample)
	depth := 16
	if srcDepth > 16 {
		depth = 24
	}
	f := audio.Format{SampleRate: int(info.SampleRate), Channels: channels, BitDepth: depth}

	var payload []byte
	for {
		frame, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode FLAC frame: %w", err)
		}

		for i := 0; i < int(frame.BlockSize); i++ {
			for ch := 0; ch < channels; ch++ {
				sample := frame.Subframes[ch].Samples[i]
				if shift := srcDepth - depth; shift > 0 {
					sample >>= shift
				} else if shift < 0 {
					sample <<= -shift
				}
				if depth == 16 {
					payload = binary.LittleEndian.AppendUint16(payload, uint16(int16(sample)))
				} else {
					b := audio.SampleTo24Bit(sample)
					payload = append(payload, b[:]...)
				}
			}
		}
	}
	return newTrack(f, payload)
}

// opusChannels reads the channel count from the OpusHead packet on the first page
func opusChannels(data []byte) (int, error) {
	i := bytes.Index(data[:min(len(data), 512)], []byte("OpusHead"))
	if i < 0 || i+10 > len(data) {
		return 0, errors.New("missing OpusHead header")
	}
	channels := int(data[i+9])
	if channels < 1 || channels > 2 {
		return 0, fmt.Errorf("unsupported opus channel count: %d", channels)
	}
	return channels, nil
}

// decodeOpus decodes an Ogg Opus file; libopusfile always outputs 48kHz
func decodeOpus(path string) (*Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read opus file: %w", err)
	}
	channels, err := opusChannels(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	stream, err := opus.NewStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open opus stream: %w", err)
	}
	defer stream.Close()

	// 120ms is the largest opus frame
	pcm := make([]int16, 5760*channels)
	var payload []byte
	for {
		n, err := stream.Read(pcm)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode opus: %w", err)
		}
		for _, v := range pcm[:n*channels] {
			payload = binary.LittleEndian.AppendUint16(payload, uint16(v))
		}
	}
	return newTrack(audio.Format{SampleRate: 48000, Channels: channels, BitDepth: 16}, payload)
}
