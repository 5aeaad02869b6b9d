// ABOUTME: Tests for media resolution and decoding
// ABOUTME: Tone references and WAV files written to a temp dir
package server

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
)

func quietLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{Level: log.FatalLevel})
}

func TestParseTone(t *testing.T) {
	tests := []struct {
		ref     string
		hz      float64
		d       time.Duration
		wantErr bool
	}{
		{ref: "tone:440:1", hz: 440, d: time.Second},
		{ref: "tone:1000:0.5", hz: 1000, d: 500 * time.Millisecond},
		{ref: "tone:440", wantErr: true},
		{ref: "tone:abc:1", wantErr: true},
		{ref: "tone:-5:1", wantErr: true},
		{ref: "tone:440:0", wantErr: true},
		{ref: "tone:440:7200", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			hz, d, err := parseTone(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hz, hz)
			assert.Equal(t, tt.d, d)
		})
	}
}

func TestToneSourceRender(t *testing.T) {
	tone := NewToneSource(440)
	pcm := tone.Render(100 * time.Millisecond)

	assert.Equal(t, audio.CD, tone.Format())
	assert.Len(t, pcm, 4410*4)

	// first frame is the zero crossing, later frames are not silent
	assert.Equal(t, []byte{0, 0, 0, 0}, pcm[:4])
	assert.NotEqual(t, make([]byte, 4), pcm[40:44])

	// stereo channels carry the same sample
	assert.Equal(t, pcm[40:42], pcm[42:44])
}

func TestMediaLoadTone(t *testing.T) {
	m := NewMedia(t.TempDir(), quietLogger())

	track, err := m.Load("tone:440:0.1")
	require.NoError(t, err)
	assert.Equal(t, audio.CD, track.Format)
	assert.Len(t, track.Payload, 4410*4)

	f, size, err := audio.ParseWAVHeader(track.Header)
	require.NoError(t, err)
	assert.Equal(t, audio.CD, f)
	assert.Equal(t, uint32(len(track.Payload)), size)

	again, err := m.Load("tone:440:0.1")
	require.NoError(t, err)
	assert.Same(t, track, again)
}

func writeWAV(t *testing.T, path string, f audio.Format, extra []byte, payload []byte) {
	t.Helper()
	header := audio.WAVHeader(f, uint32(len(payload)))

	var buf bytes.Buffer
	buf.Write(header[:36])
	buf.Write(extra)
	buf.Write(header[36:])
	buf.Write(payload)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func listChunk(body string) []byte {
	out := []byte("LIST")
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	if len(body)%2 == 1 {
		out = append(out, 0)
	}
	return out
}

func TestMediaLoadWAV(t *testing.T) {
	dir := t.TempDir()
	f := audio.Format{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 24}
	payload := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6}, 100)

	t.Run("plain", func(t *testing.T) {
		writeWAV(t, filepath.Join(dir, "plain.wav"), f, nil, payload)
		track, err := NewMedia(dir, quietLogger()).Load("plain.wav")
		require.NoError(t, err)
		assert.Equal(t, f, track.Format)
		assert.Equal(t, payload, track.Payload)
	})

	t.Run("extra chunks", func(t *testing.T) {
		writeWAV(t, filepath.Join(dir, "tagged.wav"), f, listChunk("INFOabc"), payload)
		track, err := NewMedia(dir, quietLogger()).Load("tagged.wav")
		require.NoError(t, err)
		assert.Equal(t, payload, track.Payload)
	})

	t.Run("partial frame trimmed", func(t *testing.T) {
		writeWAV(t, filepath.Join(dir, "odd.wav"), f, nil, append(bytes.Clone(payload), 9, 9))
		track, err := NewMedia(dir, quietLogger()).Load("odd.wav")
		require.NoError(t, err)
		assert.Equal(t, payload, track.Payload)
	})

	t.Run("absolute path", func(t *testing.T) {
		track, err := NewMedia("/nonexistent", quietLogger()).Load(filepath.Join(dir, "plain.wav"))
		require.NoError(t, err)
		assert.Len(t, track.Payload, len(payload))
	})

	t.Run("not a wav", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.wav"), []byte("definitely not riff data"), 0o644))
		_, err := NewMedia(dir, quietLogger()).Load("junk.wav")
		assert.ErrorIs(t, err, audio.ErrNotWAV)
	})
}

func TestMediaErrors(t *testing.T) {
	dir := t.TempDir()
	m := NewMedia(dir, quietLogger())

	_, err := m.Load("")
	assert.Error(t, err)

	_, err = m.Load("missing.wav")
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "song.aiff"), []byte("x"), 0o644))
	_, err = m.Load("song.aiff")
	assert.ErrorContains(t, err, "unsupported")
}

func TestMediaRetriesFailedLoads(t *testing.T) {
	dir := t.TempDir()
	m := NewMedia(dir, quietLogger())

	_, err := m.Load("later.wav")
	require.Error(t, err)

	writeWAV(t, filepath.Join(dir, "later.wav"), audio.CD, nil, make([]byte, 400))
	track, err := m.Load("later.wav")
	require.NoError(t, err)
	assert.Len(t, track.Payload, 400)
}

func TestOpusChannels(t *testing.T) {
	head := append([]byte("OggS....OpusHead"), 1, 2)
	n, err := opusChannels(head)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = opusChannels([]byte("OggS no header here"))
	assert.Error(t, err)
}
