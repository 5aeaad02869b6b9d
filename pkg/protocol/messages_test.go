// ABOUTME: Tests for control-plane framing and payloads
// ABOUTME: Frame layout, size limits and typed decoding
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonate-duplex/pkg/audio"
	"github.com/Resonate-Protocol/resonate-duplex/pkg/reconcile"
)

func TestFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, TypeLogin, "req-1", Login{User: "ana", Password: "pw", ClientID: "c1"}))

	raw := buf.Bytes()
	n := binary.LittleEndian.Uint32(raw[:4])
	assert.Equal(t, int(n), len(raw)-4)
	assert.JSONEq(t,
		`{"type":"auth/login","id":"req-1","payload":{"user":"ana","password":"pw","client_id":"c1"}}`,
		string(raw[4:]))
}

func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, TypeSearch, "a", Search{Query: "gym"}))
	require.NoError(t, Send(&buf, TypeDisconnect, "b", nil))
	require.NoError(t, Send(&buf, TypeStreamStart, "c", StreamStart{
		OK: true, Song: 7, Size: 4144, Format: audio.CD,
	}))

	env, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeSearch, env.Type)
	q, err := Decode[Search](env)
	require.NoError(t, err)
	assert.Equal(t, "gym", q.Query)

	env, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeDisconnect, env.Type)
	assert.Empty(t, env.Payload)

	env, err = ReadFrame(&buf)
	require.NoError(t, err)
	start, err := Decode[StreamStart](env)
	require.NoError(t, err)
	assert.Equal(t, reconcile.SongID(7), start.Song)
	assert.Equal(t, audio.CD, start.Format)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSyncDiffOmitsEmptyCategories(t *testing.T) {
	env, err := New(TypeSyncDiff, "x", SyncDiff{Diff: reconcile.Diff{
		DeletePlaylists: []reconcile.PlaylistID{2},
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"diff":{"delete_playlists":[2]}}`, string(env.Payload))

	back, err := Decode[SyncDiff](env)
	require.NoError(t, err)
	assert.Nil(t, back.Diff.AddSongs)
	assert.Equal(t, []reconcile.PlaylistID{2}, back.Diff.DeletePlaylists)
}

func TestReadFrameErrors(t *testing.T) {
	tooBig := make([]byte, 4)
	binary.LittleEndian.PutUint32(tooBig, MaxFrameSize+1)

	truncated := make([]byte, 4, 8)
	binary.LittleEndian.PutUint32(truncated, 10)
	truncated = append(truncated, '{', '"')

	noType := []byte(`{"id":"1"}`)
	noTypeFrame := binary.LittleEndian.AppendUint32(nil, uint32(len(noType)))
	noTypeFrame = append(noTypeFrame, noType...)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"too large", tooBig, ErrFrameTooLarge},
		{"truncated body", truncated, io.ErrUnexpectedEOF},
		{"short prefix", []byte{1, 0}, io.ErrUnexpectedEOF},
		{"missing type", noTypeFrame, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestDecodeWrongShape(t *testing.T) {
	env := Envelope{Type: TypeAuthResult, Payload: []byte(`{"ok":"yes"}`)}
	_, err := Decode[AuthResult](env)
	assert.Error(t, err)
}
