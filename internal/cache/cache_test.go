package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingopod/avatarclient/internal/audio"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audio.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := openTestStore(t)

	buf := &audio.Buffer{SampleRate: 16000, Channels: 1, PCM: []int16{1, -2, 32767, -32768}}
	raw := []byte{0xAA, 0xBB, 0xCC}
	require.NoError(t, s.Save("m1", raw, buf))

	got, err := s.Load("m1")
	require.NoError(t, err)
	assert.Equal(t, buf.SampleRate, got.SampleRate)
	assert.Equal(t, buf.Channels, got.Channels)
	assert.Equal(t, buf.PCM, got.PCM)
}

func TestLoadMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContentKeyStable(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	k1 := ContentKey(data)
	k2 := ContentKey(data)
	assert.Equal(t, k1, k2)

	// A change in the tail changes the key.
	data[len(data)-1] ^= 0xFF
	assert.NotEqual(t, k1, ContentKey(data))
}

func TestDuplicateContentDeduped(t *testing.T) {
	s := openTestStore(t)
	buf := &audio.Buffer{SampleRate: 16000, Channels: 1, PCM: []int16{5, 6}}
	raw := []byte{1, 2, 3, 4}

	require.NoError(t, s.Save("m1", raw, buf))
	// Same payload under a new message id: the first row wins.
	require.NoError(t, s.Save("m2", raw, buf))

	got, err := s.LoadByContent(ContentKey(raw))
	require.NoError(t, err)
	assert.Equal(t, buf.PCM, got.PCM)

	_, err = s.Load("m2")
	assert.ErrorIs(t, err, ErrNotFound, "duplicate content should not create a second row")
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	buf := &audio.Buffer{SampleRate: 16000, Channels: 1, PCM: []int16{5}}
	require.NoError(t, s.Save("m1", []byte{1}, buf))

	removed, err := s.Prune(time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Load("m1")
	assert.ErrorIs(t, err, ErrNotFound)
}
