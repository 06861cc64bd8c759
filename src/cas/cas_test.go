package cas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Put([]byte("hello world"))
	require.NoError(t, err)
	assert.True(t, s.Contains(h))

	got, ok, err := s.Get(h)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello world", string(got))

	_, ok, err = s.Get(Sum([]byte("never stored")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutIsDeterministic(t *testing.T) {
	s := newTestStore(t)
	h1, err := s.Put([]byte("same content"))
	require.NoError(t, err)
	h2, err := s.Put([]byte("same content"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, int64(1), s.Stats().Objects)
}

func TestPutFileMatchesPut(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("streamed content"), 0644))

	h1, err := s.Put([]byte("streamed content"))
	require.NoError(t, err)
	h2, err := s.PutFile(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestMaterialize(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Put([]byte("payload"))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, s.Materialize(h, dest, 0644, false))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Put([]byte("to be removed"))
	require.NoError(t, err)
	require.NoError(t, s.Remove(h))
	assert.False(t, s.Contains(h))
	assert.Equal(t, int64(0), s.Stats().Objects)
}

func TestAll(t *testing.T) {
	s := newTestStore(t)
	h1, err := s.Put([]byte("one"))
	require.NoError(t, err)
	h2, err := s.Put([]byte("two"))
	require.NoError(t, err)

	hashes, err := s.All()
	require.NoError(t, err)
	assert.ElementsMatch(t, []ContentHash{h1, h2}, hashes)
}

func TestContentHashParseRoundTrip(t *testing.T) {
	h := Sum([]byte("round trip me"))
	parsed, err := ParseContentHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}
