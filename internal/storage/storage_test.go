package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"distributed-register/internal/storage"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("sector-0", []byte("hello")))

	data, ok, err := s.Get("sector-0")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)
}

func TestGetMissingKey(t *testing.T) {
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)

	_, ok, err := s.Get("never-written")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutOverwritesPreviousValue(t *testing.T) {
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("k", []byte("v1")))
	require.NoError(t, s.Put("k", []byte("v2")))

	data, ok, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), data)
}

func TestReopenSeesPriorWrites(t *testing.T) {
	dir := t.TempDir()

	s1, err := storage.Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Put("k", []byte("persisted")))

	s2, err := storage.Open(dir)
	require.NoError(t, err)
	data, ok, err := s2.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), data)
}
