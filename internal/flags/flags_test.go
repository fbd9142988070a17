package flags

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissingFileReturnsZeroState(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "does-not-exist.json"))
	st, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, State{}, st)
}

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "flags.json")
	s := NewStore(path)

	want := State{ManualStop: true, WasStreaming: false}
	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStore_SaveOverwritesPreviousState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	s := NewStore(path)

	require.NoError(t, s.Save(State{ManualStop: false, WasStreaming: true}))
	require.NoError(t, s.Save(State{ManualStop: true, WasStreaming: true}))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, State{ManualStop: true, WasStreaming: true}, got)
}
