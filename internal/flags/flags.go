// Package flags persists the small set of booleans the publisher needs to
// survive a process restart: whether the last stop was user-initiated, and
// whether a stream was in progress when the process last exited. This is a
// thin JSON file, not a database - there are exactly two fields and no
// query surface, so a key-value store or embedded database would be solving
// a problem this package doesn't have.
package flags

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/st-vunguyen/rtmp-publisher/internal/errors"
)

// State is the persisted flag set.
type State struct {
	ManualStop   bool `json:"manual_stop"`
	WasStreaming bool `json:"was_streaming"`
}

// Store loads and saves State to a JSON file, serializing concurrent access.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a Store backed by path. The file is not created until the
// first Save call.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted state. A missing file is not an error: it
// returns the zero State, the same as a first run.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, errors.NewIoError("flags.load", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, errors.NewInvalidInput("flags.load.decode", err)
	}
	return st, nil
}

// Save writes st to the backing file, creating parent directories as
// needed. The data is written to a temporary file beside it and renamed into
// place, so a reader never sees a half-written file.
func (s *Store) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.NewIoError("flags.save.mkdir", err)
		}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.NewInvalidInput("flags.save.encode", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.NewIoError("flags.save.write", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.NewIoError("flags.save.rename", err)
	}
	return nil
}
