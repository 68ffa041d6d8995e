// Package state persists the per-key session resumption record. The state
// file is the sole source of truth for which external conversation to
// resume; it lives on the shared volume next to the queue.
package state

import (
	"fmt"
	"path/filepath"

	"github.com/msageha/conduit/internal/jsonio"
	"github.com/msageha/conduit/internal/model"
)

type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the deterministic state file path for a key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, fmt.Sprintf("state_%s.json", model.SanitizeKey(key)))
}

// Load returns the persisted state for key. A missing file yields the zero
// value. A corrupt file is quarantined and also yields the zero value:
// losing a resume id degrades to starting a fresh conversation, which is
// always safe.
func (s *Store) Load(key string) model.SessionState {
	var st model.SessionState
	path := s.Path(key)
	if _, err := jsonio.ReadInto(path, &st); err != nil {
		_, _ = jsonio.Quarantine(filepath.Join(s.dir, "quarantine"), path)
		return model.SessionState{}
	}
	return st
}

// Save persists the state for key atomically, keeping a .bak of the
// previous version.
func (s *Store) Save(key string, st model.SessionState) error {
	if err := jsonio.AtomicWrite(s.Path(key), st); err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	return nil
}
