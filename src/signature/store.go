package signature

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/hitzeleiter/hitzeleiter/src/cas"
)

// Key identifies a task for signature-storage purposes.
type Key struct {
	Recipe string
	Task   string
}

// Store is the persisted signature map (`signatures.json`), loaded at the
// start of a build for incremental analysis and rewritten at the end of
// every build. Safe for concurrent use.
type Store struct {
	path string
	mu   sync.RWMutex
	sigs map[Key]cas.ContentHash
}

// Load reads the signature store at path, returning an empty store if the
// file doesn't exist yet (first build) or is corrupt (treated the same as
// "no prior signatures" — correctness never depends on this file, only
// incrementality does).
func Load(path string) *Store {
	s := &Store{path: path, sigs: map[Key]cas.ContentHash{}}
	b, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var raw map[string]map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return s
	}
	for recipe, tasks := range raw {
		for task, hex := range tasks {
			h, err := cas.ParseContentHash(hex)
			if err != nil {
				continue
			}
			s.sigs[Key{Recipe: recipe, Task: task}] = h
		}
	}
	return s
}

// Unchanged reports whether sig matches the previously-recorded signature
// for key; a task with no prior recorded signature is always "changed".
func (s *Store) Unchanged(key Key, sig cas.ContentHash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	old, ok := s.sigs[key]
	return ok && old == sig
}

// Set records sig as the current signature for key, to be persisted by Save.
func (s *Store) Set(key Key, sig cas.ContentHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs[key] = sig
}

// Save writes the current signature map to the store's path as JSON.
func (s *Store) Save() error {
	s.mu.RLock()
	raw := map[string]map[string]string{}
	for key, sig := range s.sigs {
		if raw[key.Recipe] == nil {
			raw[key.Recipe] = map[string]string{}
		}
		raw[key.Recipe][key.Task] = sig.String()
	}
	s.mu.RUnlock()

	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "tmp-signatures-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
