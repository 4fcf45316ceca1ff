// Package store provides flat-file JSON persistence for agent state.
//
// Every learned-state file (case log, bandit, knowledge base, entity memory,
// context quality, synthesized definitions, tool registry) lives as one JSON
// document under the data directory. Writes go through a temp file + rename
// so a crash never leaves a half-written state file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONStore reads and writes JSON documents under a base directory.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONStore creates the base directory if needed.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &JSONStore{dir: dir}, nil
}

// Dir returns the base directory.
func (s *JSONStore) Dir() string { return s.dir }

// Path returns the absolute path for a state file name.
func (s *JSONStore) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Load unmarshals the named file into v. A missing file is not an error:
// v is left untouched and (false, nil) is returned.
func (s *JSONStore) Load(name string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.Path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", name, err)
	}
	return true, nil
}

// Save marshals v and atomically replaces the named file.
func (s *JSONStore) Save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.writeAtomic(name, raw)
}

// SaveRaw atomically replaces the named file with pre-marshaled bytes.
func (s *JSONStore) SaveRaw(name string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(name, raw)
}

func (s *JSONStore) writeAtomic(name string, raw []byte) error {
	target := s.Path(name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Touch writes a marker file recording the current time (used for seeding
// staleness checks).
func (s *JSONStore) Touch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(name, []byte("{}"))
}

// ModTime returns the modification time of a file, or zero if missing.
func (s *JSONStore) ModTime(name string) (int64, bool) {
	info, err := os.Stat(s.Path(name))
	if err != nil {
		return 0, false
	}
	return info.ModTime().Unix(), true
}
