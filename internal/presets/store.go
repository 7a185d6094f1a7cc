// Package presets persists named filter presets as opaque JSON blobs in a
// single file. The scanner does not interpret preset contents beyond checking
// they are valid JSON; clients round-trip them into scan specs.
package presets

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spreadscan/spreadscan/internal/models"
)

// Store is a file-backed preset collection. Writes go through a temp file and
// an atomic rename so a crash never leaves a torn file.
type Store struct {
	mu       sync.RWMutex
	filepath string
	data     *storeData
}

type storeData struct {
	Presets     map[string]json.RawMessage `json:"presets"`
	LastUpdated time.Time                  `json:"last_updated"`
}

// NewStore opens or creates the preset file at path.
func NewStore(path string) (*Store, error) {
	s := &Store{
		filepath: path,
		data:     &storeData{Presets: make(map[string]json.RawMessage)},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading presets: %w", err)
		}
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, s.data); err != nil {
		return err
	}
	if s.data.Presets == nil {
		s.data.Presets = make(map[string]json.RawMessage)
	}
	return nil
}

func (s *Store) save() error {
	s.data.LastUpdated = time.Now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// Get returns the preset blob for id.
func (s *Store) Get(id string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.data.Presets[id]
	return blob, ok
}

// List returns all preset ids in sorted order.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data.Presets))
	for id := range s.data.Presets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Put stores or replaces a preset. The blob must be valid JSON; its shape is
// otherwise opaque.
func (s *Store) Put(id string, blob json.RawMessage) error {
	if id == "" {
		return fmt.Errorf("%w: preset id is empty", models.ErrConfig)
	}
	if !json.Valid(blob) {
		return fmt.Errorf("%w: preset %s is not valid JSON", models.ErrConfig, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Presets[id] = append(json.RawMessage(nil), blob...)
	return s.save()
}

// Delete removes a preset; false when the id was unknown.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Presets[id]; !ok {
		return false, nil
	}
	delete(s.data.Presets, id)
	return true, s.save()
}
