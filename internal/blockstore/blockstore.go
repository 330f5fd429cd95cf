// Package blockstore persists the active-disable map so a controller
// restart resumes re-enable timers instead of forgetting disabled
// subscribers.
package blockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tetherguard/tether/internal/model"
)

// Store is the durable subscriber -> disable-entry map. Every mutation
// rewrites the backing file atomically (temp file + rename), so a crash
// leaves either the old or the new state, never a torn file.
type Store struct {
	mu   sync.Mutex
	path string
	m    map[string]model.BlockedSubscriber
}

// Open loads the store from path, creating an empty one when the file does
// not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, m: make(map[string]model.BlockedSubscriber)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var entries []model.BlockedSubscriber
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("blockstore: parse %s: %w", path, err)
	}
	for _, e := range entries {
		s.m[e.Subscriber] = e
	}
	return s, nil
}

// Put inserts or replaces the entry for a subscriber and persists.
func (s *Store) Put(e model.BlockedSubscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[e.Subscriber] = e
	return s.persistLocked()
}

// Get returns the entry for a subscriber.
func (s *Store) Get(subscriber string) (model.BlockedSubscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[subscriber]
	return e, ok
}

// Delete removes a subscriber's entry and persists. Deleting an absent
// subscriber is a no-op.
func (s *Store) Delete(subscriber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[subscriber]; !ok {
		return nil
	}
	delete(s.m, subscriber)
	return s.persistLocked()
}

// Expired returns the entries whose disable period has passed.
func (s *Store) Expired(now time.Time) []model.BlockedSubscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BlockedSubscriber
	for _, e := range s.m {
		if !now.Before(e.ExpiresAt) {
			out = append(out, e)
		}
	}
	return out
}

// List returns all entries ordered by subscriber.
func (s *Store) List() []model.BlockedSubscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BlockedSubscriber, 0, len(s.m))
	for _, e := range s.m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subscriber < out[j].Subscriber })
	return out
}

// Len returns the number of active entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *Store) persistLocked() error {
	entries := make([]model.BlockedSubscriber, 0, len(s.m))
	for _, e := range s.m {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Subscriber < entries[j].Subscriber })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("blockstore: encode: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("blockstore: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("blockstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("blockstore: rename %s: %w", tmp, err)
	}
	return nil
}
