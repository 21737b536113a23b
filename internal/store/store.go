// Package store holds the in-memory flag cache that evaluations read from.
package store

import (
	"sort"
	"sync"

	"github.com/matt-riley/flagkit/internal/core"
)

// ChangeEvent describes a flag whose raw value differs after a merge.
type ChangeEvent struct {
	Name     string `json:"name"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
	Added    bool   `json:"added"`
}

// Store is a concurrency-safe map of flag name to definition. Writers build a
// new map and swap it in, so readers never observe a partial update.
type Store struct {
	mu    sync.RWMutex
	flags map[string]core.Flag
}

func New() *Store {
	return &Store{flags: make(map[string]core.Flag)}
}

// ReplaceAll discards the current contents and installs flags.
func (s *Store) ReplaceAll(flags []core.Flag) {
	next := make(map[string]core.Flag, len(flags))
	for _, flag := range flags {
		next[flag.Name] = flag.Clone()
	}

	s.mu.Lock()
	s.flags = next
	s.mu.Unlock()
}

// MergeUpdate upserts flags and returns an event for every flag that was
// added or whose raw value changed. Flags absent from the update are kept,
// and an update carrying a lower version than the cached one is ignored.
func (s *Store) MergeUpdate(flags []core.Flag) []ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]core.Flag, len(s.flags)+len(flags))
	for name, flag := range s.flags {
		next[name] = flag
	}

	var events []ChangeEvent
	for _, flag := range flags {
		current, exists := next[flag.Name]
		if exists && flag.Version < current.Version {
			continue
		}
		next[flag.Name] = flag.Clone()

		switch {
		case !exists:
			events = append(events, ChangeEvent{Name: flag.Name, NewValue: flag.Value, Added: true})
		case current.Value != flag.Value:
			events = append(events, ChangeEvent{Name: flag.Name, OldValue: current.Value, NewValue: flag.Value})
		}
	}

	s.flags = next
	return events
}

// Get returns a copy of the named flag.
func (s *Store) Get(name string) (core.Flag, bool) {
	s.mu.RLock()
	flag, ok := s.flags[name]
	s.mu.RUnlock()
	if !ok {
		return core.Flag{}, false
	}
	return flag.Clone(), true
}

// SnapshotAll returns copies of every cached flag sorted by name.
func (s *Store) SnapshotAll() []core.Flag {
	s.mu.RLock()
	flags := make([]core.Flag, 0, len(s.flags))
	for _, flag := range s.flags {
		flags = append(flags, flag.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Name < flags[j].Name
	})
	return flags
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flags)
}
