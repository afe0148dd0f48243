package host

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Settings is the app-level key/value store. Values are kept as JSON and
// every Set notifies subscribers with the changed key.
type Settings struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
	subs   map[int]func(key string)
	nextID int
	dirty  func()
}

func newSettings(dirty func()) *Settings {
	return &Settings{
		values: make(map[string]json.RawMessage),
		subs:   make(map[int]func(string)),
		dirty:  dirty,
	}
}

// Get decodes key into out. It reports whether the key was present.
func (s *Settings) Get(key string, out any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

// Set stores value under key and notifies subscribers.
func (s *Settings) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	s.mu.Lock()
	s.values[key] = raw
	s.mu.Unlock()
	s.changed(key)
	return nil
}

func (s *Settings) Unset(key string) {
	s.mu.Lock()
	_, ok := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()
	if ok {
		s.changed(key)
	}
}

func (s *Settings) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Settings) Subscribe(fn func(key string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Settings) changed(key string) {
	if s.dirty != nil {
		s.dirty()
	}
	s.mu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(key)
	}
}

func (s *Settings) snapshot() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *Settings) restore(values map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
}
