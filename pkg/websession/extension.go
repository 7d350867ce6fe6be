package websession

import "sync"

// TeardownFunc releases an extension value on session close or reset.
type TeardownFunc func(value any)

// extensionState is a typed, per-feature state map. Each entry owns a
// value plus an explicit teardown function; disposal is enumerated
// explicitly on session close.
type extensionState struct {
	mu      sync.Mutex
	entries map[string]extensionEntry
	order   []string
}

type extensionEntry struct {
	value    any
	teardown TeardownFunc
}

// SetExtension stores per-feature state under a name. The teardown
// function, if any, runs when the session closes or resets its cache.
// Replacing an entry tears the previous value down first.
func (s *Session) SetExtension(name string, value any, teardown TeardownFunc) {
	s.ext.mu.Lock()
	if s.ext.entries == nil {
		s.ext.entries = make(map[string]extensionEntry)
	}
	prev, existed := s.ext.entries[name]
	if !existed {
		s.ext.order = append(s.ext.order, name)
	}
	s.ext.entries[name] = extensionEntry{value: value, teardown: teardown}
	s.ext.mu.Unlock()

	if existed && prev.teardown != nil {
		prev.teardown(prev.value)
	}
}

// Extension returns the state stored under a name.
func (s *Session) Extension(name string) (any, bool) {
	s.ext.mu.Lock()
	defer s.ext.mu.Unlock()
	e, ok := s.ext.entries[name]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// teardownExtensions runs every teardown in registration order and clears
// the map.
func (s *Session) teardownExtensions() {
	s.ext.mu.Lock()
	order := s.ext.order
	entries := s.ext.entries
	s.ext.order = nil
	s.ext.entries = nil
	s.ext.mu.Unlock()

	for _, name := range order {
		e := entries[name]
		if e.teardown != nil {
			e.teardown(e.value)
		}
	}
}
