package feature

import (
	"sort"
	"sync"
)

// Shortcut is one help overlay entry.
type Shortcut struct {
	Hotkey      string `json:"hotkey"`
	Description string `json:"description"`
}

// Shortcuts is the session-wide hotkey → description table. Entries are
// only ever added: cancelling a feature does not remove what it listed.
type Shortcuts struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewShortcuts returns an empty table.
func NewShortcuts() *Shortcuts {
	return &Shortcuts{m: make(map[string]string)}
}

// Merge adds every entry of m, overwriting descriptions for known hotkeys.
func (s *Shortcuts) Merge(m map[string]string) {
	if len(m) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range m {
		s.m[k] = v
	}
}

// Get returns the description of hotkey.
func (s *Shortcuts) Get(hotkey string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[hotkey]
	return v, ok
}

// Len returns the number of listed hotkeys.
func (s *Shortcuts) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// List returns the entries sorted by hotkey.
func (s *Shortcuts) List() []Shortcut {
	s.mu.RLock()
	out := make([]Shortcut, 0, len(s.m))
	for k, v := range s.m {
		out = append(out, Shortcut{Hotkey: k, Description: v})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Hotkey < out[j].Hotkey })
	return out
}
