package supervisor

import (
	"sync"
)

// Well-known component keys of the status registry. Device entries use the
// decimal device id as key.
const (
	StatusKeyDatabase  = "database"
	StatusKeyProcessor = "processor"
	StatusKeyNfcapd    = "nfcapd"
)

// Status is the shared registry of informational component states. Upstream
// sessions, the queue processor and external collaborators all write here;
// the admin adapter reads it out for display.
type Status struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewStatus() *Status {
	return &Status{m: make(map[string]string)}
}

func (s *Status) Set(key, status string) {
	s.mu.Lock()
	s.m[key] = status
	s.mu.Unlock()
}

func (s *Status) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *Status) Delete(key string) {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Snapshot returns a copy of the whole registry.
func (s *Status) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}
