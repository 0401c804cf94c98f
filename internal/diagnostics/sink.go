package diagnostics

import (
	"fmt"
	"sync"
	"time"
)

// DefaultMaxEntries caps the in-memory log so a long-lived session cannot
// grow without bound.
const DefaultMaxEntries = 200

// Entry is a single timestamped diagnostic line
type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Sink is an append-only, in-memory log of engine lifecycle events. It is
// consumed by support/debugging surfaces through snapshots; entries are never
// mutated after append. Oldest entries are dropped once the cap is reached.
type Sink struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
}

// NewSink creates a sink holding at most max entries; max <= 0 uses the default
func NewSink(max int) *Sink {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Sink{
		entries: make([]Entry, 0, 16),
		max:     max,
	}
}

// Logf appends a formatted entry stamped with the current time
func (s *Sink) Logf(format string, args ...interface{}) {
	entry := Entry{
		Time:    time.Now(),
		Message: fmt.Sprintf(format, args...),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entry)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
}

// Entries returns the log as formatted strings, oldest first
func (s *Sink) Entries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, fmt.Sprintf("%s %s", e.Time.Format(time.RFC3339), e.Message))
	}
	return out
}

// Len returns the number of retained entries
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
