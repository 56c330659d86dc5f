// Package records keeps the decoded summaries of the active subscription in
// memory, newest first.
package records

import (
	"sync"

	"flow-alerts/internal/summary"
)

// Store is safe for concurrent use. Readers observe a state either before or
// after an insert, never a partial one.
type Store struct {
	mu sync.RWMutex
	// items is kept oldest first so inserts append; readers reverse it.
	items []summary.Record
	limit int
	epoch uint64
}

// NewStore constructs a store. A non-positive limit keeps every record.
func NewStore(limit int) *Store {
	return &Store{limit: limit}
}

// Reset drops every record.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = nil
	s.epoch++
}

// Add inserts a record as the newest one.
func (s *Store) Add(rec summary.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, rec)
	if s.limit > 0 && len(s.items) >= 2*s.limit {
		n := copy(s.items, s.items[len(s.items)-s.limit:])
		clear(s.items[n:])
		s.items = s.items[:n]
	}
}

// Snapshot returns a copy of the records, newest first.
func (s *Store) Snapshot() []summary.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visible := s.visible()
	out := make([]summary.Record, len(visible))
	for i, rec := range visible {
		out[len(visible)-1-i] = rec
	}
	return out
}

// Latest returns the newest record, if any.
func (s *Store) Latest() (summary.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.items) == 0 {
		return summary.Record{}, false
	}
	return s.items[len(s.items)-1], true
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.visible())
}

// visible trims the overflow kept between compactions.
func (s *Store) visible() []summary.Record {
	if s.limit > 0 && len(s.items) > s.limit {
		return s.items[len(s.items)-s.limit:]
	}
	return s.items
}

// Epoch increments on every Reset; readers use it to notice a topology change.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}
