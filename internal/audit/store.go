// Package audit implements the append-only decision log: an abstract event
// store, an in-memory ring store, a SQLite-backed durable store, and the
// aggregator that orders, records, queries, and exports events.
package audit

import (
	"sync"

	"github.com/talosprotocol/talos/model"
)

// Store is the contract every audit backend honors. Events arrive with
// EventID already assigned by the aggregator; within one store the ids are
// strictly monotonic and equal insertion order.
type Store interface {
	// Append writes one event. Implementations serialize writes.
	Append(event *model.AuditEvent) error

	// Query returns events passing the filter, newest first, at most limit
	// entries. limit <= 0 means no bound.
	Query(filter model.AuditFilter, limit int) ([]*model.AuditEvent, error)

	// Snapshot returns a consistent copy of every held event, oldest first.
	Snapshot() ([]*model.AuditEvent, error)
}

// MemoryStore holds up to maxEvents in a ring buffer; overflow drops the
// oldest event. It is the reference Store implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*model.AuditEvent
	head      int
	count     int
	maxEvents int
}

// NewMemoryStore creates a ring store bounded to maxEvents.
// maxEvents <= 0 falls back to the default of 10,000.
func NewMemoryStore(maxEvents int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = model.DefaultAuditRingSize
	}
	return &MemoryStore{
		events:    make([]*model.AuditEvent, maxEvents),
		maxEvents: maxEvents,
	}
}

// Append writes one event, evicting the oldest when full.
func (s *MemoryStore) Append(event *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := (s.head + s.count) % s.maxEvents
	if s.count == s.maxEvents {
		// Ring is full: overwrite the oldest slot.
		s.events[s.head] = event
		s.head = (s.head + 1) % s.maxEvents
		return nil
	}
	s.events[idx] = event
	s.count++
	return nil
}

// Query returns matching events newest first.
func (s *MemoryStore) Query(filter model.AuditFilter, limit int) ([]*model.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.AuditEvent
	for i := s.count - 1; i >= 0; i-- {
		e := s.events[(s.head+i)%s.maxEvents]
		if !filter.Match(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Snapshot returns all held events oldest first.
func (s *MemoryStore) Snapshot() ([]*model.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.AuditEvent, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.events[(s.head+i)%s.maxEvents])
	}
	return out, nil
}

// Len returns the number of held events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
