// Package memstore provides an in-memory implementation of history.Store.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/mayday/internal/history"
)

// Store holds history records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]*history.Record // record ID -> record
	order   []string                   // record IDs in insertion order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{records: make(map[string]*history.Record)}
}

func clone(r *history.Record) *history.Record {
	cp := *r
	cp.AcknowledgedBy = slices.Clone(r.AcknowledgedBy)
	return &cp
}

// Put stores a copy of the record. Putting an existing ID overwrites it.
func (s *Store) Put(_ context.Context, r *history.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.records[r.ID] = clone(r)
	return nil
}

// Get retrieves a record by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*history.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return clone(r), true, nil
}

// ListByAlert returns copies of every record for alertID, oldest first.
func (s *Store) ListByAlert(_ context.Context, alertID string) ([]*history.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*history.Record
	for _, id := range s.order {
		if r := s.records[id]; r.AlertID == alertID {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

// ListByChannel returns copies of up to limit records for channelID, newest
// first.
func (s *Store) ListByChannel(_ context.Context, channelID string, limit int) ([]*history.Record, error) {
	if limit <= 0 {
		limit = history.DefaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*history.Record
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		if r := s.records[s.order[i]]; r.ChannelID == channelID {
			out = append(out, clone(r))
		}
	}
	return out, nil
}
