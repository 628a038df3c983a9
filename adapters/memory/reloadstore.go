// Package memory provides in-memory store implementations.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/artpar/macrodeck/ports"
)

// DefaultCapacity is the number of attempts kept when none is given.
const DefaultCapacity = 256

// ReloadStore is an in-memory implementation of ports.ReloadJournal.
// It keeps the latest attempts only; older ones are overwritten.
type ReloadStore struct {
	mu      sync.RWMutex
	records []ports.ReloadRecord
	next    int
	full    bool
}

var _ ports.ReloadJournal = (*ReloadStore)(nil)

// NewReloadStore creates a journal holding at most capacity attempts.
func NewReloadStore(capacity int) *ReloadStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ReloadStore{
		records: make([]ports.ReloadRecord, capacity),
	}
}

// Record appends an attempt. An empty ID is filled with a new UUID.
func (s *ReloadStore) Record(ctx context.Context, r ports.ReloadRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[s.next] = r
	s.next++
	if s.next == len(s.records) {
		s.next = 0
		s.full = true
	}
	return nil
}

// Recent returns up to limit attempts, newest first. A non-positive limit
// returns everything held.
func (s *ReloadStore) Recent(ctx context.Context, limit int) ([]ports.ReloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.records)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]ports.ReloadRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (s.next - 1 - i + len(s.records)) % len(s.records)
		out = append(out, s.records[idx])
	}
	return out, nil
}

// Get returns one attempt by id.
func (s *ReloadStore) Get(ctx context.Context, id string) (ports.ReloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.ID != "" && r.ID == id {
			return r, nil
		}
	}
	return ports.ReloadRecord{}, ports.ErrNotFound
}

// Len returns the number of attempts held.
func (s *ReloadStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return len(s.records)
	}
	return s.next
}
