package reconcile

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// pendingAddress is the placeholder address of entities whose creating transaction has not
// been observed yet.
const pendingAddress = "pending"

// Record is a projected entity as kept by MemorySource.
type Record struct {
	Address      string
	Fields       map[string]any
	ProjectedAt  time.Time
	ReconciledAt time.Time
	Orphaned     bool
	OrphanReason string
	OrphanedAt   time.Time
}

// MemorySource is an in-memory Source, used for dry runs and tests.
type MemorySource struct {
	mu      sync.Mutex
	records map[string]*Record
	applied int
}

var _ Source = (*MemorySource)(nil)

func NewMemorySource() *MemorySource {
	return &MemorySource{records: make(map[string]*Record)}
}

// Put stores r, replacing any record with the same address.
func (s *MemorySource) Put(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Fields = maps.Clone(r.Fields)
	s.records[r.Address] = &r
}

// Get returns a copy of the record at address.
func (s *MemorySource) Get(address string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[address]
	if !ok {
		return Record{}, false
	}
	out := *r
	out.Fields = maps.Clone(r.Fields)
	return out, true
}

// Corrections returns the number of ApplyCorrection calls.
func (s *MemorySource) Corrections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

func (s *MemorySource) list(keep func(*Record) bool) []Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entity
	for _, addr := range slices.Sorted(maps.Keys(s.records)) {
		r := s.records[addr]
		if r.Orphaned || r.Address == pendingAddress || !keep(r) {
			continue
		}
		out = append(out, Entity{Address: r.Address, Fields: maps.Clone(r.Fields)})
	}
	return out
}

func (s *MemorySource) ListRecent(_ context.Context, since time.Time) ([]Entity, error) {
	return s.list(func(r *Record) bool { return !r.ProjectedAt.Before(since) }), nil
}

func (s *MemorySource) ListAll(context.Context) ([]Entity, error) {
	return s.list(func(*Record) bool { return true }), nil
}

func (s *MemorySource) Lookup(_ context.Context, address string) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[address]
	if !ok || r.Orphaned {
		return Entity{}, ErrNotFound
	}
	return Entity{Address: r.Address, Fields: maps.Clone(r.Fields)}, nil
}

func (s *MemorySource) ApplyCorrection(_ context.Context, address string, fields map[string]any, reconciledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[address]
	if !ok {
		return ErrNotFound
	}
	if r.Fields == nil {
		r.Fields = make(map[string]any, len(fields))
	}
	maps.Copy(r.Fields, fields)
	r.ReconciledAt = reconciledAt
	s.applied++
	return nil
}

func (s *MemorySource) MarkOrphaned(_ context.Context, address, reason string, orphanedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[address]
	if !ok {
		return ErrNotFound
	}
	r.Orphaned = true
	r.OrphanReason = reason
	r.OrphanedAt = orphanedAt
	return nil
}
