package storage

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MemoryStore keeps the most recent records in memory
type MemoryStore struct {
	logger *zap.Logger
	limit  int

	mu      sync.RWMutex
	records map[string]*SessionRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store that keeps at most limit records
func NewMemoryStore(logger *zap.Logger, limit int) *MemoryStore {
	return &MemoryStore{
		logger:  logger.Named("storage.memory"),
		limit:   limit,
		records: make(map[string]*SessionRecord),
	}
}

// Save implements Store.Save
func (s *MemoryStore) Save(_ context.Context, rec *SessionRecord) error {
	cp := *rec

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = &cp

	if s.limit > 0 && len(s.records) > s.limit {
		all := s.sortedLocked()
		for _, old := range all[s.limit:] {
			delete(s.records, old.ID)
		}
	}
	return nil
}

// Get implements Store.Get
func (s *MemoryStore) Get(_ context.Context, id string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

// List implements Store.List
func (s *MemoryStore) List(_ context.Context, limit int) ([]*SessionRecord, error) {
	s.mu.RLock()
	all := s.sortedLocked()
	s.mu.RUnlock()

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*SessionRecord, len(all))
	for i, rec := range all {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

// Close implements Store.Close
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) sortedLocked() []*SessionRecord {
	all := make([]*SessionRecord, 0, len(s.records))
	for _, rec := range s.records {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ConnectedAt.After(all[j].ConnectedAt)
	})
	return all
}
