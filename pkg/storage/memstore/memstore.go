// Package memstore implements storage.Store as a sync.RWMutex-guarded
// map. It is sufficient for tests and single-node deployments;
// durable storage is expected to be swapped in by operators who need
// it.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/localup/localup/pkg/storage"
)

// Store is an in-memory storage.Store.
type Store struct {
	mu      sync.RWMutex
	records map[string]*storage.Record
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]*storage.Record)}
}

func (s *Store) Save(ctx context.Context, rec *storage.Record) error {
	if rec.TunnelID == "" {
		return storage.ErrNotFound
	}
	cp := *rec
	s.mu.Lock()
	s.records[rec.TunnelID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, tunnelID string) (*storage.Record, error) {
	s.mu.RLock()
	rec, ok := s.records[tunnelID]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) ListActive(ctx context.Context, maxAge time.Duration) ([]*storage.Record, error) {
	cutoff := time.Now().Add(-maxAge)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Record, 0, len(s.records))
	for _, rec := range s.records {
		if rec.LastSeenAt.After(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, tunnelID string) error {
	s.mu.Lock()
	delete(s.records, tunnelID)
	s.mu.Unlock()
	return nil
}

func (s *Store) Touch(ctx context.Context, tunnelID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[tunnelID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.LastSeenAt = now
	return nil
}

var _ storage.Store = (*Store)(nil)
