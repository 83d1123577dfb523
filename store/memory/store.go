// Package memory is an in-process saga.Store. It backs tests and single-node
// runs where durability across restarts is not needed.
package memory

import (
	"context"
	"sync"
	"time"

	"supplierflow/correlation"
	"supplierflow/saga"
	"supplierflow/validation"
)

type Store struct {
	mu      sync.Mutex
	records map[correlation.Identity]saga.Record
}

func New() *Store {
	return &Store{records: make(map[correlation.Identity]saga.Record)}
}

func (s *Store) FindOrCreate(_ context.Context, rec saga.Record) (saga.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.ID]; ok {
		return clone(existing), false, nil
	}
	s.records[rec.ID] = clone(rec)
	return clone(rec), true, nil
}

func (s *Store) Claim(_ context.Context, id correlation.Identity, version int, leaseUntil time.Time) (saga.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return saga.Record{}, saga.ErrNotFound
	}
	if rec.Version != version || rec.State.Terminal() {
		return saga.Record{}, saga.ErrConflict
	}
	rec.Version++
	rec.LeaseUntil = leaseUntil
	s.records[id] = rec
	return clone(rec), nil
}

func (s *Store) Release(_ context.Context, id correlation.Identity, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return saga.ErrNotFound
	}
	if rec.Version != version || rec.State.Terminal() {
		return saga.ErrConflict
	}
	rec.Version++
	rec.LeaseUntil = time.Time{}
	s.records[id] = rec
	return nil
}

func (s *Store) CommitTerminal(_ context.Context, id correlation.Identity, version int, state saga.State, v validation.Verdict, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return saga.ErrNotFound
	}
	if rec.Version != version || rec.State.Terminal() {
		return saga.ErrConflict
	}
	s.records[id] = rec.Resolve(state, v, at)
	return nil
}

func (s *Store) Get(_ context.Context, id correlation.Identity) (saga.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return saga.Record{}, saga.ErrNotFound
	}
	return clone(rec), nil
}

// Ping always succeeds; the store lives in process.
func (s *Store) Ping(context.Context) error { return nil }

// Len reports how many sagas are stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func clone(rec saga.Record) saga.Record {
	rec.Errors = append([]string(nil), rec.Errors...)
	return rec
}
