package testutil

import (
	"context"
	"sync"

	"github.com/livinlefevreloca/foreman/internal/job"
	"github.com/livinlefevreloca/foreman/internal/store"
)

// FaultyStore wraps a store and fails a configurable number of saves made
// inside transactions.
type FaultyStore struct {
	store.Store

	mu       sync.Mutex
	saveErr  error
	failures int
	begins   int
}

func NewFaultyStore(inner store.Store) *FaultyStore {
	return &FaultyStore{Store: inner}
}

// FailSaves makes the next n transactional saves return err.
func (s *FaultyStore) FailSaves(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.saveErr = err
}

// Begins returns the number of transactions started.
func (s *FaultyStore) Begins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

func (s *FaultyStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.begins++
	s.mu.Unlock()
	return &faultyTx{Tx: tx, parent: s}, nil
}

func (s *FaultyStore) nextSaveErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == 0 {
		return nil
	}
	s.failures--
	return s.saveErr
}

type faultyTx struct {
	store.Tx
	parent *FaultyStore
}

func (tx *faultyTx) SaveJob(ctx context.Context, rec *job.Record) error {
	if err := tx.parent.nextSaveErr(); err != nil {
		return err
	}
	return tx.Tx.SaveJob(ctx, rec)
}
