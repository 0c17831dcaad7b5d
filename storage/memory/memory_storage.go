// Package memory provides the reference in-memory Storage implementation.
// It favors obviousness over throughput and is primarily meant for tests,
// examples and small deployments.
package memory

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/kinship-auth/kinship"
)

type entry struct {
	id    uuid.UUID
	tuple kinship.Tuple
}

type MemoryStorage struct {
	mu    sync.RWMutex
	byKey map[string]entry
}

var _ kinship.Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{byKey: map[string]entry{}}
}

func (s *MemoryStorage) Close() error {
	return nil
}

func (s *MemoryStorage) Write(ctx context.Context, t kinship.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := t.String()
	if _, ok := s.byKey[key]; ok {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	s.byKey[key] = entry{id: id, tuple: t}
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, t kinship.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, t.String())
	return nil
}

func (s *MemoryStorage) Exists(ctx context.Context, t kinship.Tuple) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byKey[t.String()]
	return ok, nil
}

func (s *MemoryStorage) Read(ctx context.Context, f kinship.TupleFilter) (kinship.TupleIterator, error) {
	if f.Empty() {
		return nil, errors.New("read requires a non-empty filter")
	}
	return kinship.NewTupleSliceIterator(s.snapshot(f)), nil
}

func (s *MemoryStorage) ReadUserset(ctx context.Context, objectType, objectID, relation string) (kinship.TupleIterator, error) {
	return s.Read(ctx, kinship.TupleFilter{
		ObjectType: objectType,
		ObjectID:   objectID,
		Relation:   relation,
	})
}

func (s *MemoryStorage) List(ctx context.Context, f kinship.TupleFilter, p kinship.Pagination) ([]kinship.Tuple, uuid.UUID, error) {
	s.mu.RLock()
	matches := make([]entry, 0, len(s.byKey))
	for _, e := range s.byKey {
		if f.Empty() || f.Matches(e.tuple) {
			matches = append(matches, e)
		}
	}
	s.mu.RUnlock()

	// UUIDv7 ids are time-ordered, so sorting by id yields insertion order
	// and a stable pagination cursor.
	slices.SortFunc(matches, func(a, b entry) int {
		return bytes.Compare(a.id.Bytes(), b.id.Bytes())
	})

	tuples := make([]kinship.Tuple, 0, len(matches))
	cursor := uuid.Nil
	for i, e := range matches {
		if p.Cursor != uuid.Nil && bytes.Compare(e.id.Bytes(), p.Cursor.Bytes()) <= 0 {
			continue
		}
		if p.Limit > 0 && len(tuples) == p.Limit {
			cursor = matches[i-1].id
			break
		}
		tuples = append(tuples, e.tuple)
	}
	return tuples, cursor, nil
}

func (s *MemoryStorage) snapshot(f kinship.TupleFilter) []kinship.Tuple {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tuples []kinship.Tuple
	for _, e := range s.byKey {
		if f.Matches(e.tuple) {
			tuples = append(tuples, e.tuple)
		}
	}
	return tuples
}
