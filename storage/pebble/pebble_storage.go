// Package pebble provides an embedded Storage backend on top of
// cockroachdb/pebble. Tuples are fully encoded into ordered keys so every
// read is a point lookup or a prefix scan.
package pebble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/gofrs/uuid/v5"

	"github.com/kinship-auth/kinship"
)

type PebbleStorage struct {
	db *pebble.DB
}

var _ kinship.Storage = (*PebbleStorage)(nil)

func NewPebbleStorage(dirname string) (*PebbleStorage, error) {
	db, err := pebble.Open(dirname, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStorage{db}, nil
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}

func (s *PebbleStorage) Write(ctx context.Context, t kinship.Tuple) error {
	key := toKey(t)
	// Re-writing an existing tuple keeps its id, so pagination order stays
	// stable across reloads.
	if _, closer, err := s.db.Get(key); err == nil {
		closer.Close()
		return nil
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	return s.db.Set(key, id.Bytes(), pebble.Sync)
}

func (s *PebbleStorage) Delete(ctx context.Context, t kinship.Tuple) error {
	return s.db.Delete(toKey(t), pebble.Sync)
}

func (s *PebbleStorage) Exists(ctx context.Context, t kinship.Tuple) (bool, error) {
	_, closer, err := s.db.Get(toKey(t))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStorage) Read(ctx context.Context, f kinship.TupleFilter) (kinship.TupleIterator, error) {
	if f.Empty() {
		return nil, errors.New("read requires a non-empty filter")
	}
	iter, err := s.db.NewIter(prefixIterOptions(filterPrefix(f)))
	if err != nil {
		return nil, err
	}
	iter.First()
	return &pebbleIterator{iter: iter, filter: f}, nil
}

func (s *PebbleStorage) ReadUserset(ctx context.Context, objectType, objectID, relation string) (kinship.TupleIterator, error) {
	return s.Read(ctx, kinship.TupleFilter{
		ObjectType: objectType,
		ObjectID:   objectID,
		Relation:   relation,
	})
}

func (s *PebbleStorage) List(ctx context.Context, f kinship.TupleFilter, p kinship.Pagination) ([]kinship.Tuple, uuid.UUID, error) {
	iter, err := s.db.NewIter(prefixIterOptions(filterPrefix(f)))
	if err != nil {
		return nil, uuid.Nil, err
	}
	defer iter.Close()

	type row struct {
		id    uuid.UUID
		tuple kinship.Tuple
	}
	var rows []row
	for iter.First(); iter.Valid(); iter.Next() {
		t := fromKey(string(iter.Key()))
		if !f.Empty() && !f.Matches(t) {
			continue
		}
		id, err := uuid.FromBytes(iter.Value())
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("malformed tuple id for key %q: %w", iter.Key(), err)
		}
		rows = append(rows, row{id: id, tuple: t})
	}
	if err := iter.Error(); err != nil {
		return nil, uuid.Nil, err
	}

	slices.SortFunc(rows, func(a, b row) int {
		return bytes.Compare(a.id.Bytes(), b.id.Bytes())
	})

	tuples := make([]kinship.Tuple, 0, len(rows))
	cursor := uuid.Nil
	for i, r := range rows {
		if p.Cursor != uuid.Nil && bytes.Compare(r.id.Bytes(), p.Cursor.Bytes()) <= 0 {
			continue
		}
		if p.Limit > 0 && len(tuples) == p.Limit {
			cursor = rows[i-1].id
			break
		}
		tuples = append(tuples, r.tuple)
	}
	return tuples, cursor, nil
}

type pebbleIterator struct {
	iter   *pebble.Iterator
	filter kinship.TupleFilter
	closed bool
}

func (it *pebbleIterator) Next(ctx context.Context) (kinship.Tuple, error) {
	if err := ctx.Err(); err != nil {
		return kinship.EmptyTuple, err
	}
	for !it.closed && it.iter.Valid() {
		t := fromKey(string(it.iter.Key()))
		it.iter.Next()
		if it.filter.Matches(t) {
			return t, nil
		}
	}
	if !it.closed {
		if err := it.iter.Error(); err != nil {
			return kinship.EmptyTuple, err
		}
	}
	it.Stop()
	return kinship.EmptyTuple, kinship.ErrIteratorDone
}

func (it *pebbleIterator) Stop() {
	if it.closed {
		return
	}
	it.closed = true
	_ = it.iter.Close()
}

func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // no upper-bound
}

func prefixIterOptions(prefix []byte) *pebble.IterOptions {
	if len(prefix) == 0 {
		return &pebble.IterOptions{}
	}
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	}
}

// filterPrefix derives the longest key prefix usable for the filter; the
// remaining fields are matched per tuple while scanning.
func filterPrefix(f kinship.TupleFilter) []byte {
	if f.ObjectType == "" {
		return nil
	}
	if f.ObjectID == "" {
		return []byte(f.ObjectType + ":")
	}
	if f.Relation == "" {
		return []byte(fmt.Sprintf("%s:%s#", f.ObjectType, f.ObjectID))
	}
	return []byte(fmt.Sprintf("%s:%s#%s@", f.ObjectType, f.ObjectID, f.Relation))
}

// Userset subjects carry a '!' marker after the '@' so they sort into their
// own range of the object/relation prefix.
func toKey(t kinship.Tuple) []byte {
	if t.SubjectRelation != "" {
		return []byte(fmt.Sprintf("%s:%s#%s@!%s:%s#%s", t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation))
	}
	return []byte(fmt.Sprintf("%s:%s#%s@%s:%s", t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID))
}

func fromKey(key string) kinship.Tuple {
	return kinship.TupleString(strings.Replace(key, "@!", "@", 1))
}
