package kinship

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrIteratorDone is returned by TupleIterator.Next once the sequence is
	// exhausted.
	ErrIteratorDone = errors.New("iterator done")
)

// StoreError wraps a fault of the storage backend. The resolver surfaces it
// to the caller without retrying; retry policy belongs to the caller.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// TupleFilter selects tuples by exact match on its non-empty fields.
type TupleFilter struct {
	ObjectType      string `json:"object_type,omitempty"`
	ObjectID        string `json:"object_id,omitempty"`
	Relation        string `json:"relation,omitempty"`
	SubjectType     string `json:"subject_type,omitempty"`
	SubjectID       string `json:"subject_id,omitempty"`
	SubjectRelation string `json:"subject_relation,omitempty"`
}

func (f TupleFilter) Empty() bool {
	return f == TupleFilter{}
}

func (f TupleFilter) Matches(t Tuple) bool {
	if f.ObjectType != "" && f.ObjectType != t.ObjectType {
		return false
	}
	if f.ObjectID != "" && f.ObjectID != t.ObjectID {
		return false
	}
	if f.Relation != "" && f.Relation != t.Relation {
		return false
	}
	if f.SubjectType != "" && f.SubjectType != t.SubjectType {
		return false
	}
	if f.SubjectID != "" && f.SubjectID != t.SubjectID {
		return false
	}
	if f.SubjectRelation != "" && f.SubjectRelation != t.SubjectRelation {
		return false
	}
	return true
}

// TupleIterator is a lazily-produced, finite sequence of tuples. Callers must
// either consume it until ErrIteratorDone or call Stop.
type TupleIterator interface {
	Next(ctx context.Context) (Tuple, error)
	Stop()
}

// Pagination drives Storage.List. A zero Cursor starts from the beginning;
// Limit <= 0 means no limit.
type Pagination struct {
	Cursor uuid.UUID
	Limit  int
}

// Storage is the tuple store contract the engine depends on. Implementations
// own persistence and indexing; the engine only reads and writes facts.
type Storage interface {
	Write(ctx context.Context, t Tuple) error
	Delete(ctx context.Context, t Tuple) error
	// Exists reports whether the exact tuple is stored.
	Exists(ctx context.Context, t Tuple) (bool, error)
	// Read returns all tuples matching the filter; at least one filter field
	// must be non-empty.
	Read(ctx context.Context, f TupleFilter) (TupleIterator, error)
	// ReadUserset returns all tuples of a single object/relation pair. This
	// is the hot path of direct and tuple-to-userset evaluation.
	ReadUserset(ctx context.Context, objectType, objectID, relation string) (TupleIterator, error)
	// List returns one page of matching tuples ordered by their creation id
	// together with the cursor of the next page (uuid.Nil when exhausted).
	List(ctx context.Context, f TupleFilter, p Pagination) ([]Tuple, uuid.UUID, error)

	Close() error
}

type sliceIterator struct {
	tuples []Tuple
}

// NewTupleSliceIterator adapts an already materialized slice to the
// TupleIterator contract, for backends without native streaming.
func NewTupleSliceIterator(tuples []Tuple) TupleIterator {
	return &sliceIterator{tuples: tuples}
}

func (it *sliceIterator) Next(ctx context.Context) (Tuple, error) {
	if err := ctx.Err(); err != nil {
		return EmptyTuple, err
	}
	if len(it.tuples) == 0 {
		return EmptyTuple, ErrIteratorDone
	}
	t := it.tuples[0]
	it.tuples = it.tuples[1:]
	return t, nil
}

func (it *sliceIterator) Stop() {
	it.tuples = nil
}
