package kinship

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ObjectIterator lazily enumerates the ids of objects on which the subject
// holds the relation. Candidates come from the store; each one is confirmed
// through the same evaluation as Check, so List and Check can never disagree.
type ObjectIterator struct {
	r          *Resolver
	iter       TupleIterator
	objectType string
	relation   string
	subject    SubjectRef
	seen       map[string]struct{}
	done       bool
}

// ListObjects enumerates all objects of objectType on which subject holds
// relation. The returned iterator is lazy; stopping early does no further
// store work.
func (r *Resolver) ListObjects(ctx context.Context, subject SubjectRef, relation, objectType string) (*ObjectIterator, error) {
	if _, ok := r.model.Relation(objectType, relation); !ok {
		return nil, fmt.Errorf("relation %q is not declared on type %q", relation, objectType)
	}
	// Any object a relation holds on appears as the object of at least one
	// stored tuple, so scanning the type's tuples yields a complete
	// candidate set.
	iter, err := r.storage.Read(ctx, TupleFilter{ObjectType: objectType})
	if err != nil {
		return nil, storeError("read", err)
	}
	return &ObjectIterator{
		r:          r,
		iter:       iter,
		objectType: objectType,
		relation:   relation,
		subject:    subject,
		seen:       map[string]struct{}{},
	}, nil
}

func (it *ObjectIterator) Next(ctx context.Context) (string, error) {
	if it.done {
		return "", ErrIteratorDone
	}
	for {
		t, err := it.iter.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			it.done = true
			return "", ErrIteratorDone
		} else if err != nil {
			return "", storeError("read", err)
		}
		if _, ok := it.seen[t.ObjectID]; ok {
			continue
		}
		it.seen[t.ObjectID] = struct{}{}
		ok, err := it.r.Check(ctx, Tuple{
			ObjectType:      it.objectType,
			ObjectID:        t.ObjectID,
			Relation:        it.relation,
			SubjectType:     it.subject.Type,
			SubjectID:       it.subject.ID,
			SubjectRelation: it.subject.Relation,
		})
		if err != nil {
			return "", err
		}
		if ok {
			return t.ObjectID, nil
		}
	}
}

func (it *ObjectIterator) Stop() {
	it.done = true
	it.iter.Stop()
}

// ListObjectsAll drains ListObjects and returns the ids sorted. A limit <= 0
// collects everything.
func (r *Resolver) ListObjectsAll(ctx context.Context, subject SubjectRef, relation, objectType string, limit int) ([]string, error) {
	iter, err := r.ListObjects(ctx, subject, relation, objectType)
	if err != nil {
		return nil, err
	}
	defer iter.Stop()

	var ids []string
	for limit <= 0 || len(ids) < limit {
		id, err := iter.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			break
		} else if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// subjectFrame is one suspended traversal position of the candidate walk
// backing ListSubjects.
type subjectFrame struct {
	objectType string
	objectID   string
	relation   string
	nodes      []*rewrite
	iter       TupleIterator
	ttu        *rewrite
	direct     *rewrite
}

// SubjectIterator lazily enumerates the subjects holding the relation on an
// object. Candidates are gathered by a depth-first walk of the rewrite graph
// (direct tuples, userset members, computed and tuple-to-userset targets) and
// confirmed through Check-equivalent evaluation.
type SubjectIterator struct {
	r          *Resolver
	objectType string
	objectID   string
	relation   string
	stack      []*subjectFrame
	visited    map[string]struct{}
	seen       map[string]struct{}
	done       bool
}

// ListSubjects enumerates all subjects holding relation on the given object.
// The returned iterator is lazy; stopping early does no further store work.
func (r *Resolver) ListSubjects(ctx context.Context, objectType, objectID, relation string) (*SubjectIterator, error) {
	rel, ok := r.model.Relation(objectType, relation)
	if !ok {
		return nil, fmt.Errorf("relation %q is not declared on type %q", relation, objectType)
	}
	it := &SubjectIterator{
		r:          r,
		objectType: objectType,
		objectID:   objectID,
		relation:   relation,
		visited:    map[string]struct{}{},
		seen:       map[string]struct{}{},
	}
	it.pushRelation(objectType, objectID, rel)
	return it, nil
}

func (it *SubjectIterator) pushRelation(objectType, objectID string, rel *Relation) {
	key := usersetKey(objectType, objectID, rel.Name)
	if _, ok := it.visited[key]; ok {
		return
	}
	// The candidate walk is bounded like Check; a pruned branch can only
	// drop candidates Check would deny as indeterminate anyway.
	if len(it.stack) >= it.r.maxDepth {
		return
	}
	it.visited[key] = struct{}{}
	it.stack = append(it.stack, &subjectFrame{
		objectType: objectType,
		objectID:   objectID,
		relation:   rel.Name,
		nodes:      []*rewrite{rel.rewrite},
	})
}

func (it *SubjectIterator) Next(ctx context.Context) (SubjectRef, error) {
	if it.done {
		return SubjectRef{}, ErrIteratorDone
	}
	for len(it.stack) > 0 {
		if err := ctx.Err(); err != nil {
			return SubjectRef{}, err
		}
		frame := it.stack[len(it.stack)-1]

		if frame.iter != nil {
			t, err := frame.iter.Next(ctx)
			if errors.Is(err, ErrIteratorDone) {
				frame.iter.Stop()
				frame.iter, frame.ttu, frame.direct = nil, nil, nil
				continue
			} else if err != nil {
				return SubjectRef{}, storeError("read userset", err)
			}

			if frame.ttu != nil {
				if t.SubjectRelation != "" {
					continue
				}
				target, ok := frame.ttu.ttuTargets[t.SubjectType]
				if !ok {
					continue
				}
				it.pushRelation(t.SubjectType, t.SubjectID, target)
				continue
			}

			if !frame.direct.allowsSubject(t.SubjectType, t.SubjectRelation) {
				continue
			}
			if t.SubjectRelation != "" {
				// Members of a userset-typed subject are candidates too.
				if rel, ok := it.r.model.Relation(t.SubjectType, t.SubjectRelation); ok {
					it.pushRelation(t.SubjectType, t.SubjectID, rel)
				}
				continue
			}
			candidate := t.Subject()
			if _, ok := it.seen[candidate.String()]; ok {
				continue
			}
			it.seen[candidate.String()] = struct{}{}
			ok, err := it.r.Check(ctx, Tuple{
				ObjectType:  it.objectType,
				ObjectID:    it.objectID,
				Relation:    it.relation,
				SubjectType: candidate.Type,
				SubjectID:   candidate.ID,
			})
			if err != nil {
				return SubjectRef{}, err
			}
			if ok {
				return candidate, nil
			}
			continue
		}

		if len(frame.nodes) > 0 {
			node := frame.nodes[len(frame.nodes)-1]
			frame.nodes = frame.nodes[:len(frame.nodes)-1]
			switch node.kind {
			case KindThis:
				iter, err := it.r.storage.ReadUserset(ctx, frame.objectType, frame.objectID, frame.relation)
				if err != nil {
					return SubjectRef{}, storeError("read userset", err)
				}
				frame.iter, frame.direct = iter, node
			case KindComputedUserset:
				it.pushRelation(frame.objectType, frame.objectID, node.computed)
			case KindTupleToUserset:
				iter, err := it.r.storage.ReadUserset(ctx, frame.objectType, frame.objectID, node.tupleset.Name)
				if err != nil {
					return SubjectRef{}, storeError("read tupleset", err)
				}
				frame.iter, frame.ttu = iter, node
			case KindUnion, KindIntersection:
				frame.nodes = append(frame.nodes, node.children...)
			case KindExclusion:
				// The subtrahend cannot contribute subjects.
				frame.nodes = append(frame.nodes, node.children[0])
			default:
				panic("unreachable")
			}
			continue
		}

		it.stack = it.stack[:len(it.stack)-1]
	}
	it.done = true
	return SubjectRef{}, ErrIteratorDone
}

func (it *SubjectIterator) Stop() {
	for _, frame := range it.stack {
		if frame.iter != nil {
			frame.iter.Stop()
		}
	}
	it.stack = nil
	it.done = true
}

// ListSubjectsAll drains ListSubjects and returns the subjects sorted. A
// limit <= 0 collects everything.
func (r *Resolver) ListSubjectsAll(ctx context.Context, objectType, objectID, relation string, limit int) ([]SubjectRef, error) {
	iter, err := r.ListSubjects(ctx, objectType, objectID, relation)
	if err != nil {
		return nil, err
	}
	defer iter.Stop()

	var subjects []SubjectRef
	for limit <= 0 || len(subjects) < limit {
		subject, err := iter.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			break
		} else if err != nil {
			return nil, err
		}
		subjects = append(subjects, subject)
	}
	slices.SortFunc(subjects, func(a, b SubjectRef) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	return subjects, nil
}
