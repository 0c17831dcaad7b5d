package kinship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
)

const (
	defaultMaxDepth         = 32
	defaultConcurrencyLimit = 16
)

// Outcome is the tri-state result of evaluating a rewrite node. Indeterminate
// marks a branch cut off by the cycle or depth guard; it collapses to a
// negative answer at the API boundary but stays distinguishable internally.
type Outcome int

const (
	NotHolds Outcome = iota
	Holds
	Indeterminate
)

func (o Outcome) String() string {
	switch o {
	case NotHolds:
		return "not_holds"
	case Holds:
		return "holds"
	case Indeterminate:
		return "indeterminate"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Stats counts guard trips since the resolver was created. Repeated depth
// trips usually flag a misconfigured model.
type Stats struct {
	DepthExceeded  uint64
	CyclesDetected uint64
}

// A Resolver answers Check, Expand and List queries for one Model against a
// Storage-implementation. It is safe for concurrent use.
type Resolver struct {
	model            *Model
	storage          Storage
	log              *slog.Logger
	maxDepth         int
	concurrencyLimit int

	depthExceeded  atomic.Uint64
	cyclesDetected atomic.Uint64
}

type ResolverOption func(*Resolver)

// WithLogger sets the logger used for guard-trip and store-fault reporting.
func WithLogger(log *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

// WithMaxDepth limits the depth of the traversal of the authorization-model
// during a single query.
func WithMaxDepth(depth int) ResolverOption {
	return func(r *Resolver) { r.maxDepth = depth }
}

// WithConcurrencyLimit bounds the fan-out of concurrently evaluated branches
// per rewrite node.
func WithConcurrencyLimit(limit int) ResolverOption {
	return func(r *Resolver) { r.concurrencyLimit = limit }
}

func NewResolver(model *Model, storage Storage, options ...ResolverOption) (*Resolver, error) {
	if model == nil {
		return nil, errors.New("resolver requires a model")
	}
	if storage == nil {
		return nil, errors.New("resolver requires a storage")
	}
	r := &Resolver{
		model:            model,
		storage:          storage,
		log:              slog.Default(),
		maxDepth:         defaultMaxDepth,
		concurrencyLimit: defaultConcurrencyLimit,
	}
	for _, option := range options {
		option(r)
	}
	return r, nil
}

func (r *Resolver) Stats() Stats {
	return Stats{
		DepthExceeded:  r.depthExceeded.Load(),
		CyclesDetected: r.cyclesDetected.Load(),
	}
}

// Check reports whether the relationship stated by t holds. Branches cut off
// by the cycle or depth guard count as negative. Store faults and exceeded
// deadlines surface as errors, never as a negative answer.
func (r *Resolver) Check(ctx context.Context, t Tuple) (bool, error) {
	out, err := r.check(ctx, t, newResolution(r.maxDepth))
	if err != nil {
		return false, err
	}
	return out == Holds, nil
}

// resolution is the per-query state: the visited set breaking rewrite cycles
// and the remaining depth budget. It is never shared across queries; sibling
// branches receive cloned copies so they cannot observe each other's paths.
type resolution struct {
	visited map[string]struct{}
	depth   int
}

func newResolution(depth int) *resolution {
	return &resolution{visited: map[string]struct{}{}, depth: depth}
}

func (res *resolution) with(key string) *resolution {
	visited := maps.Clone(res.visited)
	visited[key] = struct{}{}
	return &resolution{visited: visited, depth: res.depth - 1}
}

func (res *resolution) seen(key string) bool {
	_, ok := res.visited[key]
	return ok
}

// check evaluates one (object, relation, subject) triple with the guards
// applied, then descends into the relation's rewrite expression.
func (r *Resolver) check(ctx context.Context, t Tuple, res *resolution) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return NotHolds, err
	}
	if res.depth <= 0 {
		r.depthExceeded.Add(1)
		r.log.Warn("resolution depth budget exhausted", slog.String("tuple", t.String()))
		return Indeterminate, nil
	}
	rel, ok := r.model.Relation(t.ObjectType, t.Relation)
	if !ok {
		return NotHolds, fmt.Errorf("relation %q is not declared on type %q", t.Relation, t.ObjectType)
	}
	key := t.String()
	if res.seen(key) {
		r.cyclesDetected.Add(1)
		return Indeterminate, nil
	}
	return r.evalNode(ctx, rel.rewrite, t, res.with(key))
}

type checkHandler func(ctx context.Context) (Outcome, error)

func (r *Resolver) evalNode(ctx context.Context, node *rewrite, t Tuple, res *resolution) (Outcome, error) {
	switch node.kind {
	case KindThis:
		return r.evalDirect(ctx, node, t, res)
	case KindComputedUserset:
		next := t
		next.Relation = node.computed.Name
		return r.check(ctx, next, res)
	case KindTupleToUserset:
		return r.evalTupleToUserset(ctx, node, t, res)
	case KindUnion:
		return r.union(ctx, r.childHandlers(node, t, res)...)
	case KindIntersection:
		return r.intersection(ctx, r.childHandlers(node, t, res)...)
	case KindExclusion:
		return r.exclusion(ctx, node, t, res)
	default:
		panic("unreachable")
	}
}

func (r *Resolver) childHandlers(node *rewrite, t Tuple, res *resolution) []checkHandler {
	handlers := make([]checkHandler, 0, len(node.children))
	for _, child := range node.children {
		child := child
		handlers = append(handlers, func(ctx context.Context) (Outcome, error) {
			return r.evalNode(ctx, child, t, res)
		})
	}
	return handlers
}

// evalDirect resolves a direct assignment. The first handler looks up the
// literal tuple, the second streams userset-typed subjects stored on the same
// object/relation and re-enters check for each of them.
func (r *Resolver) evalDirect(ctx context.Context, node *rewrite, t Tuple, res *resolution) (Outcome, error) {
	var handlers []checkHandler

	if node.allowsSubject(t.SubjectType, t.SubjectRelation) {
		handlers = append(handlers, func(ctx context.Context) (Outcome, error) {
			ok, err := r.storage.Exists(ctx, t)
			if err != nil {
				return NotHolds, storeError("exists", err)
			}
			if ok {
				return Holds, nil
			}
			return NotHolds, nil
		})
	}

	if node.hasUsersetTypes() {
		handlers = append(handlers, func(ctx context.Context) (Outcome, error) {
			return r.unionStream(ctx, func(ctx context.Context, emit func(checkHandler) bool) error {
				iter, err := r.storage.ReadUserset(ctx, t.ObjectType, t.ObjectID, t.Relation)
				if err != nil {
					return storeError("read userset", err)
				}
				defer iter.Stop()

				for {
					stored, err := iter.Next(ctx)
					if errors.Is(err, ErrIteratorDone) {
						return nil
					} else if err != nil {
						return storeError("read userset", err)
					}
					if stored.SubjectRelation == "" {
						continue
					}
					if !node.allowsSubject(stored.SubjectType, stored.SubjectRelation) {
						continue
					}
					// Membership in the referenced userset is itself a full
					// check and runs through the same guards.
					member := Tuple{
						ObjectType:      stored.SubjectType,
						ObjectID:        stored.SubjectID,
						Relation:        stored.SubjectRelation,
						SubjectType:     t.SubjectType,
						SubjectID:       t.SubjectID,
						SubjectRelation: t.SubjectRelation,
					}
					if !emit(func(ctx context.Context) (Outcome, error) {
						return r.check(ctx, member, res)
					}) {
						return nil
					}
				}
			})
		})
	}

	return r.union(ctx, handlers...)
}

// evalTupleToUserset resolves the linking relation on the object and
// evaluates the target relation on every linked object; the overall result is
// the union across intermediates. Intermediates are streamed, so enumeration
// of the tupleset stops as soon as one of them holds.
func (r *Resolver) evalTupleToUserset(ctx context.Context, node *rewrite, t Tuple, res *resolution) (Outcome, error) {
	return r.unionStream(ctx, func(ctx context.Context, emit func(checkHandler) bool) error {
		iter, err := r.storage.ReadUserset(ctx, t.ObjectType, t.ObjectID, node.tupleset.Name)
		if err != nil {
			return storeError("read tupleset", err)
		}
		defer iter.Stop()

		for {
			link, err := iter.Next(ctx)
			if errors.Is(err, ErrIteratorDone) {
				return nil
			} else if err != nil {
				return storeError("read tupleset", err)
			}
			if link.SubjectRelation != "" {
				continue
			}
			target, ok := node.ttuTargets[link.SubjectType]
			if !ok {
				continue
			}
			next := Tuple{
				ObjectType:      link.SubjectType,
				ObjectID:        link.SubjectID,
				Relation:        target.Name,
				SubjectType:     t.SubjectType,
				SubjectID:       t.SubjectID,
				SubjectRelation: t.SubjectRelation,
			}
			if !emit(func(ctx context.Context) (Outcome, error) {
				return r.check(ctx, next, res)
			}) {
				return nil
			}
		}
	})
}

type checkOutcome struct {
	out Outcome
	err error
}

// fanOut concurrently resolves the handlers and yields their outcomes on
// results, bounded by limit in-flight evaluations. The returned drain must be
// invoked after cancelling ctx to release all workers.
func fanOut(ctx context.Context, limit int, results chan<- checkOutcome, handlers ...checkHandler) func() {
	limiter := make(chan struct{}, limit)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
	outer:
		for _, handler := range handlers {
			fn := handler

			select {
			case limiter <- struct{}{}:
				wg.Add(1)
				go func() {
					defer wg.Done()

					resolved := make(chan checkOutcome, 1)
					go func() {
						out, err := fn(ctx)
						resolved <- checkOutcome{out, err}
						<-limiter
					}()

					select {
					case <-ctx.Done():
					case res := <-resolved:
						results <- res
					}
				}()
			case <-ctx.Done():
				break outer
			}
		}
	}()

	return func() {
		wg.Wait()
		close(limiter)
	}
}

// union holds if any handler holds. The first positive outcome cancels all
// still-running siblings.
func (r *Resolver) union(ctx context.Context, handlers ...checkHandler) (Outcome, error) {
	if len(handlers) == 0 {
		return NotHolds, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	results := make(chan checkOutcome, len(handlers))

	drain := fanOut(ctx, r.concurrencyLimit, results, handlers...)
	defer func() {
		cancel()
		drain()
		close(results)
	}()

	outcome := NotHolds
	var err error
	for i := 0; i < len(handlers); i++ {
		select {
		case res := <-results:
			if res.err != nil {
				err = res.err
				continue
			}
			switch res.out {
			case Holds:
				return Holds, nil
			case Indeterminate:
				outcome = Indeterminate
			}
		case <-ctx.Done():
			return NotHolds, ctx.Err()
		}
	}
	if err != nil {
		return NotHolds, err
	}
	return outcome, nil
}

// unionStream evaluates handlers as a union while they are still being
// produced. produce emits one handler per storage entry through emit and
// stops as soon as emit reports false; the first positive outcome cancels the
// producer, so a large tupleset is never enumerated past the entry that
// already granted access.
func (r *Resolver) unionStream(ctx context.Context, produce func(ctx context.Context, emit func(checkHandler) bool) error) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handlers := make(chan checkHandler)
	produced := make(chan error, 1)
	go func() {
		defer close(handlers)
		produced <- produce(ctx, func(h checkHandler) bool {
			select {
			case handlers <- h:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	results := make(chan checkOutcome)
	limiter := make(chan struct{}, r.concurrencyLimit)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for handler := range handlers {
			fn := handler

			select {
			case limiter <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-limiter }()

				out, err := fn(ctx)
				select {
				case results <- checkOutcome{out, err}:
				case <-ctx.Done():
				}
			}()
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	outcome := NotHolds
	var err error
	for res := range results {
		if res.err != nil {
			err = res.err
			continue
		}
		switch res.out {
		case Holds:
			cancel()
			for range results {
			}
			<-produced
			return Holds, nil
		case Indeterminate:
			outcome = Indeterminate
		}
	}
	if perr := <-produced; err == nil {
		err = perr
	}
	if err != nil {
		return NotHolds, err
	}
	return outcome, nil
}

// intersection holds if all handlers hold. The first negative outcome cancels
// all still-running siblings.
func (r *Resolver) intersection(ctx context.Context, handlers ...checkHandler) (Outcome, error) {
	if len(handlers) == 0 {
		return NotHolds, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	results := make(chan checkOutcome, len(handlers))

	drain := fanOut(ctx, r.concurrencyLimit, results, handlers...)
	defer func() {
		cancel()
		drain()
		close(results)
	}()

	outcome := Holds
	var err error
	for i := 0; i < len(handlers); i++ {
		select {
		case res := <-results:
			if res.err != nil {
				err = res.err
				continue
			}
			switch res.out {
			case NotHolds:
				return NotHolds, nil
			case Indeterminate:
				outcome = Indeterminate
			}
		case <-ctx.Done():
			return NotHolds, ctx.Err()
		}
	}
	if err != nil {
		return NotHolds, err
	}
	return outcome, nil
}

// exclusion evaluates the base first; the subtrahend only runs when the base
// might hold.
func (r *Resolver) exclusion(ctx context.Context, node *rewrite, t Tuple, res *resolution) (Outcome, error) {
	base, err := r.evalNode(ctx, node.children[0], t, res)
	if err != nil {
		return NotHolds, err
	}
	if base == NotHolds {
		return NotHolds, nil
	}
	subtract, err := r.evalNode(ctx, node.children[1], t, res)
	if err != nil {
		return NotHolds, err
	}
	if subtract == Holds {
		return NotHolds, nil
	}
	if base == Indeterminate || subtract == Indeterminate {
		return Indeterminate, nil
	}
	return Holds, nil
}
