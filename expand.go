package kinship

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

type ExpandNodeKind int

const (
	ExpandLeaf ExpandNodeKind = iota
	ExpandUnion
	ExpandIntersection
	ExpandExclusion
	ExpandComputed
	ExpandTupleToUserset
	// ExpandTruncated marks a branch cut off by the cycle or depth guard.
	// Cut-off branches are reported explicitly instead of being silently
	// omitted from the tree.
	ExpandTruncated
)

var expandKindNames = map[ExpandNodeKind]string{
	ExpandLeaf:           "leaf",
	ExpandUnion:          "anyOf",
	ExpandIntersection:   "allOf",
	ExpandExclusion:      "butNot",
	ExpandComputed:       "computedUserset",
	ExpandTupleToUserset: "tupleToUserset",
	ExpandTruncated:      "truncated",
}

func (k ExpandNodeKind) String() string {
	if name, ok := expandKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ExpandNodeKind(%d)", int(k))
}

func (k ExpandNodeKind) MarshalJSON() ([]byte, error) {
	name, ok := expandKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown expand node kind %d", int(k))
	}
	return []byte(`"` + name + `"`), nil
}

func (k *ExpandNodeKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for kind, n := range expandKindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown expand node kind %q", name)
}

// ExpandNode is one node of a materialized userset tree. Operator nodes mirror
// the relation's rewrite expression; leaves carry the stored subjects
// satisfying a direct assignment at query time.
type ExpandNode struct {
	Kind ExpandNodeKind `json:"kind"`
	// At names the `type:id#relation` userset this node expands; set on
	// relation roots indirection targets and truncation markers.
	At       string        `json:"at,omitempty"`
	Subjects []SubjectRef  `json:"subjects,omitempty"`
	Children []*ExpandNode `json:"children,omitempty"`
}

// UsersetTree is the result of an Expand query: the full justification of who
// holds the relation on the object and through which operators.
type UsersetTree struct {
	Object   string      `json:"object"`
	Relation string      `json:"relation"`
	Root     *ExpandNode `json:"root"`
}

// Expand materializes the userset tree of relation on the given object. It
// applies the same cycle and depth guards as Check and reports cut-off
// branches as explicit truncation nodes.
func (r *Resolver) Expand(ctx context.Context, objectType, objectID, relation string) (*UsersetTree, error) {
	if _, ok := r.model.Relation(objectType, relation); !ok {
		return nil, fmt.Errorf("relation %q is not declared on type %q", relation, objectType)
	}
	root, err := r.expandUserset(ctx, objectType, objectID, relation, newResolution(r.maxDepth))
	if err != nil {
		return nil, err
	}
	return &UsersetTree{
		Object:   objectType + ":" + objectID,
		Relation: relation,
		Root:     root,
	}, nil
}

func usersetKey(objectType, objectID, relation string) string {
	return fmt.Sprintf("%s:%s#%s", objectType, objectID, relation)
}

func (r *Resolver) expandUserset(ctx context.Context, objectType, objectID, relation string, res *resolution) (*ExpandNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := usersetKey(objectType, objectID, relation)
	if res.depth <= 0 {
		r.depthExceeded.Add(1)
		return &ExpandNode{Kind: ExpandTruncated, At: key}, nil
	}
	if res.seen(key) {
		r.cyclesDetected.Add(1)
		return &ExpandNode{Kind: ExpandTruncated, At: key}, nil
	}
	rel, ok := r.model.Relation(objectType, relation)
	if !ok {
		return nil, fmt.Errorf("relation %q is not declared on type %q", relation, objectType)
	}
	node, err := r.expandNode(ctx, rel.rewrite, objectType, objectID, relation, res.with(key))
	if err != nil {
		return nil, err
	}
	if node.At == "" {
		node.At = key
	}
	return node, nil
}

func (r *Resolver) expandNode(ctx context.Context, node *rewrite, objectType, objectID, relation string, res *resolution) (*ExpandNode, error) {
	switch node.kind {
	case KindThis:
		return r.expandDirect(ctx, node, objectType, objectID, relation)
	case KindComputedUserset:
		child, err := r.expandUserset(ctx, objectType, objectID, node.computed.Name, res)
		if err != nil {
			return nil, err
		}
		return &ExpandNode{Kind: ExpandComputed, Children: []*ExpandNode{child}}, nil
	case KindTupleToUserset:
		return r.expandTupleToUserset(ctx, node, objectType, objectID, res)
	case KindUnion, KindIntersection:
		kind := ExpandUnion
		if node.kind == KindIntersection {
			kind = ExpandIntersection
		}
		children := make([]*ExpandNode, 0, len(node.children))
		for _, child := range node.children {
			expanded, err := r.expandNode(ctx, child, objectType, objectID, relation, res)
			if err != nil {
				return nil, err
			}
			children = append(children, expanded)
		}
		return &ExpandNode{Kind: kind, Children: children}, nil
	case KindExclusion:
		base, err := r.expandNode(ctx, node.children[0], objectType, objectID, relation, res)
		if err != nil {
			return nil, err
		}
		subtract, err := r.expandNode(ctx, node.children[1], objectType, objectID, relation, res)
		if err != nil {
			return nil, err
		}
		return &ExpandNode{Kind: ExpandExclusion, Children: []*ExpandNode{base, subtract}}, nil
	default:
		panic("unreachable")
	}
}

func (r *Resolver) expandDirect(ctx context.Context, node *rewrite, objectType, objectID, relation string) (*ExpandNode, error) {
	iter, err := r.storage.ReadUserset(ctx, objectType, objectID, relation)
	if err != nil {
		return nil, storeError("read userset", err)
	}
	defer iter.Stop()

	var subjects []SubjectRef
	for {
		stored, err := iter.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			break
		} else if err != nil {
			return nil, storeError("read userset", err)
		}
		if !node.allowsSubject(stored.SubjectType, stored.SubjectRelation) {
			continue
		}
		subjects = append(subjects, stored.Subject())
	}
	slices.SortFunc(subjects, func(a, b SubjectRef) int {
		return strings.Compare(a.String(), b.String())
	})
	return &ExpandNode{Kind: ExpandLeaf, Subjects: subjects}, nil
}

func (r *Resolver) expandTupleToUserset(ctx context.Context, node *rewrite, objectType, objectID string, res *resolution) (*ExpandNode, error) {
	iter, err := r.storage.ReadUserset(ctx, objectType, objectID, node.tupleset.Name)
	if err != nil {
		return nil, storeError("read tupleset", err)
	}
	defer iter.Stop()

	parent := &ExpandNode{Kind: ExpandTupleToUserset, At: usersetKey(objectType, objectID, node.tupleset.Name)}
	for {
		link, err := iter.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			break
		} else if err != nil {
			return nil, storeError("read tupleset", err)
		}
		if link.SubjectRelation != "" {
			continue
		}
		target, ok := node.ttuTargets[link.SubjectType]
		if !ok {
			continue
		}
		child, err := r.expandUserset(ctx, link.SubjectType, link.SubjectID, target.Name, res)
		if err != nil {
			return nil, err
		}
		parent.Children = append(parent.Children, child)
	}
	return parent, nil
}
