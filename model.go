package kinship

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Inspired by https://docs.warrant.dev/concepts/object-types/
type ObjectMap map[string]RelationMap

type RelationMap map[string]Userset

type UsersetKind int

const (
	KindThis UsersetKind = iota
	KindComputedUserset
	KindTupleToUserset
	KindUnion
	KindIntersection
	KindExclusion
)

var kindNames = map[UsersetKind]string{
	KindThis:            "this",
	KindComputedUserset: "computedUserset",
	KindTupleToUserset:  "tupleToUserset",
	KindUnion:           "anyOf",
	KindIntersection:    "allOf",
	KindExclusion:       "butNot",
}

func (k UsersetKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UsersetKind(%d)", int(k))
}

func (k UsersetKind) MarshalJSON() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown userset kind %d", int(k))
	}
	return json.Marshal(name)
}

func (k *UsersetKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for kind, n := range kindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown userset kind %q", name)
}

// Userset is one node of a relation's rewrite expression. The zero value is a
// direct assignment without subject-type restrictions.
type Userset struct {
	Kind UsersetKind `json:"kind"`
	// Types restricts the subject types of a direct assignment, e.g.
	// "user" or "role#has_role" for userset-typed subjects.
	Types []string `json:"types,omitempty"`
	// Relation names the target of a computed userset or of the second hop
	// of a tuple-to-userset.
	Relation string `json:"relation,omitempty"`
	// Tupleset names the linking relation of a tuple-to-userset.
	Tupleset string `json:"tupleset,omitempty"`
	// Children holds the members of a union/intersection; for an exclusion
	// Children[0] is the base and Children[1] the subtrahend.
	Children []Userset `json:"children,omitempty"`
}

// This declares a direct assignment, optionally restricted to the given
// subject types (`"user"`) or userset-typed subjects (`"role#has_role"`).
func This(types ...string) Userset {
	return Userset{Kind: KindThis, Types: types}
}

// ComputedUserset delegates to another relation on the same object.
func ComputedUserset(relation string) Userset {
	return Userset{Kind: KindComputedUserset, Relation: relation}
}

// TupleTo resolves relation on every object linked through the tupleset
// relation of the current object.
func TupleTo(tupleset, relation string) Userset {
	return Userset{Kind: KindTupleToUserset, Tupleset: tupleset, Relation: relation}
}

// AnyOf holds if any child holds. Nested unions are flattened.
func AnyOf(children ...Userset) Userset {
	flat := make([]Userset, 0, len(children))
	for _, child := range children {
		if child.Kind == KindUnion {
			flat = append(flat, child.Children...)
			continue
		}
		flat = append(flat, child)
	}
	return Userset{Kind: KindUnion, Children: flat}
}

// AllOf holds if all children hold.
func AllOf(children ...Userset) Userset {
	return Userset{Kind: KindIntersection, Children: children}
}

// ButNot holds if base holds and subtract does not.
func ButNot(base, subtract Userset) Userset {
	return Userset{Kind: KindExclusion, Children: []Userset{base, subtract}}
}

// ModelValidationError reports a dangling reference found while compiling an
// ObjectMap. Query serving must not start against a model that failed to
// compile.
type ModelValidationError struct {
	Type     string
	Relation string
	Reason   string
}

func (e *ModelValidationError) Error() string {
	return fmt.Sprintf("invalid model: relation %q on type %q: %s", e.Relation, e.Type, e.Reason)
}

type directRef struct {
	typeName string
	relation string
}

// rewrite is the compiled form of a Userset with every relation reference
// resolved to a *Relation, so no name lookup can fail mid-query.
type rewrite struct {
	kind       UsersetKind
	direct     []directRef
	computed   *Relation
	tupleset   *Relation
	relation   string
	ttuTargets map[string]*Relation
	children   []*rewrite
}

func (n *rewrite) allowsSubject(subjectType, subjectRelation string) bool {
	if len(n.direct) == 0 {
		return true
	}
	for _, ref := range n.direct {
		if ref.typeName == subjectType && ref.relation == subjectRelation {
			return true
		}
	}
	return false
}

func (n *rewrite) hasUsersetTypes() bool {
	if len(n.direct) == 0 {
		return true
	}
	for _, ref := range n.direct {
		if ref.relation != "" {
			return true
		}
	}
	return false
}

// Relation is a compiled relation of a Model.
type Relation struct {
	Object  string
	Name    string
	rewrite *rewrite
}

// Model is the immutable compiled form of an ObjectMap. It is safe for
// concurrent use; a new model version is a new Model instance.
type Model struct {
	relations map[string]map[string]*Relation
	source    ObjectMap
}

func NewModel(om ObjectMap) (*Model, error) {
	m := &Model{
		relations: make(map[string]map[string]*Relation, len(om)),
		source:    om,
	}
	for typeName, relations := range om {
		m.relations[typeName] = make(map[string]*Relation, len(relations))
		for name := range relations {
			m.relations[typeName][name] = &Relation{Object: typeName, Name: name}
		}
	}
	for typeName, relations := range om {
		for name, expr := range relations {
			rw, err := m.compile(typeName, name, expr)
			if err != nil {
				return nil, err
			}
			m.relations[typeName][name].rewrite = rw
		}
	}
	return m, nil
}

func (m *Model) compile(typeName, relation string, expr Userset) (*rewrite, error) {
	fail := func(format string, args ...any) error {
		return &ModelValidationError{Type: typeName, Relation: relation, Reason: fmt.Sprintf(format, args...)}
	}
	switch expr.Kind {
	case KindThis:
		refs := make([]directRef, 0, len(expr.Types))
		for _, t := range expr.Types {
			subjectType, subjectRelation, _ := strings.Cut(t, "#")
			subjectRelations, ok := m.relations[subjectType]
			if !ok {
				return nil, fail("direct restriction names undeclared type %q", subjectType)
			}
			if subjectRelation != "" {
				if _, ok := subjectRelations[subjectRelation]; !ok {
					return nil, fail("direct restriction %q names undeclared relation %q on type %q", t, subjectRelation, subjectType)
				}
			}
			refs = append(refs, directRef{typeName: subjectType, relation: subjectRelation})
		}
		return &rewrite{kind: KindThis, direct: refs}, nil
	case KindComputedUserset:
		target, ok := m.relations[typeName][expr.Relation]
		if !ok {
			return nil, fail("computed userset refers to undeclared relation %q", expr.Relation)
		}
		return &rewrite{kind: KindComputedUserset, computed: target}, nil
	case KindTupleToUserset:
		tupleset, ok := m.relations[typeName][expr.Tupleset]
		if !ok {
			return nil, fail("tupleset refers to undeclared relation %q", expr.Tupleset)
		}
		linked := directTypesOf(m.source[typeName][expr.Tupleset])
		if len(linked) == 0 {
			return nil, fail("tupleset relation %q has no concrete subject types to traverse", expr.Tupleset)
		}
		targets := make(map[string]*Relation, len(linked))
		for _, linkedType := range linked {
			target, ok := m.relations[linkedType][expr.Relation]
			if !ok {
				return nil, fail("tuple-to-userset target %q is not declared on linked type %q", expr.Relation, linkedType)
			}
			targets[linkedType] = target
		}
		return &rewrite{kind: KindTupleToUserset, tupleset: tupleset, relation: expr.Relation, ttuTargets: targets}, nil
	case KindUnion, KindIntersection:
		if len(expr.Children) == 0 {
			return nil, fail("%s requires at least one child", expr.Kind)
		}
		children := make([]*rewrite, 0, len(expr.Children))
		for _, child := range expr.Children {
			rw, err := m.compile(typeName, relation, child)
			if err != nil {
				return nil, err
			}
			children = append(children, rw)
		}
		return &rewrite{kind: expr.Kind, children: children}, nil
	case KindExclusion:
		if len(expr.Children) != 2 {
			return nil, fail("exclusion requires exactly a base and a subtrahend")
		}
		base, err := m.compile(typeName, relation, expr.Children[0])
		if err != nil {
			return nil, err
		}
		subtract, err := m.compile(typeName, relation, expr.Children[1])
		if err != nil {
			return nil, err
		}
		return &rewrite{kind: KindExclusion, children: []*rewrite{base, subtract}}, nil
	default:
		return nil, fail("unknown userset kind %d", int(expr.Kind))
	}
}

// directTypesOf collects the concrete (non-userset) subject types assignable
// through the given expression.
func directTypesOf(expr Userset) []string {
	var types []string
	switch expr.Kind {
	case KindThis:
		for _, t := range expr.Types {
			if !strings.Contains(t, "#") {
				types = append(types, t)
			}
		}
	case KindUnion, KindIntersection, KindExclusion:
		for _, child := range expr.Children {
			types = append(types, directTypesOf(child)...)
		}
	}
	return lo.Uniq(types)
}

// Relation returns the compiled relation for the given type, if declared.
func (m *Model) Relation(objectType, relation string) (*Relation, bool) {
	rel, ok := m.relations[objectType][relation]
	return rel, ok
}

// Types returns the declared type names in lexical order.
func (m *Model) Types() []string {
	types := lo.Keys(m.relations)
	slices.Sort(types)
	return types
}

// Relations returns the relation names declared on the given type in lexical
// order.
func (m *Model) Relations(objectType string) []string {
	names := lo.Keys(m.relations[objectType])
	slices.Sort(names)
	return names
}

// IsValid reports whether the tuple only references declared types and
// relations. It validates shape, not rewrite semantics.
func (m *Model) IsValid(t Tuple) bool {
	if _, ok := m.relations[t.ObjectType][t.Relation]; !ok {
		return false
	}
	subjectRelations, ok := m.relations[t.SubjectType]
	if !ok {
		return false
	}
	if t.SubjectRelation != "" {
		if _, ok := subjectRelations[t.SubjectRelation]; !ok {
			return false
		}
	}
	return true
}
