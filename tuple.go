package kinship

import (
	"fmt"
	"strings"
)

// / ⟨tuple⟩ ::= ⟨object⟩‘#’⟨relation⟩‘@’⟨subject⟩
type Tuple struct {
	/// ⟨object⟩ ::= ⟨namespace⟩‘:’⟨object id⟩
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	/// ⟨relation⟩
	Relation string `json:"relation"`
	/// ⟨subject⟩ ::= ⟨namespace⟩‘:’⟨subject id⟩ | ⟨userset⟩
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	/// ⟨userset⟩ ::= ⟨object⟩‘#’⟨relation⟩
	SubjectRelation string `json:"subject_relation,omitempty"`
}

var EmptyTuple = Tuple{}

// TupleString parses the whitepaper notation
// `object_type:object_id#relation@subject_type:subject_id` with an optional
// `#subject_relation` suffix for userset subjects. Malformed input yields
// EmptyTuple.
func TupleString(s string) Tuple {
	object, rest, ok := strings.Cut(s, "#")
	if !ok {
		return EmptyTuple
	}
	relation, subject, ok := strings.Cut(rest, "@")
	if !ok {
		return EmptyTuple
	}
	objectType, objectID, ok := strings.Cut(object, ":")
	if !ok {
		return EmptyTuple
	}
	subjectRelation := ""
	if ref, rel, ok := strings.Cut(subject, "#"); ok {
		subject, subjectRelation = ref, rel
	}
	subjectType, subjectID, ok := strings.Cut(subject, ":")
	if !ok {
		return EmptyTuple
	}
	return Tuple{
		ObjectType:      objectType,
		ObjectID:        objectID,
		Relation:        relation,
		SubjectType:     subjectType,
		SubjectID:       subjectID,
		SubjectRelation: subjectRelation,
	}
}

func (t Tuple) String() string {
	if t.SubjectRelation != "" {
		return fmt.Sprintf("%s:%s#%s@%s:%s#%s", t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation)
	}
	return fmt.Sprintf("%s:%s#%s@%s:%s", t.ObjectType, t.ObjectID, t.Relation, t.SubjectType, t.SubjectID)
}

// Object returns the `type:id` part of the tuple.
func (t Tuple) Object() string {
	return t.ObjectType + ":" + t.ObjectID
}

// Userset returns the `type:id#relation` part of the tuple.
func (t Tuple) Userset() string {
	return fmt.Sprintf("%s:%s#%s", t.ObjectType, t.ObjectID, t.Relation)
}

func (t Tuple) Subject() SubjectRef {
	return SubjectRef{Type: t.SubjectType, ID: t.SubjectID, Relation: t.SubjectRelation}
}

// SubjectRef identifies either a concrete entity (`user:alice`) or a
// relation-qualified userset (`role:admin#has_role`).
type SubjectRef struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Relation string `json:"relation,omitempty"`
}

// SubjectString parses `type:id` with an optional `#relation` suffix.
// Malformed input yields the zero SubjectRef.
func SubjectString(s string) SubjectRef {
	relation := ""
	if ref, rel, ok := strings.Cut(s, "#"); ok {
		s, relation = ref, rel
	}
	typ, id, ok := strings.Cut(s, ":")
	if !ok {
		return SubjectRef{}
	}
	return SubjectRef{Type: typ, ID: id, Relation: relation}
}

func (s SubjectRef) String() string {
	if s.Relation != "" {
		return fmt.Sprintf("%s:%s#%s", s.Type, s.ID, s.Relation)
	}
	return s.Type + ":" + s.ID
}

func (s SubjectRef) IsUserset() bool {
	return s.Relation != ""
}
