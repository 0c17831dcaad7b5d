package kinship

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTupleString(t *testing.T) {
	input1 := "guild:acme#member@user:bob"
	t1 := TupleString(input1)
	require.Equal(t, Tuple{
		ObjectType:  "guild",
		ObjectID:    "acme",
		Relation:    "member",
		SubjectType: "user",
		SubjectID:   "bob",
	}, t1)
	require.Equal(t, input1, t1.String())

	input2 := "guild:acme#can_kick_members@role:mods#has_role"
	t2 := TupleString(input2)
	require.Equal(t, Tuple{
		ObjectType:      "guild",
		ObjectID:        "acme",
		Relation:        "can_kick_members",
		SubjectType:     "role",
		SubjectID:       "mods",
		SubjectRelation: "has_role",
	}, t2)
	require.Equal(t, input2, t2.String())

	require.Equal(t, EmptyTuple, TupleString("not a tuple"))
	require.Equal(t, EmptyTuple, TupleString("guild:acme#member"))
	require.Equal(t, EmptyTuple, TupleString("guild#member@user:bob"))
}

func TestSubjectString(t *testing.T) {
	require.Equal(t, SubjectRef{Type: "user", ID: "bob"}, SubjectString("user:bob"))
	require.Equal(t, SubjectRef{Type: "role", ID: "mods", Relation: "has_role"}, SubjectString("role:mods#has_role"))
	require.Equal(t, SubjectRef{}, SubjectString("bob"))

	require.False(t, SubjectString("user:bob").IsUserset())
	require.True(t, SubjectString("role:mods#has_role").IsUserset())
	require.Equal(t, "role:mods#has_role", SubjectString("role:mods#has_role").String())
}

func TestTupleParts(t *testing.T) {
	tuple := TupleString("guild:acme#member@user:bob")
	require.Equal(t, "guild:acme", tuple.Object())
	require.Equal(t, "guild:acme#member", tuple.Userset())
	require.Equal(t, SubjectRef{Type: "user", ID: "bob"}, tuple.Subject())
}
