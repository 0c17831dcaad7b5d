package kinship_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kinship-auth/kinship"
)

func guildModel(t *testing.T) *kinship.Model {
	model, err := kinship.NewModel(kinship.ObjectMap{
		"user": kinship.RelationMap{},
		"role": kinship.RelationMap{
			"parent":   kinship.This("guild"),
			"has_role": kinship.This("user"),
		},
		"guild": kinship.RelationMap{
			"owner":  kinship.This("user"),
			"banned": kinship.This("user"),
			"member": kinship.AnyOf(
				kinship.This("user"),
				kinship.ComputedUserset("owner"),
			),
			"moderator": kinship.AnyOf(
				kinship.This("user"),
				kinship.ComputedUserset("owner"),
			),
			"has_role": kinship.This("role"),
			"can_kick_members": kinship.AnyOf(
				kinship.This("role#has_role"),
				kinship.ComputedUserset("moderator"),
			),
			"can_ban_members": kinship.AnyOf(
				kinship.TupleTo("has_role", "has_role"),
				kinship.ComputedUserset("moderator"),
			),
			"can_message": kinship.ButNot(
				kinship.ComputedUserset("member"),
				kinship.ComputedUserset("banned"),
			),
		},
	})
	require.NoError(t, err)
	return model
}

func TestModel(t *testing.T) {
	model := guildModel(t)

	require.True(t, model.IsValid(kinship.TupleString("guild:acme#member@user:bob")))
	require.True(t, model.IsValid(kinship.TupleString("guild:acme#can_kick_members@role:mods#has_role")))
	require.False(t, model.IsValid(kinship.TupleString("wrong:acme#member@user:bob")))
	require.False(t, model.IsValid(kinship.TupleString("guild:acme#wrong@user:bob")))
	require.False(t, model.IsValid(kinship.TupleString("guild:acme#member@wrong:bob")))
	require.False(t, model.IsValid(kinship.TupleString("guild:acme#member@role:mods#wrong")))

	require.Equal(t, []string{"guild", "role", "user"}, model.Types())
	require.Equal(t, []string{"has_role", "parent"}, model.Relations("role"))

	rel, ok := model.Relation("guild", "can_message")
	require.True(t, ok)
	require.Equal(t, "guild", rel.Object)
	require.Equal(t, "can_message", rel.Name)
	_, ok = model.Relation("guild", "wrong")
	require.False(t, ok)
}

func TestModelDanglingReferences(t *testing.T) {
	assertInvalid := func(t *testing.T, om kinship.ObjectMap) *kinship.ModelValidationError {
		_, err := kinship.NewModel(om)
		require.Error(t, err)
		var verr *kinship.ModelValidationError
		require.True(t, errors.As(err, &verr))
		return verr
	}

	t.Run("undeclared_direct_type", func(t *testing.T) {
		verr := assertInvalid(t, kinship.ObjectMap{
			"guild": kinship.RelationMap{
				"member": kinship.This("user"),
			},
		})
		require.Equal(t, "guild", verr.Type)
		require.Equal(t, "member", verr.Relation)
	})

	t.Run("undeclared_userset_relation", func(t *testing.T) {
		assertInvalid(t, kinship.ObjectMap{
			"role": kinship.RelationMap{},
			"guild": kinship.RelationMap{
				"member": kinship.This("role#has_role"),
			},
		})
	})

	t.Run("undeclared_computed_relation", func(t *testing.T) {
		assertInvalid(t, kinship.ObjectMap{
			"guild": kinship.RelationMap{
				"member": kinship.ComputedUserset("owner"),
			},
		})
	})

	t.Run("undeclared_tupleset", func(t *testing.T) {
		assertInvalid(t, kinship.ObjectMap{
			"user": kinship.RelationMap{},
			"guild": kinship.RelationMap{
				"member": kinship.TupleTo("parent", "member"),
			},
		})
	})

	t.Run("undeclared_ttu_target", func(t *testing.T) {
		assertInvalid(t, kinship.ObjectMap{
			"user": kinship.RelationMap{},
			"org":  kinship.RelationMap{},
			"guild": kinship.RelationMap{
				"parent": kinship.This("org"),
				"member": kinship.TupleTo("parent", "member"),
			},
		})
	})
}

func TestModelRecursionIsLegal(t *testing.T) {
	// Mutually recursive relations compile fine, only evaluation guards
	// against cycles.
	_, err := kinship.NewModel(kinship.ObjectMap{
		"user": kinship.RelationMap{},
		"guild": kinship.RelationMap{
			"a": kinship.AnyOf(kinship.This("user"), kinship.ComputedUserset("b")),
			"b": kinship.AnyOf(kinship.This("user"), kinship.ComputedUserset("a")),
		},
	})
	require.NoError(t, err)
}

func TestObjectMapJSON(t *testing.T) {
	om := kinship.ObjectMap{
		"user": kinship.RelationMap{},
		"guild": kinship.RelationMap{
			"owner": kinship.This("user"),
			"member": kinship.AnyOf(
				kinship.This("user"),
				kinship.ComputedUserset("owner"),
			),
		},
	}
	data, err := json.Marshal(om)
	require.NoError(t, err)

	var decoded kinship.ObjectMap
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, om, decoded)

	_, err = kinship.NewModel(decoded)
	require.NoError(t, err)
}
