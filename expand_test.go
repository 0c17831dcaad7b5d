package kinship_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kinship-auth/kinship"
	"github.com/kinship-auth/kinship/storage/memory"
)

func TestExpandDirect(t *testing.T) {
	resolver, _ := newGuildResolver(t,
		"guild:acme#member@user:bob",
		"guild:acme#member@user:carol",
	)

	tree, err := resolver.Expand(context.Background(), "guild", "acme", "member")
	require.NoError(t, err)
	require.Equal(t, "guild:acme", tree.Object)
	require.Equal(t, "member", tree.Relation)

	// member = anyOf(direct, computed owner)
	root := tree.Root
	require.Equal(t, kinship.ExpandUnion, root.Kind)
	require.Equal(t, "guild:acme#member", root.At)
	require.Len(t, root.Children, 2)

	leaf := root.Children[0]
	require.Equal(t, kinship.ExpandLeaf, leaf.Kind)
	require.Equal(t, []kinship.SubjectRef{
		{Type: "user", ID: "bob"},
		{Type: "user", ID: "carol"},
	}, leaf.Subjects)

	computed := root.Children[1]
	require.Equal(t, kinship.ExpandComputed, computed.Kind)
	require.Len(t, computed.Children, 1)
	require.Equal(t, "guild:acme#owner", computed.Children[0].At)
}

func TestExpandExclusionAndTupleToUserset(t *testing.T) {
	resolver, _ := newGuildResolver(t,
		"guild:acme#member@user:carol",
		"guild:acme#banned@user:carol",
		"guild:acme#has_role@role:mods",
		"role:mods#has_role@user:dave",
	)
	ctx := context.Background()

	tree, err := resolver.Expand(ctx, "guild", "acme", "can_message")
	require.NoError(t, err)
	require.Equal(t, kinship.ExpandExclusion, tree.Root.Kind)
	require.Len(t, tree.Root.Children, 2)

	// Both operands are computed usersets; carol appears in each of them.
	base, subtract := tree.Root.Children[0], tree.Root.Children[1]
	require.Equal(t, kinship.ExpandComputed, base.Kind)
	require.Equal(t, kinship.ExpandComputed, subtract.Kind)
	require.Equal(t, "guild:acme#banned", subtract.Children[0].At)

	tree, err = resolver.Expand(ctx, "guild", "acme", "can_ban_members")
	require.NoError(t, err)
	require.Equal(t, kinship.ExpandUnion, tree.Root.Kind)

	ttu := tree.Root.Children[0]
	require.Equal(t, kinship.ExpandTupleToUserset, ttu.Kind)
	require.Equal(t, "guild:acme#has_role", ttu.At)
	require.Len(t, ttu.Children, 1)
	require.Equal(t, "role:mods#has_role", ttu.Children[0].At)
	require.Equal(t, []kinship.SubjectRef{{Type: "user", ID: "dave"}}, ttu.Children[0].Subjects)
}

func TestExpandTruncation(t *testing.T) {
	model, err := kinship.NewModel(kinship.ObjectMap{
		"user": kinship.RelationMap{},
		"guild": kinship.RelationMap{
			"a": kinship.AnyOf(kinship.This("user"), kinship.ComputedUserset("b")),
			"b": kinship.AnyOf(kinship.This("user"), kinship.ComputedUserset("a")),
		},
	})
	require.NoError(t, err)

	storage := memory.NewMemoryStorage()
	defer storage.Close()
	resolver, err := kinship.NewResolver(model, storage)
	require.NoError(t, err)

	tree, err := resolver.Expand(context.Background(), "guild", "acme", "a")
	require.NoError(t, err)

	// a -> b -> a is cut off with an explicit truncation marker.
	b := tree.Root.Children[1].Children[0]
	require.Equal(t, "guild:acme#b", b.At)
	truncated := b.Children[1].Children[0]
	require.Equal(t, kinship.ExpandTruncated, truncated.Kind)
	require.Equal(t, "guild:acme#a", truncated.At)
	require.NotZero(t, resolver.Stats().CyclesDetected)
}

func TestExpandUndeclaredRelation(t *testing.T) {
	resolver, _ := newGuildResolver(t)
	_, err := resolver.Expand(context.Background(), "guild", "acme", "wrong")
	require.Error(t, err)
}

func TestUsersetTreeJSON(t *testing.T) {
	resolver, _ := newGuildResolver(t, "guild:acme#member@user:bob")

	tree, err := resolver.Expand(context.Background(), "guild", "acme", "member")
	require.NoError(t, err)

	data, err := json.Marshal(tree)
	require.NoError(t, err)
	require.Contains(t, string(data), `"kind":"anyOf"`)
	require.Contains(t, string(data), `"at":"guild:acme#member"`)
}
