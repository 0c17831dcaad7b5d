// Package testsuite exercises the full engine contract against a Storage
// implementation. Every backend runs the same suite.
package testsuite

import (
	"context"
	"log"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kinship-auth/kinship"
)

// Model is a guild/role authorization model: guild ownership implies
// moderation, permissions are granted either to moderators or through roles,
// and banned members lose can_message.
var Model = func() *kinship.Model {
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
			"can_change_owner": kinship.ComputedUserset("owner"),
			"can_manage_permissions": kinship.AnyOf(
				kinship.This("role#has_role"),
				kinship.ComputedUserset("moderator"),
			),
			"can_manage_channels": kinship.AnyOf(
				kinship.This("role#has_role"),
				kinship.ComputedUserset("moderator"),
			),
			"can_manage_roles": kinship.AnyOf(
				kinship.This("role#has_role"),
				kinship.ComputedUserset("moderator"),
			),
			"can_kick_members": kinship.AnyOf(
				kinship.This("role#has_role"),
				kinship.ComputedUserset("moderator"),
			),
			"can_ban_members": kinship.AnyOf(
				kinship.TupleTo("has_role", "has_role"),
				kinship.ComputedUserset("moderator"),
			),
			"can_add_members": kinship.AnyOf(
				kinship.This("role#has_role"),
				kinship.ComputedUserset("moderator"),
			),
			"can_message": kinship.ButNot(
				kinship.ComputedUserset("member"),
				kinship.ComputedUserset("banned"),
			),
		},
	})
	if err != nil {
		log.Fatalf("Expected model to compile: %v", err)
	}
	return model
}()

var fixtures = []string{
	"guild:acme#owner@user:alice",
	"guild:acme#member@user:bob",
	"guild:acme#member@user:carol",
	"guild:acme#banned@user:carol",
	"guild:acme#moderator@user:mallory",
	"guild:acme#has_role@role:acme-mods",
	"guild:acme#can_kick_members@role:acme-mods#has_role",
	"role:acme-mods#parent@guild:acme",
	"role:acme-mods#has_role@user:dave",
	"guild:other#owner@user:erin",
}

// Load writes the fixture tuples. Loading is idempotent, so a persistent
// backend can be reused across runs.
func Load(ctx context.Context, storage kinship.Storage) error {
	for _, s := range fixtures {
		if err := storage.Write(ctx, kinship.TupleString(s)); err != nil {
			return err
		}
	}
	return nil
}

func RunTestAll(t *testing.T, storages map[string]kinship.Storage) {
	for name, storage := range storages {
		t.Run(name, func(t *testing.T) {
			RunTest(t, storage)
		})
	}
}

func RunTest(t *testing.T, storage kinship.Storage) {
	ctx := context.Background()
	require.NoError(t, Load(ctx, storage))

	resolver, err := kinship.NewResolver(Model, storage)
	require.NoError(t, err)

	check := func(t *testing.T, s string) bool {
		result, err := resolver.Check(ctx, kinship.TupleString(s))
		require.NoError(t, err)
		return result
	}

	t.Run("checks", func(t *testing.T) {
		// Ownership implies moderation and membership.
		require.True(t, check(t, "guild:acme#moderator@user:alice"))
		require.True(t, check(t, "guild:acme#member@user:alice"))
		require.True(t, check(t, "guild:acme#can_change_owner@user:alice"))
		require.True(t, check(t, "guild:acme#can_kick_members@user:alice"))

		require.True(t, check(t, "guild:acme#can_ban_members@user:mallory"))
		require.False(t, check(t, "guild:acme#can_change_owner@user:mallory"))

		require.True(t, check(t, "guild:acme#member@user:bob"))
		require.False(t, check(t, "guild:acme#moderator@user:bob"))
		require.False(t, check(t, "guild:acme#can_ban_members@user:bob"))
	})

	t.Run("role_grants", func(t *testing.T) {
		// dave holds acme-mods, which is granted can_kick_members directly
		// and can_ban_members through the has_role indirection.
		require.True(t, check(t, "guild:acme#can_kick_members@user:dave"))
		require.True(t, check(t, "guild:acme#can_ban_members@user:dave"))
		require.False(t, check(t, "guild:acme#can_change_owner@user:dave"))
		require.False(t, check(t, "guild:acme#member@user:dave"))
	})

	t.Run("banned", func(t *testing.T) {
		require.True(t, check(t, "guild:acme#member@user:carol"))
		require.False(t, check(t, "guild:acme#can_message@user:carol"))
		require.True(t, check(t, "guild:acme#can_message@user:bob"))
		require.True(t, check(t, "guild:acme#can_message@user:alice"))
	})

	t.Run("cross_guild_isolation", func(t *testing.T) {
		require.True(t, check(t, "guild:other#can_change_owner@user:erin"))
		require.False(t, check(t, "guild:other#can_change_owner@user:alice"))
		require.False(t, check(t, "guild:other#can_message@user:bob"))
		require.False(t, check(t, "guild:acme#can_message@user:erin"))
	})

	t.Run("expand", func(t *testing.T) {
		tree, err := resolver.Expand(ctx, "guild", "acme", "can_message")
		require.NoError(t, err)
		require.Equal(t, "guild:acme#can_message", tree.Object+"#"+tree.Relation)
		require.Equal(t, kinship.ExpandExclusion, tree.Root.Kind)
		require.Len(t, tree.Root.Children, 2)
	})

	t.Run("list_objects", func(t *testing.T) {
		guilds, err := resolver.ListObjectsAll(ctx, kinship.SubjectString("user:alice"), "can_message", "guild", 0)
		require.NoError(t, err)
		require.Equal(t, []string{"acme"}, guilds)

		guilds, err = resolver.ListObjectsAll(ctx, kinship.SubjectString("user:carol"), "can_message", "guild", 0)
		require.NoError(t, err)
		require.Empty(t, guilds)
	})

	t.Run("list_subjects", func(t *testing.T) {
		subjects, err := resolver.ListSubjectsAll(ctx, "guild", "acme", "can_message", 0)
		require.NoError(t, err)
		names := make([]string, 0, len(subjects))
		for _, s := range subjects {
			names = append(names, s.String())
		}
		require.Equal(t, []string{"user:alice", "user:bob"}, names)
	})

	t.Run("pagination", func(t *testing.T) {
		var count int
		p := kinship.Pagination{Limit: 3}
		for {
			tuples, cursor, err := storage.List(ctx, kinship.TupleFilter{ObjectType: "guild"}, p)
			require.NoError(t, err)
			count += len(tuples)
			if cursor == uuid.Nil {
				break
			}
			require.Len(t, tuples, 3)
			p.Cursor = cursor
		}
		require.Equal(t, 8, count)
	})

	t.Run("concurrent_determinism", func(t *testing.T) {
		g, ctx := errgroup.WithContext(ctx)
		for i := 0; i < 32; i++ {
			g.Go(func() error {
				result, err := resolver.Check(ctx, kinship.TupleString("guild:acme#can_ban_members@user:dave"))
				if err != nil {
					return err
				}
				require.True(t, result)
				result, err = resolver.Check(ctx, kinship.TupleString("guild:acme#can_message@user:carol"))
				if err != nil {
					return err
				}
				require.False(t, result)
				return nil
			})
		}
		require.NoError(t, g.Wait())
	})

	// Mutating subtests run last so earlier expectations see fixture state.
	t.Run("revocation", func(t *testing.T) {
		grant := kinship.TupleString("guild:acme#member@user:frank")
		require.NoError(t, storage.Write(ctx, grant))
		require.True(t, check(t, "guild:acme#can_message@user:frank"))

		require.NoError(t, storage.Delete(ctx, grant))
		require.False(t, check(t, "guild:acme#can_message@user:frank"))
	})

	t.Run("unban", func(t *testing.T) {
		ban := kinship.TupleString("guild:acme#banned@user:carol")
		require.NoError(t, storage.Delete(ctx, ban))
		require.True(t, check(t, "guild:acme#can_message@user:carol"))
		require.NoError(t, storage.Write(ctx, ban))
		require.False(t, check(t, "guild:acme#can_message@user:carol"))
	})
	t.Run("ownership_transfer", func(t *testing.T) {
		old := kinship.TupleString("guild:other#owner@user:erin")
		next := kinship.TupleString("guild:other#owner@user:frank")
		require.NoError(t, storage.Delete(ctx, old))
		require.NoError(t, storage.Write(ctx, next))

		// The whole computed chain follows the new owner.
		require.True(t, check(t, "guild:other#can_change_owner@user:frank"))
		require.True(t, check(t, "guild:other#moderator@user:frank"))
		require.True(t, check(t, "guild:other#can_message@user:frank"))
		require.False(t, check(t, "guild:other#can_change_owner@user:erin"))
		require.False(t, check(t, "guild:other#moderator@user:erin"))
		require.False(t, check(t, "guild:other#can_message@user:erin"))

		require.NoError(t, storage.Delete(ctx, next))
		require.NoError(t, storage.Write(ctx, old))
		require.True(t, check(t, "guild:other#can_change_owner@user:erin"))
	})
}

func RunBenchmarkAll(b *testing.B, storages map[string]kinship.Storage) {
	for name, storage := range storages {
		b.Run(name, func(b *testing.B) {
			RunBenchmark(b, storage)
		})
	}
}

func RunBenchmark(b *testing.B, storage kinship.Storage) {
	ctx := context.Background()
	require.NoError(b, Load(ctx, storage))

	resolver, err := kinship.NewResolver(Model, storage)
	require.NoError(b, err)

	b.Run("direct", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, err := resolver.Check(ctx, kinship.TupleString("guild:acme#member@user:bob"))
			require.NoError(b, err)
		}
	})
	b.Run("role_indirection", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, err := resolver.Check(ctx, kinship.TupleString("guild:acme#can_ban_members@user:dave"))
			require.NoError(b, err)
		}
	})
	b.Run("exclusion", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, err := resolver.Check(ctx, kinship.TupleString("guild:acme#can_message@user:carol"))
			require.NoError(b, err)
		}
	})
}
