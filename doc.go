// The kinship-package provides building blocks for creating your own [Zanzibar]-esque
// authorization service.
//
// You start by defining an authorization model:
//
//	model, err := kinship.NewModel(kinship.ObjectMap{
//		"user": kinship.RelationMap{},
//		"role": kinship.RelationMap{
//			"parent":   kinship.This("guild"),
//			"has_role": kinship.This("user"),
//		},
//		"guild": kinship.RelationMap{
//			"owner":     kinship.This("user"),
//			"member":    kinship.This("user"),
//			"moderator": kinship.AnyOf(kinship.This("user"), kinship.ComputedUserset("owner")),
//			"has_role":  kinship.This("role"),
//			"can_ban_members": kinship.AnyOf(
//				kinship.This("role#has_role"),
//				kinship.ComputedUserset("moderator"),
//			),
//		},
//	})
//
// With a storage-implementation available, tuples can be inserted (check [whitepaper]
// for notation or alternatively construct [Tuple] directly):
//
//	// 'alice' owns the guild 'acme'
//	_ = storage.Write(ctx, kinship.TupleString("guild:acme#owner@user:alice"))
//	// The role 'admin' belongs to the guild 'acme'
//	_ = storage.Write(ctx, kinship.TupleString("guild:acme#has_role@role:admin"))
//	// 'bob' holds the role 'admin'
//	_ = storage.Write(ctx, kinship.TupleString("role:admin#has_role@user:bob"))
//	// Holders of the role 'admin' may ban members of 'acme'
//	_ = storage.Write(ctx, kinship.TupleString("guild:acme#can_ban_members@role:admin#has_role"))
//
// A [Resolver] traverses the tuples using the rewrite rules of the
// authorization-model to answer Check, Expand and List queries:
//
//	resolver, _ := kinship.NewResolver(model, storage)
//	// 'alice' inherits moderator through ownership, so this returns 'true':
//	ok, _ := resolver.Check(ctx, kinship.TupleString("guild:acme#moderator@user:alice"))
//	// 'bob' may ban members through the role userset, so this returns 'true' as well:
//	ok, _ = resolver.Check(ctx, kinship.TupleString("guild:acme#can_ban_members@user:bob"))
//
// For more examples, check the repository.
// You may find additional information in the README.
//
// [Zanzibar]: https://research.google/pubs/pub48190/
// [whitepaper]: https://research.google/pubs/pub48190/
package kinship
