// Package rbac resolves scoped role-based permissions.
//
// Roles carry permission codes and may inherit from a single parent role.
// Users hold roles through assignments that are either global or limited to
// a scope such as "project:12". Resolving a user's permissions in a scope
// unions the permissions of every global assignment and every assignment in
// exactly that scope, each expanded through its parent chain. The walk keeps
// a visited set so cyclic data terminates, and stops after Config.MaxDepth
// hops with a warning.
//
// # Caching
//
// Resolved sets are cached per user and scope under
//
//	rbac:user:<id>:scope:<scope|global>
//
// for Config.CacheTTL, including empty sets. Concurrent misses for the same
// key share one store round trip. A cache that cannot be reached is logged
// and counted, and resolution falls back to the store.
//
// Every mutation runs in a transaction and clears the affected entries
// before it commits, so a mutation whose invalidation fails is rolled back:
//
//   - assigning or removing a scoped role clears that scope and the global entry
//   - assigning or removing a global role clears all of the user's entries
//   - granting, revoking or re-parenting clears every entry of every user
//     holding the role or a role inheriting from it
//
// # Usage
//
//	resolver := rbac.NewResolver(rbac.NewSQLStore(db, dialect), backend, rbac.DefaultConfig(), logger, metrics)
//	if err := resolver.Require(ctx, user, "task.edit", rbac.ProjectScope(projectID)); err != nil {
//		return err
//	}
//
//	scopes, _ := resolver.ScopesWithPermission(ctx, user, "task.view")
//	ids, all := rbac.ResourceIDs(scopes, "project")
//
// Superusers hold every permission everywhere, so ScopesWithPermission
// returns only the global scope for them. Anonymous and inactive users
// hold nothing.
package rbac
