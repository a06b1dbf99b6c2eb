// Package permission expands roles into the permission names carried by
// access tokens.
//
// # Model
//
// A [Registry] holds every permission name the application knows. A
// [RoleManager] maps each role to a subset of those names. Both are built
// once at startup, frozen, and read concurrently afterwards.
//
// # What this package must NOT do
//
//   - Access Redis, databases, or the network.
//   - Import authcore, jwt, or session.
package permission
