// Package postgres persists users, revocation records and lockout state in
// PostgreSQL through the pgx database/sql driver.
//
// Schema changes ship as embedded golang-migrate files; call [Migrate]
// before first use. [RevocationStore] and [LockoutStore] satisfy the store
// interfaces of the revocation and lockout packages, and [UserRepository]
// satisfies authcore.UserProvider.
package postgres
