// Package revocation keeps the registry of revoked token identifiers.
//
// # Fail-closed lookups
//
// [Registry.IsRevoked] answers true whenever it cannot prove the opposite: a
// store error, a cancelled context or a deadline all count as revoked. Writes
// through [Registry.Add] are committed before they return so that a logout
// reported as successful is already visible to every validator.
//
// # Stores
//
// [MemoryStore] is the default for single-process deployments and tests.
// [RedisStore] mirrors each record into a key that expires with the revoked
// token. A Postgres implementation lives in storage/postgres.
package revocation
