// Package session tracks the active sessions of every user.
//
// # Architecture boundaries
//
// [Store] owns session policy: the per-user cap with FIFO eviction,
// idempotent close, throttled heartbeats and pruning. Persistence sits
// behind [Repository], implemented by [MemoryRepository] and
// [RedisRepository]. Closing a session always records its access token id
// through the injected [Revoker] before the close is reported.
//
// # What this package must NOT do
//
//   - Sign or parse tokens.
//   - Store plaintext refresh secrets; only their SHA-256 is kept.
package session
