// Package lockout implements per-user failed-attempt counting and
// temporary account lockout.
//
// The increment and threshold check of [Store.RecordFailure] is the only
// mandatory critical section: every implementation performs it atomically
// per user (a mutex in [MemoryStore], a Lua script in [RedisStore], a single
// UPDATE ... RETURNING in the Postgres store). Stores may report
// [ErrConflict] under optimistic concurrency; [Guard] retries those.
package lockout
