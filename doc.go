// Package authcore issues, validates and revokes authentication sessions
// and watches failed logins for credential attacks.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config]
// and value types ([LoginResult], [Claims], [SessionInfo]). The moving parts
// live in focused packages: credential (token minting), revocation,
// session, lockout, threat and notify. Background maintenance runs on
// internal/scheduler and stops in [Engine.Close].
//
// # Consistency contract
//
//   - A revoked or expired access token is never accepted. Revocation
//     lookups that fail or are cancelled count as revoked.
//   - Closing a session revokes its access token before the close is
//     reported.
//   - The lockout counter increment and threshold check are one atomic
//     store operation per user.
//
// # What this package must NOT do
//
//   - Store plaintext refresh secrets or passwords.
//   - Reveal whether an identifier exists through Authenticate errors.
//   - Import any sub-package that re-imports authcore (no import cycles).
package authcore
