// Package password hashes and verifies login passwords.
//
// # Output format
//
// New hashes are Argon2id in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Verifier] also accepts bcrypt hashes ($2a$, $2b$, $2y$) imported from
// older user stores and reports them through NeedsUpgrade so the caller can
// re-hash after the next successful login.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords.
//   - Log plaintext passwords or hash parameters at runtime.
package password
