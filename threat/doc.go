// Package threat detects credential-attack patterns from failed logins.
//
// Failed attempts are appended to a [WindowStore] indexed by username and
// by source address. Three independent rules run after every failure and
// again on each periodic [Detector.Sweep]:
//
//   - repeated failures for one username (Medium)
//   - many usernames failing from one source (High)
//   - a burst of failures from one source within five minutes (Critical)
//
// Raised alerts go to an [AlertStore]. An alert with the same type and
// subject is suppressed while an earlier one is still inside the rule
// window; the suppression mark lives in the alert store so instances
// sharing a Redis backend also share it.
package threat
