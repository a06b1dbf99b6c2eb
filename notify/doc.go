// Package notify delivers security events and alerts to external consumers.
//
// # Components
//
//   - [Sink] is implemented by consumers (log, channel, JSON writer, no-op, fan-out).
//   - [Dispatcher] is a buffered async relay in front of a slow Sink.
//   - [Event] is the record handed to every Sink.
//
// This package owns delivery only. Deciding which events to emit belongs to
// the engine and the threat detector.
package notify
