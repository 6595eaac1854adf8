// Package audit dispatches security events to an observer without blocking the
// request path.
//
//   - [Sink] is the consumer interface (channel, JSON lines, slog, no-op).
//   - [Dispatcher] is a buffered relay that either blocks or drops when full.
//   - [Event] is the record: type, identity, session fingerprint, outcome, metadata.
//
// The package only delivers events. Deciding what to emit belongs to the engine.
package audit
