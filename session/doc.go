// Package session provides the session model, opaque session tokens, and the signed
// cookie codec used by the rfsauth engine.
//
// # State model
//
// A session is an explicit [State] (PendingAuth, Authenticated, Verified) with two
// overlays: Dropped (explicit revocation, persisted) and Expired (computed from
// ExpiresAt at read time, never persisted). Backends serialize the state as the
// authenticated/verified boolean pair; [StateFromFlags] rejects combinations that the
// model cannot represent.
//
// # Architecture boundaries
//
// This package owns the [Session] value, [Token] generation, [Evaluate] (the pure
// validation decision), and the [Keyring] cookie codec. Persistence lives in the store
// backends; policy (TTL, sliding expiry) lives in the engine.
//
// # What this package must NOT do
//
//   - Import rfsauth, store, or any backend package.
//   - Perform I/O.
//   - Expose raw tokens in String output of other types; use [Token.Fingerprint] for logs.
package session
