// Package store defines the persistence contract of the rfsauth engine.
//
// # Components
//
//   - [Backend]: the full contract, composed of per-aggregate interfaces.
//   - Record types ([Identity], [PasswordCredential], [TOTPFactor], [BackupCode], [Role], [Group]).
//   - Sentinel errors every backend maps its native failures onto.
//
// # Atomicity
//
// Every check-then-write in the contract (password upgrade, backup code consumption,
// session advance/extend/drop, identity cascade) is one atomic step in the backend:
// a Lua script in redisstore, a single conditional statement or transaction in pgstore.
// No in-process lock is assumed.
//
// # What this package must NOT do
//
//   - Import rfsauth or any backend.
//   - Hash, encrypt, or otherwise interpret secret material; records carry it opaquely.
package store
