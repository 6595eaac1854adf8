// Package permission holds the in-memory side of authorization: role sets, their
// union, and per-request permission snapshots.
//
// Effective roles are the union of roles granted directly to an identity and roles
// granted to any group the identity belongs to. A permission is a scope+ability pair
// and is matched by exact string equality; there is no wildcard or prefix logic, and
// no deny rules, so adding a grant can only widen access.
//
// This package performs no I/O.
package permission
