// Package otp computes and verifies RFC 6238 time-based codes and mints single-use
// backup codes.
//
// Code derivation is delegated to github.com/pquerna/otp. This package adds the
// skew-window search that reports which counter matched, so callers can enforce a
// replay guard, and the backup-code alphabet, formatting and hashing rules.
//
// Nothing here touches storage.
package otp
