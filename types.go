package rfsauth

import (
	"time"

	"github.com/rfs-server/rfsauth/store"
)

// Identity is a registered principal. Handle and ID never change.
type Identity = store.Identity

// Role is a named bundle of permissions.
type Role = store.Role

// Group is a named set of identities that shares role grants.
type Group = store.Group

// Permission is a scope+ability pair.
type Permission = store.Permission

// VerifyResult is the outcome of a password check.
type VerifyResult uint8

const (
	Mismatch VerifyResult = iota
	Match
)

func (r VerifyResult) String() string {
	if r == Match {
		return "match"
	}
	return "mismatch"
}

// ConsumeResult is the outcome of a backup-code submission.
type ConsumeResult uint8

const (
	Invalid ConsumeResult = iota
	Accepted
	AlreadyUsed
)

func (r ConsumeResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case AlreadyUsed:
		return "already_used"
	default:
		return "invalid"
	}
}

// TOTPOptions shapes a new TOTP factor. Zero values fall back to the configured
// defaults.
type TOTPOptions struct {
	Algorithm string
	Step      uint32
	Digits    int
}

// TOTPEnrollment is returned exactly once, when the factor is created. The secret
// is not retrievable afterwards.
type TOTPEnrollment struct {
	Secret       []byte
	SecretBase32 string
	URI          string
	Algorithm    string
	Step         uint32
	Digits       int
}

// BackupCodeEpoch summarizes one generation of backup codes.
type BackupCodeEpoch struct {
	Epoch       string
	GeneratedAt time.Time
	Total       int
	Remaining   int
	Revoked     int
}

// BackupCodeSummary reports backup-code counts without exposing hashes. Epochs are
// ordered oldest first.
type BackupCodeSummary struct {
	Total     int
	Remaining int
	Epochs    []BackupCodeEpoch
}
