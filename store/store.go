package store

import (
	"context"
	"errors"
	"time"

	"github.com/rfs-server/rfsauth/session"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned when a write would violate a uniqueness constraint.
	ErrConflict = errors.New("store: unique constraint violated")
	// ErrUnavailable wraps transport and server failures of the backing store.
	ErrUnavailable = errors.New("store: backend unavailable")
	// ErrSessionDropped is returned by conditional session updates on a dropped row.
	ErrSessionDropped = errors.New("store: session dropped")
	// ErrSessionExpired is returned by conditional session updates past expires-at.
	ErrSessionExpired = errors.New("store: session expired")
)

// Identity is the persisted identity record.
type Identity struct {
	ID              int64
	Handle          string
	Contact         string
	ContactVerified bool
	CreatedAt       time.Time
}

// PasswordCredential is the persisted password hash of one identity.
type PasswordCredential struct {
	IdentityID int64
	Hash       string
	Version    uint32
	UpdatedAt  time.Time
}

// TOTPFactor is the persisted TOTP enrollment of one identity. LastCounter is the
// highest time-step counter accepted on the session path; zero means none.
type TOTPFactor struct {
	IdentityID  int64
	Algorithm   string
	Step        uint32
	Digits      int
	Secret      []byte
	LastCounter uint64
	CreatedAt   time.Time
}

// BackupCode is one hashed recovery code.
type BackupCode struct {
	IdentityID int64
	Epoch      string
	Key        string
	Hash       [32]byte
	Used       bool
	Revoked    bool
}

// ConsumeStatus is the outcome of an atomic backup code lookup-and-mark.
type ConsumeStatus uint8

const (
	ConsumeInvalid ConsumeStatus = iota
	ConsumeAccepted
	ConsumeAlreadyUsed
)

// Role is a named bundle of permissions.
type Role struct {
	ID   int64
	Name string
}

// Group is a named bundle of identities.
type Group struct {
	ID        int64
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission is one scope+ability pair granted by a role.
type Permission struct {
	Scope   string
	Ability string
}

// IdentityStore persists identity records.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, handle, contact string, now time.Time) (Identity, error)
	GetIdentity(ctx context.Context, id int64) (Identity, error)
	GetIdentityByHandle(ctx context.Context, handle string) (Identity, error)
	// SetContact replaces the contact address and clears the verified flag.
	SetContact(ctx context.Context, id int64, contact string) error
	MarkContactVerified(ctx context.Context, id int64) error
	// DeleteIdentity removes the identity and every dependent record in one atomic step.
	DeleteIdentity(ctx context.Context, id int64) error
}

// CredentialStore persists passwords and TOTP factors.
type CredentialStore interface {
	GetPassword(ctx context.Context, id int64) (PasswordCredential, error)
	PutPassword(ctx context.Context, cred PasswordCredential) error
	// UpgradePassword replaces the hash only if the stored hash still equals oldHash and
	// the stored version does not exceed next.Version. It reports whether it wrote.
	UpgradePassword(ctx context.Context, oldHash string, next PasswordCredential) (bool, error)

	GetTOTP(ctx context.Context, id int64) (TOTPFactor, error)
	CreateTOTP(ctx context.Context, factor TOTPFactor) error
	// DeleteTOTP removes the factor and every backup code of the identity. Codes
	// are purged even when no factor exists, which still yields ErrNotFound.
	DeleteTOTP(ctx context.Context, id int64) error
	// AdvanceTOTPCounter stores counter if it is greater than the stored one and
	// reports whether it did.
	AdvanceTOTPCounter(ctx context.Context, id int64, counter uint64) (bool, error)
}

// BackupCodeStore persists hashed backup codes.
type BackupCodeStore interface {
	// InsertBackupCodes stores all codes or none. A hash already present for any
	// identity yields ErrConflict. An identity without a TOTP factor yields
	// ErrNotFound.
	InsertBackupCodes(ctx context.Context, id int64, codes []BackupCode) error
	ConsumeBackupCode(ctx context.Context, id int64, hash [32]byte) (ConsumeStatus, error)
	// RevokeStaleBackupCodes marks every code of an epoch older than the newest epoch
	// used and revoked, returning how many codes changed.
	RevokeStaleBackupCodes(ctx context.Context, id int64) (int, error)
	ListBackupCodes(ctx context.Context, id int64) ([]BackupCode, error)
}

// SessionStore persists sessions. Conditional updates return ErrNotFound,
// ErrSessionDropped or ErrSessionExpired, checked in that order.
type SessionStore interface {
	// CreateSession inserts s. A token collision yields ErrConflict; an unknown
	// identity yields ErrNotFound. retention is kept past ExpiresAt before reclamation.
	CreateSession(ctx context.Context, s session.Session, retention time.Duration) error
	GetSession(ctx context.Context, token session.Token) (session.Session, error)
	AdvanceSession(ctx context.Context, token session.Token, method session.VerifyMethod, now time.Time) error
	ExtendSession(ctx context.Context, token session.Token, expiresAt, now time.Time, retention time.Duration) error
	// DropSession marks the session dropped and reports whether this call changed it.
	DropSession(ctx context.Context, token session.Token) (bool, error)
	DropIdentitySessions(ctx context.Context, id int64) (int, error)
	PurgeExpiredSessions(ctx context.Context, before time.Time) (int, error)
}

// AuthzStore persists roles, groups, permission grants and membership edges.
// Edge inserts and deletes are idempotent; unknown endpoints yield ErrNotFound.
type AuthzStore interface {
	CreateRole(ctx context.Context, name string) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	DeleteRole(ctx context.Context, id int64) error

	CreateGroup(ctx context.Context, name string, now time.Time) (Group, error)
	GetGroup(ctx context.Context, id int64) (Group, error)
	RenameGroup(ctx context.Context, id int64, name string, now time.Time) error
	DeleteGroup(ctx context.Context, id int64) error

	AddGroupMember(ctx context.Context, group, identity int64) error
	RemoveGroupMember(ctx context.Context, group, identity int64) error
	AssignGroupRole(ctx context.Context, group, role int64) error
	UnassignGroupRole(ctx context.Context, group, role int64) error
	AssignRole(ctx context.Context, identity, role int64) error
	UnassignRole(ctx context.Context, identity, role int64) error

	Grant(ctx context.Context, role int64, p Permission) error
	Revoke(ctx context.Context, role int64, p Permission) error
	RolePermissions(ctx context.Context, role int64) ([]Permission, error)
	GroupMembers(ctx context.Context, group int64) ([]int64, error)

	// DirectRoles, GroupRoles and HasPermission yield ErrNotFound for an
	// unknown identity.
	DirectRoles(ctx context.Context, identity int64) ([]int64, error)
	GroupRoles(ctx context.Context, identity int64) ([]int64, error)
	HasPermission(ctx context.Context, identity int64, p Permission) (bool, error)
}

// Backend is a complete persistence implementation.
type Backend interface {
	IdentityStore
	CredentialStore
	BackupCodeStore
	SessionStore
	AuthzStore

	Ping(ctx context.Context) error
}
