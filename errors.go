package rfsauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rfs-server/rfsauth/session"
	"github.com/rfs-server/rfsauth/store"
)

var (
	// ErrNotFound is returned when a referenced identity, credential, session, role or
	// group does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned for policy-violating passwords, malformed parameters
	// and out-of-range options.
	ErrInvalidInput = errors.New("invalid input")
	// ErrAlreadyUsed is returned when a backup code is replayed.
	ErrAlreadyUsed = errors.New("already used")
	// ErrExpired is returned when a session is past its expiry.
	ErrExpired = errors.New("session expired")
	// ErrDropped is returned when a session was explicitly dropped.
	ErrDropped = errors.New("session dropped")
	// ErrUnverified is returned when a second factor is required but not yet cleared.
	ErrUnverified = errors.New("session unverified")
	// ErrConflict is returned when a create would violate a uniqueness constraint.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable is returned when the backing store cannot be reached. It is the
	// only kind worth retrying.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrAuthenticationFailed is the uniform failure for unauthenticated-path checks.
	// It never says whether the identity exists or which secret was wrong.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrPermissionDenied is returned by Authorize when no grant matches.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrEngineNotReady is returned by methods on a nil or unbuilt Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// ErrorKind classifies errors for telemetry and for callers that switch on outcome.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindNotFound
	KindInvalidInput
	KindAlreadyUsed
	KindExpired
	KindDropped
	KindUnverified
	KindConflict
	KindUnavailable
	KindAuthenticationFailed
	KindPermissionDenied
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindAlreadyUsed:
		return "already_used"
	case KindExpired:
		return "expired"
	case KindDropped:
		return "dropped"
	case KindUnverified:
		return "unverified"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "internal"
	}
}

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrAuthenticationFailed, KindAuthenticationFailed},
	{ErrPermissionDenied, KindPermissionDenied},
	{ErrUnavailable, KindUnavailable},
	{ErrNotFound, KindNotFound},
	{ErrInvalidInput, KindInvalidInput},
	{ErrAlreadyUsed, KindAlreadyUsed},
	{ErrDropped, KindDropped},
	{ErrExpired, KindExpired},
	{ErrUnverified, KindUnverified},
	{ErrConflict, KindConflict},
}

// KindOf maps err to its kind. Unrecognized errors are KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// storeErr translates a backend error into the engine's error kinds, keeping the
// backend error in the chain for logs.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	case errors.Is(err, store.ErrSessionDropped):
		return fmt.Errorf("%s: %w", op, ErrDropped)
	case errors.Is(err, store.ErrSessionExpired):
		return fmt.Errorf("%s: %w", op, ErrExpired)
	case errors.Is(err, session.ErrIllegalState):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
}
