package rfsauth

import (
	"context"
	"fmt"
	"strings"
)

const (
	maxHandleLength  = 64
	maxContactLength = 254
)

func validHandle(handle string) bool {
	if len(handle) == 0 || len(handle) > maxHandleLength {
		return false
	}
	for i := 0; i < len(handle); i++ {
		c := handle[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func normalizeContact(contact string) (string, error) {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return "", nil
	}
	if len(contact) > maxContactLength || !strings.Contains(contact, "@") {
		return "", fmt.Errorf("contact: %w", ErrInvalidInput)
	}
	return contact, nil
}

// CreateIdentity registers a new identity. Handles are 1..64 characters of
// [A-Za-z0-9._-]; contact is optional. A taken handle or contact yields ErrConflict.
func (e *Engine) CreateIdentity(ctx context.Context, handle, contact string) (Identity, error) {
	if err := e.ready(); err != nil {
		return Identity{}, err
	}
	if !validHandle(handle) {
		return Identity{}, fmt.Errorf("handle: %w", ErrInvalidInput)
	}
	contact, err := normalizeContact(contact)
	if err != nil {
		return Identity{}, err
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	ident, err := e.store.CreateIdentity(ctx, handle, contact, e.now())
	if err != nil {
		return Identity{}, e.storeErr(ctx, "create identity", err)
	}

	e.emit(ctx, EventIdentityCreated, ident.ID, zeroToken, nil, nil)
	return ident, nil
}

// Identity looks an identity up by id.
func (e *Engine) Identity(ctx context.Context, id int64) (Identity, error) {
	if err := e.ready(); err != nil {
		return Identity{}, err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	ident, err := e.store.GetIdentity(ctx, id)
	if err != nil {
		return Identity{}, e.storeErr(ctx, "get identity", err)
	}
	return ident, nil
}

// IdentityByHandle looks an identity up by its exact handle.
func (e *Engine) IdentityByHandle(ctx context.Context, handle string) (Identity, error) {
	if err := e.ready(); err != nil {
		return Identity{}, err
	}
	if !validHandle(handle) {
		return Identity{}, fmt.Errorf("get identity: %w", ErrNotFound)
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	ident, err := e.store.GetIdentityByHandle(ctx, handle)
	if err != nil {
		return Identity{}, e.storeErr(ctx, "get identity", err)
	}
	return ident, nil
}

// SetContact replaces the contact address and clears its verified flag. An empty
// contact removes it.
func (e *Engine) SetContact(ctx context.Context, id int64, contact string) error {
	if err := e.ready(); err != nil {
		return err
	}
	contact, err := normalizeContact(contact)
	if err != nil {
		return err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	return e.storeErr(ctx, "set contact", e.store.SetContact(ctx, id, contact))
}

// MarkContactVerified records that the identity proved control of its contact.
func (e *Engine) MarkContactVerified(ctx context.Context, id int64) error {
	if err := e.ready(); err != nil {
		return err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	return e.storeErr(ctx, "verify contact", e.store.MarkContactVerified(ctx, id))
}

// DeleteIdentity removes the identity with its sessions, credentials, backup codes,
// memberships and direct role grants in one backend step.
func (e *Engine) DeleteIdentity(ctx context.Context, id int64) error {
	if err := e.ready(); err != nil {
		return err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	if err := e.store.DeleteIdentity(ctx, id); err != nil {
		return e.storeErr(ctx, "delete identity", err)
	}
	e.emit(ctx, EventIdentityDeleted, id, zeroToken, nil, nil)
	return nil
}
