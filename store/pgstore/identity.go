package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/rfs-server/rfsauth/store"
)

// CreateIdentity inserts an identity; handle or contact collisions yield ErrConflict.
func (s *Store) CreateIdentity(ctx context.Context, handle, contact string, now time.Time) (store.Identity, error) {
	ident := store.Identity{Handle: handle, Contact: contact}
	err := s.db.QueryRowContext(ctx, `
		insert into auth_identity (handle, contact, created_at)
		values ($1, $2, $3)
		returning id, created_at
	`, handle, nullIfEmpty(contact), now).Scan(&ident.ID, &ident.CreatedAt)
	if err != nil {
		return store.Identity{}, mapErr(err)
	}
	return ident, nil
}

const selectIdentity = `
	select id, handle, contact, contact_verified, created_at
	from auth_identity
`

func scanIdentity(row *sql.Row) (store.Identity, error) {
	var (
		ident   store.Identity
		contact sql.NullString
	)
	if err := row.Scan(&ident.ID, &ident.Handle, &contact, &ident.ContactVerified, &ident.CreatedAt); err != nil {
		return store.Identity{}, mapErr(err)
	}
	ident.Contact = contact.String
	return ident, nil
}

// GetIdentity loads one identity by id.
func (s *Store) GetIdentity(ctx context.Context, id int64) (store.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx, selectIdentity+` where id = $1`, id))
}

// GetIdentityByHandle loads one identity by handle.
func (s *Store) GetIdentityByHandle(ctx context.Context, handle string) (store.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx, selectIdentity+` where handle = $1`, handle))
}

// SetContact replaces the contact address and clears its verified flag.
func (s *Store) SetContact(ctx context.Context, id int64, contact string) error {
	return s.execOne(ctx, `
		update auth_identity
		set contact = $2, contact_verified = false
		where id = $1
	`, id, nullIfEmpty(contact))
}

// MarkContactVerified sets the verified flag.
func (s *Store) MarkContactVerified(ctx context.Context, id int64) error {
	return s.execOne(ctx, `update auth_identity set contact_verified = true where id = $1`, id)
}

// DeleteIdentity deletes the identity; foreign keys cascade to every dependent row
// inside the same statement.
func (s *Store) DeleteIdentity(ctx context.Context, id int64) error {
	return s.execOne(ctx, `delete from auth_identity where id = $1`, id)
}
