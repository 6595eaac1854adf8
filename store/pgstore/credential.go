package pgstore

import (
	"context"

	"github.com/rfs-server/rfsauth/store"
)

// GetPassword loads the password credential of an identity.
func (s *Store) GetPassword(ctx context.Context, id int64) (store.PasswordCredential, error) {
	cred := store.PasswordCredential{IdentityID: id}
	var version int64
	err := s.db.QueryRowContext(ctx, `
		select version, hash, updated_at
		from auth_password
		where user_id = $1
	`, id).Scan(&version, &cred.Hash, &cred.UpdatedAt)
	if err != nil {
		return store.PasswordCredential{}, mapErr(err)
	}
	cred.Version = uint32(version)
	return cred, nil
}

// PutPassword upserts the credential of an existing identity.
func (s *Store) PutPassword(ctx context.Context, cred store.PasswordCredential) error {
	_, err := s.db.ExecContext(ctx, `
		insert into auth_password (user_id, version, hash, updated_at)
		values ($1, $2, $3, $4)
		on conflict (user_id) do update
		set version = excluded.version, hash = excluded.hash, updated_at = excluded.updated_at
	`, cred.IdentityID, int64(cred.Version), cred.Hash, cred.UpdatedAt)
	return mapErr(err)
}

// UpgradePassword is a compare-and-swap on the stored hash in one update.
func (s *Store) UpgradePassword(ctx context.Context, oldHash string, next store.PasswordCredential) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update auth_password
		set hash = $3, version = $4, updated_at = $5
		where user_id = $1 and hash = $2 and version <= $4
	`, next.IdentityID, oldHash, next.Hash, int64(next.Version), next.UpdatedAt)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	if n == 1 {
		return true, nil
	}

	ok, err := s.exists(ctx, `select exists (select 1 from auth_password where user_id = $1)`, next.IdentityID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, store.ErrNotFound
	}
	return false, nil
}

// GetTOTP loads the TOTP factor of an identity.
func (s *Store) GetTOTP(ctx context.Context, id int64) (store.TOTPFactor, error) {
	f := store.TOTPFactor{IdentityID: id}
	var (
		step int64
		last int64
	)
	err := s.db.QueryRowContext(ctx, `
		select algo, step, digits, secret, last_counter, created_at
		from auth_totp
		where user_id = $1
	`, id).Scan(&f.Algorithm, &step, &f.Digits, &f.Secret, &last, &f.CreatedAt)
	if err != nil {
		return store.TOTPFactor{}, mapErr(err)
	}
	f.Step = uint32(step)
	f.LastCounter = uint64(last)
	return f, nil
}

// CreateTOTP inserts a factor; an existing factor yields ErrConflict.
func (s *Store) CreateTOTP(ctx context.Context, f store.TOTPFactor) error {
	_, err := s.db.ExecContext(ctx, `
		insert into auth_totp (user_id, algo, step, digits, secret, last_counter, created_at)
		values ($1, $2, $3, $4, $5, 0, $6)
	`, f.IdentityID, f.Algorithm, int64(f.Step), f.Digits, f.Secret, f.CreatedAt)
	return mapErr(err)
}

// DeleteTOTP removes the factor and every backup code in one transaction. The
// codes are purged even when no factor row exists.
func (s *Store) DeleteTOTP(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from auth_backup_code where user_id = $1`, id); err != nil {
		return mapErr(err)
	}
	res, err := tx.ExecContext(ctx, `delete from auth_totp where user_id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AdvanceTOTPCounter moves last_counter strictly forward in one conditional update.
func (s *Store) AdvanceTOTPCounter(ctx context.Context, id int64, counter uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update auth_totp set last_counter = $2
		where user_id = $1 and last_counter < $2
	`, id, int64(counter))
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	if n == 1 {
		return true, nil
	}
	ok, err := s.exists(ctx, `select exists (select 1 from auth_totp where user_id = $1)`, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, store.ErrNotFound
	}
	return false, nil
}
