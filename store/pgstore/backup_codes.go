package pgstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rfs-server/rfsauth/store"
)

// InsertBackupCodes inserts every code in one transaction. A hash collision with
// any identity rolls the whole batch back with ErrConflict; a missing TOTP factor
// yields ErrNotFound.
func (s *Store) InsertBackupCodes(ctx context.Context, id int64, codes []store.BackupCode) error {
	if len(codes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	// Codes require an enrolled factor; its row stays share-locked until commit.
	var one int
	if err := tx.QueryRowContext(ctx, `
		select 1 from auth_totp where user_id = $1 for share
	`, id).Scan(&one); err != nil {
		return mapErr(err)
	}

	for _, c := range codes {
		if _, err := tx.ExecContext(ctx, `
			insert into auth_backup_code (user_id, epoch, key, hash, used, revoked)
			values ($1, $2, $3, $4, false, false)
		`, id, c.Epoch, c.Key, c.Hash[:]); err != nil {
			return mapErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// ConsumeBackupCode marks the code used with one conditional update; the follow-up
// read only classifies a miss.
func (s *Store) ConsumeBackupCode(ctx context.Context, id int64, hash [32]byte) (store.ConsumeStatus, error) {
	res, err := s.db.ExecContext(ctx, `
		update auth_backup_code set used = true
		where user_id = $1 and hash = $2 and not used
	`, id, hash[:])
	if err != nil {
		return store.ConsumeInvalid, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.ConsumeInvalid, unavailable(err)
	}
	if n == 1 {
		return store.ConsumeAccepted, nil
	}

	var revoked bool
	err = s.db.QueryRowContext(ctx, `
		select revoked from auth_backup_code
		where user_id = $1 and hash = $2
	`, id, hash[:]).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ConsumeInvalid, nil
	}
	if err != nil {
		return store.ConsumeInvalid, mapErr(err)
	}
	if revoked {
		return store.ConsumeInvalid, nil
	}
	return store.ConsumeAlreadyUsed, nil
}

// RevokeStaleBackupCodes revokes every code outside the newest epoch in one update.
func (s *Store) RevokeStaleBackupCodes(ctx context.Context, id int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update auth_backup_code set used = true, revoked = true
		where user_id = $1
		  and not revoked
		  and epoch < (select max(epoch) from auth_backup_code where user_id = $1)
	`, id)
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

// ListBackupCodes returns every code of the identity ordered by epoch and key.
func (s *Store) ListBackupCodes(ctx context.Context, id int64) ([]store.BackupCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		select epoch, key, hash, used, revoked
		from auth_backup_code
		where user_id = $1
		order by epoch, key
	`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []store.BackupCode
	for rows.Next() {
		var (
			c   = store.BackupCode{IdentityID: id}
			raw []byte
		)
		if err := rows.Scan(&c.Epoch, &c.Key, &raw, &c.Used, &c.Revoked); err != nil {
			return nil, mapErr(err)
		}
		copy(c.Hash[:], raw)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}
