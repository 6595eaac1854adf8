package redisstore

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/rfs-server/rfsauth/store"
)

// InsertBackupCodes writes every code or none. A hash already indexed for any
// identity yields ErrConflict. Without an enrolled TOTP factor it yields ErrNotFound.
func (s *Store) InsertBackupCodes(ctx context.Context, v int64, codes []store.BackupCode) error {
	if len(codes) == 0 {
		return nil
	}

	args := make([]interface{}, 0, 1+3*len(codes))
	args = append(args, id(v))
	seen := make(map[[32]byte]struct{}, len(codes))
	for _, c := range codes {
		if _, dup := seen[c.Hash]; dup {
			return store.ErrConflict
		}
		seen[c.Hash] = struct{}{}
		args = append(args, hex.EncodeToString(c.Hash[:]), c.Epoch, c.Key)
	}

	res, err := insertBackupCodesLua.Run(
		ctx,
		s.redis,
		[]string{s.backupKey(v), s.backupIndexKey(), s.totpKey(v)},
		args...,
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	switch res {
	case statusOK:
		return nil
	case statusConflict:
		return store.ErrConflict
	default:
		return store.ErrNotFound
	}
}

// ConsumeBackupCode looks up the hash and marks it used in one script.
func (s *Store) ConsumeBackupCode(ctx context.Context, v int64, hash [32]byte) (store.ConsumeStatus, error) {
	res, err := consumeBackupCodeLua.Run(
		ctx,
		s.redis,
		[]string{s.backupKey(v)},
		hex.EncodeToString(hash[:]),
	).Int64()
	if err != nil {
		return store.ConsumeInvalid, unavailable(err)
	}
	switch res {
	case 1:
		return store.ConsumeAccepted, nil
	case 2:
		return store.ConsumeAlreadyUsed, nil
	default:
		return store.ConsumeInvalid, nil
	}
}

// RevokeStaleBackupCodes revokes every code outside the newest epoch.
func (s *Store) RevokeStaleBackupCodes(ctx context.Context, v int64) (int, error) {
	n, err := revokeStaleBackupCodesLua.Run(ctx, s.redis, []string{s.backupKey(v)}).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

// ListBackupCodes returns every stored code of the identity.
func (s *Store) ListBackupCodes(ctx context.Context, v int64) ([]store.BackupCode, error) {
	entries, err := s.redis.HGetAll(ctx, s.backupKey(v)).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]store.BackupCode, 0, len(entries))
	for field, value := range entries {
		raw, err := hex.DecodeString(field)
		if err != nil || len(raw) != 32 {
			continue
		}
		parts := strings.SplitN(value, "|", 3)
		if len(parts) != 3 {
			continue
		}
		code := store.BackupCode{
			IdentityID: v,
			Epoch:      parts[1],
			Key:        parts[2],
			Used:       parts[0] != "0",
			Revoked:    parts[0] == "2",
		}
		copy(code.Hash[:], raw)
		out = append(out, code)
	}
	return out, nil
}
