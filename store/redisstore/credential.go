package redisstore

import (
	"context"
	"strconv"

	"github.com/rfs-server/rfsauth/store"
)

// GetPassword loads the password credential of an identity.
func (s *Store) GetPassword(ctx context.Context, v int64) (store.PasswordCredential, error) {
	fields, err := s.redis.HGetAll(ctx, s.passwordKey(v)).Result()
	if err != nil {
		return store.PasswordCredential{}, unavailable(err)
	}
	if len(fields) == 0 {
		return store.PasswordCredential{}, store.ErrNotFound
	}
	version, _ := strconv.ParseUint(fields["version"], 10, 32)
	return store.PasswordCredential{
		IdentityID: v,
		Hash:       fields["hash"],
		Version:    uint32(version),
		UpdatedAt:  fromMillis(fields["updated"]),
	}, nil
}

// PutPassword replaces the credential of an existing identity.
func (s *Store) PutPassword(ctx context.Context, cred store.PasswordCredential) error {
	res, err := putPasswordLua.Run(
		ctx,
		s.redis,
		[]string{s.identityKey(cred.IdentityID), s.passwordKey(cred.IdentityID)},
		cred.Hash, cred.Version, millis(cred.UpdatedAt),
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	if res == statusNotFound {
		return store.ErrNotFound
	}
	return nil
}

// UpgradePassword is a compare-and-swap on the stored hash.
func (s *Store) UpgradePassword(ctx context.Context, oldHash string, next store.PasswordCredential) (bool, error) {
	res, err := upgradePasswordLua.Run(
		ctx,
		s.redis,
		[]string{s.passwordKey(next.IdentityID)},
		oldHash, next.Hash, next.Version, millis(next.UpdatedAt),
	).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	switch res {
	case statusOK:
		return true, nil
	case statusMissing:
		return false, store.ErrNotFound
	default:
		return false, nil
	}
}

// GetTOTP loads the TOTP factor of an identity.
func (s *Store) GetTOTP(ctx context.Context, v int64) (store.TOTPFactor, error) {
	fields, err := s.redis.HGetAll(ctx, s.totpKey(v)).Result()
	if err != nil {
		return store.TOTPFactor{}, unavailable(err)
	}
	if len(fields) == 0 {
		return store.TOTPFactor{}, store.ErrNotFound
	}
	step, _ := strconv.ParseUint(fields["step"], 10, 32)
	digits, _ := strconv.Atoi(fields["digits"])
	last, _ := strconv.ParseUint(fields["last"], 10, 64)
	return store.TOTPFactor{
		IdentityID:  v,
		Algorithm:   fields["algo"],
		Step:        uint32(step),
		Digits:      digits,
		Secret:      []byte(fields["secret"]),
		LastCounter: last,
		CreatedAt:   fromMillis(fields["created"]),
	}, nil
}

// CreateTOTP stores a new factor; an existing factor yields ErrConflict.
func (s *Store) CreateTOTP(ctx context.Context, f store.TOTPFactor) error {
	res, err := createTOTPLua.Run(
		ctx,
		s.redis,
		[]string{s.identityKey(f.IdentityID), s.totpKey(f.IdentityID)},
		f.Algorithm, f.Step, f.Digits, f.Secret, millis(f.CreatedAt),
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

// DeleteTOTP removes the factor and all backup codes in one script. The codes go
// even when there is no factor, in which case ErrNotFound is still returned.
func (s *Store) DeleteTOTP(ctx context.Context, v int64) error {
	res, err := deleteTOTPLua.Run(
		ctx,
		s.redis,
		[]string{s.totpKey(v), s.backupKey(v), s.backupIndexKey()},
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	if res == statusNotFound {
		return store.ErrNotFound
	}
	return nil
}

// AdvanceTOTPCounter moves the last-accepted counter strictly forward.
func (s *Store) AdvanceTOTPCounter(ctx context.Context, v int64, counter uint64) (bool, error) {
	res, err := advanceTOTPLua.Run(ctx, s.redis, []string{s.totpKey(v)}, counter).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	switch res {
	case statusOK:
		return true, nil
	case statusMissing:
		return false, store.ErrNotFound
	default:
		return false, nil
	}
}
