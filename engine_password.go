package rfsauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/rfs-server/rfsauth/password"
	"github.com/rfs-server/rfsauth/store"
)

// SetPassword replaces the identity's password after the policy check. The new
// hash is written under the current scheme version.
func (e *Engine) SetPassword(ctx context.Context, identity int64, plaintext string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.policy.Check(plaintext); err != nil {
		return fmt.Errorf("set password: %w: %w", ErrInvalidInput, err)
	}

	hash, version, err := e.scheme.Hash(plaintext)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	err = e.store.PutPassword(ctx, store.PasswordCredential{
		IdentityID: identity,
		Hash:       hash,
		Version:    version,
		UpdatedAt:  e.now(),
	})
	if err != nil {
		return e.storeErr(ctx, "set password", err)
	}

	e.metricInc(MetricPasswordSet)
	e.emit(ctx, EventPasswordSet, identity, zeroToken, nil, nil)
	return nil
}

// VerifyPassword checks plaintext against the stored credential. A match on an
// older scheme version or weaker cost parameters re-hashes and stores the credential
// under the current scheme; a failed migration is logged and the match still stands.
func (e *Engine) VerifyPassword(ctx context.Context, identity int64, plaintext string) (VerifyResult, error) {
	if err := e.ready(); err != nil {
		return Mismatch, err
	}
	readCtx, cancel := e.opContext(ctx)
	cred, err := e.store.GetPassword(readCtx, identity)
	cancel()
	if err != nil {
		return Mismatch, e.storeErr(ctx, "verify password", err)
	}
	return e.verifyCredential(ctx, cred, plaintext)
}

func (e *Engine) verifyCredential(ctx context.Context, cred store.PasswordCredential, plaintext string) (VerifyResult, error) {
	match, needsUpgrade, err := e.scheme.Verify(plaintext, cred.Hash, cred.Version)
	if err != nil {
		e.metricInc(MetricPasswordVerifyFailure)
		e.logger.LogAttrs(ctx, slog.LevelError, "rfsauth stored password unreadable",
			slog.Int64("identity_id", cred.IdentityID),
			slog.Uint64("version", uint64(cred.Version)),
			slog.String("error", err.Error()),
		)
		return Mismatch, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		e.metricInc(MetricPasswordVerifyFailure)
		return Mismatch, nil
	}

	e.metricInc(MetricPasswordVerifySuccess)
	if needsUpgrade {
		e.migratePassword(ctx, cred, plaintext)
	}
	return Match, nil
}

func (e *Engine) migratePassword(ctx context.Context, cred store.PasswordCredential, plaintext string) {
	hash, version, err := e.scheme.Hash(plaintext)
	if err != nil {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "rfsauth password migration failed",
			slog.Int64("identity_id", cred.IdentityID),
			slog.String("error", err.Error()),
		)
		return
	}

	// The write gets its own operation budget.
	writeCtx, cancel := e.opContext(ctx)
	written, err := e.store.UpgradePassword(writeCtx, cred.Hash, store.PasswordCredential{
		IdentityID: cred.IdentityID,
		Hash:       hash,
		Version:    version,
		UpdatedAt:  e.now(),
	})
	cancel()
	if err != nil {
		_ = e.storeErr(ctx, "migrate password", err)
		return
	}
	if !written {
		// a concurrent SetPassword or migration got there first
		return
	}

	e.metricInc(MetricPasswordMigrated)
	e.logger.LogAttrs(ctx, slog.LevelInfo, "rfsauth password scheme migrated",
		slog.Int64("identity_id", cred.IdentityID),
		slog.Uint64("from_version", uint64(cred.Version)),
		slog.Uint64("to_version", uint64(version)),
	)
	e.emit(ctx, EventPasswordSchemeMigrated, cred.IdentityID, zeroToken, nil, func() map[string]string {
		return map[string]string{
			"from_version": strconv.FormatUint(uint64(cred.Version), 10),
			"to_version":   strconv.FormatUint(uint64(version), 10),
		}
	})
}

// Authenticate resolves handle and checks plaintext. Unknown handles, missing
// credentials and wrong passwords all return ErrAuthenticationFailed after the same
// amount of hashing work.
func (e *Engine) Authenticate(ctx context.Context, handle, plaintext string) (Identity, error) {
	if err := e.ready(); err != nil {
		return Identity{}, err
	}

	ident, err := e.IdentityByHandle(ctx, handle)
	if err != nil {
		return Identity{}, e.authFailure(plaintext, err)
	}

	result, err := e.VerifyPassword(ctx, ident.ID, plaintext)
	if err != nil {
		return Identity{}, e.authFailure(plaintext, err)
	}
	if result != Match {
		e.metricInc(MetricAuthenticateFailure)
		return Identity{}, ErrAuthenticationFailed
	}
	return ident, nil
}

// authFailure equalizes timing for every failure that did not complete a real
// hash comparison, including credentials stored under a retired scheme version.
func (e *Engine) authFailure(plaintext string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	e.scheme.DummyVerify(plaintext)
	e.metricInc(MetricAuthenticateFailure)
	return ErrAuthenticationFailed
}

// ChangePassword verifies current, rejects reuse, and stores next. With
// DropOnPasswordChange every session of the identity is dropped afterwards.
func (e *Engine) ChangePassword(ctx context.Context, identity int64, current, next string) error {
	if err := e.ready(); err != nil {
		return err
	}

	result, err := e.VerifyPassword(ctx, identity, current)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrAuthenticationFailed
		}
		return err
	}
	if result != Match {
		return ErrAuthenticationFailed
	}
	if current == next {
		return fmt.Errorf("change password: reuse: %w", ErrInvalidInput)
	}

	if err := e.SetPassword(ctx, identity, next); err != nil {
		return err
	}

	if e.config.Session.DropOnPasswordChange {
		if _, err := e.DropAll(ctx, identity); err != nil {
			return err
		}
	}
	return nil
}

// PasswordPolicy returns the effective policy so callers can pre-check input.
func (e *Engine) PasswordPolicy() password.Policy {
	if e == nil {
		return password.Policy{}
	}
	return e.policy
}
