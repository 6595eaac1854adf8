package rfsauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rfs-server/rfsauth/otp"
	"github.com/rfs-server/rfsauth/session"
	"github.com/rfs-server/rfsauth/store"
)

func (e *Engine) totpParams(opts TOTPOptions) (otp.Params, error) {
	name := opts.Algorithm
	if name == "" {
		name = e.config.TOTP.Algorithm
	}
	alg, err := otp.ParseAlgorithm(name)
	if err != nil {
		return otp.Params{}, fmt.Errorf("totp: %w: %w", ErrInvalidInput, err)
	}

	p := otp.Params{Algorithm: alg, Step: opts.Step, Digits: opts.Digits}
	if p.Step == 0 {
		p.Step = e.config.TOTP.Step
	}
	if p.Digits == 0 {
		p.Digits = e.config.TOTP.Digits
	}
	if err := p.Validate(); err != nil {
		return otp.Params{}, fmt.Errorf("totp: %w: %w", ErrInvalidInput, err)
	}
	return p, nil
}

func factorParams(f store.TOTPFactor) otp.Params {
	return otp.Params{Algorithm: otp.Algorithm(f.Algorithm), Step: f.Step, Digits: f.Digits}
}

// EnrollTOTP creates a TOTP factor with a fresh secret. The secret and provisioning
// URI are returned only here. An identity with a factor already gets ErrConflict.
func (e *Engine) EnrollTOTP(ctx context.Context, identity int64, opts TOTPOptions) (TOTPEnrollment, error) {
	if err := e.ready(); err != nil {
		return TOTPEnrollment{}, err
	}
	p, err := e.totpParams(opts)
	if err != nil {
		return TOTPEnrollment{}, err
	}

	ident, err := e.Identity(ctx, identity)
	if err != nil {
		return TOTPEnrollment{}, err
	}

	secret, err := otp.NewSecret(e.config.TOTP.SecretBytes)
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("enroll totp: %w", err)
	}
	uri, err := otp.ProvisioningURI(e.config.TOTP.Issuer, ident.Handle, secret, p)
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("enroll totp: %w", err)
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	err = e.store.CreateTOTP(ctx, store.TOTPFactor{
		IdentityID: identity,
		Algorithm:  string(p.Algorithm),
		Step:       p.Step,
		Digits:     p.Digits,
		Secret:     secret,
		CreatedAt:  e.now(),
	})
	if err != nil {
		return TOTPEnrollment{}, e.storeErr(ctx, "enroll totp", err)
	}

	e.metricInc(MetricTOTPEnrolled)
	e.emit(ctx, EventTOTPEnrolled, identity, zeroToken, nil, func() map[string]string {
		return map[string]string{"algorithm": string(p.Algorithm)}
	})

	return TOTPEnrollment{
		Secret:       secret,
		SecretBase32: otp.EncodeSecret(secret),
		URI:          uri,
		Algorithm:    string(p.Algorithm),
		Step:         p.Step,
		Digits:       p.Digits,
	}, nil
}

// DisableTOTP deletes the factor together with every backup code. Backup codes are
// purged even when no factor was enrolled, which still yields ErrNotFound.
func (e *Engine) DisableTOTP(ctx context.Context, identity int64) error {
	if err := e.ready(); err != nil {
		return err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	if err := e.store.DeleteTOTP(ctx, identity); err != nil {
		return e.storeErr(ctx, "disable totp", err)
	}
	e.metricInc(MetricTOTPDisabled)
	e.emit(ctx, EventTOTPDisabled, identity, zeroToken, nil, nil)
	return nil
}

// HasTOTP reports whether the identity has an enrolled factor.
func (e *Engine) HasTOTP(ctx context.Context, identity int64) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	_, err := e.store.GetTOTP(ctx, identity)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, e.storeErr(ctx, "has totp", err)
	}
}

// VerifyTOTP checks code at time at within the configured skew. It does not consume
// the code. Malformed codes report false.
func (e *Engine) VerifyTOTP(ctx context.Context, identity int64, code string, at time.Time) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	factor, err := e.loadFactor(ctx, identity)
	if err != nil {
		return false, err
	}

	_, ok, err := otp.Verify(factor.Secret, factorParams(factor), code, at, e.config.TOTP.Skew)
	if err != nil {
		return false, fmt.Errorf("verify totp: %w", err)
	}
	if ok {
		e.metricInc(MetricTOTPSuccess)
	} else {
		e.metricInc(MetricTOTPFailure)
	}
	return ok, nil
}

func (e *Engine) loadFactor(ctx context.Context, identity int64) (store.TOTPFactor, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	factor, err := e.store.GetTOTP(ctx, identity)
	if err != nil {
		return store.TOTPFactor{}, e.storeErr(ctx, "get totp", err)
	}
	return factor, nil
}

// VerifySessionTOTP clears the second factor of an authenticated session with a
// TOTP code. Each time step is accepted at most once per identity, so a code
// observed on one session cannot verify another.
func (e *Engine) VerifySessionTOTP(ctx context.Context, tok session.Token, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	sess, err := e.liveSession(ctx, tok)
	if err != nil {
		return err
	}

	factor, err := e.loadFactor(ctx, sess.IdentityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrAuthenticationFailed
		}
		return err
	}

	counter, ok, err := otp.Verify(factor.Secret, factorParams(factor), code, e.now(), e.config.TOTP.Skew)
	if err != nil {
		return fmt.Errorf("verify totp: %w", err)
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		return ErrAuthenticationFailed
	}

	advanced, err := e.advanceCounter(ctx, sess.IdentityID, counter)
	if err != nil {
		return err
	}
	if !advanced {
		e.metricInc(MetricTOTPReplay)
		return ErrAuthenticationFailed
	}
	e.metricInc(MetricTOTPSuccess)

	return e.AdvanceVerification(ctx, tok, session.VerifyTOTP)
}

func (e *Engine) advanceCounter(ctx context.Context, identity int64, counter uint64) (bool, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	ok, err := e.store.AdvanceTOTPCounter(ctx, identity, counter)
	if err != nil {
		return false, e.storeErr(ctx, "advance totp counter", err)
	}
	return ok, nil
}
