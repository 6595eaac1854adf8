package rfsauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rfs-server/rfsauth/session"
)

// Open starts a session for identity after its primary factor succeeded. When the
// identity has no TOTP factor and AutoVerifyWithoutMFA is set, the session starts
// verified.
func (e *Engine) Open(ctx context.Context, identity int64, method session.AuthMethod) (session.Token, error) {
	if err := e.ready(); err != nil {
		return zeroToken, err
	}
	if method == session.AuthNone || !method.Valid() {
		return zeroToken, fmt.Errorf("open session: auth method: %w", ErrInvalidInput)
	}

	state := session.StateAuthenticated
	if e.config.Session.AutoVerifyWithoutMFA {
		hasTOTP, err := e.HasTOTP(ctx, identity)
		if err != nil {
			return zeroToken, err
		}
		if !hasTOTP {
			state = session.StateVerified
		}
	}

	now := e.now()
	sess := session.Session{
		IdentityID: identity,
		State:      state,
		IssuedAt:   now,
		ExpiresAt:  now.Add(e.config.Session.TTL),
		AuthMethod: method,
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		tok, err := session.NewToken()
		if err != nil {
			return zeroToken, fmt.Errorf("open session: %w", err)
		}
		sess.Token = tok

		err = e.createSession(ctx, sess)
		if err == nil {
			e.metricInc(MetricSessionOpened)
			e.emit(ctx, EventSessionOpened, identity, tok, nil, func() map[string]string {
				return map[string]string{"state": state.String(), "method": method.String()}
			})
			return tok, nil
		}
		if !errors.Is(err, ErrConflict) {
			return zeroToken, err
		}
	}
	return zeroToken, fmt.Errorf("open session: token space exhausted: %w", ErrConflict)
}

func (e *Engine) createSession(ctx context.Context, sess session.Session) error {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	return e.storeErr(ctx, "open session", e.store.CreateSession(ctx, sess, e.config.Session.ExpiredRetention))
}

// AdvanceVerification marks a live session verified by method in one conditional
// update. Dropped and expired sessions are never advanced.
func (e *Engine) AdvanceVerification(ctx context.Context, tok session.Token, method session.VerifyMethod) error {
	if err := e.ready(); err != nil {
		return err
	}
	if method == session.VerifyNone || !method.Valid() {
		return fmt.Errorf("advance session: verify method: %w", ErrInvalidInput)
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	if err := e.store.AdvanceSession(ctx, tok, method, e.now()); err != nil {
		return e.storeErr(ctx, "advance session", err)
	}

	e.metricInc(MetricSessionVerified)
	e.emit(ctx, EventSessionVerified, 0, tok, nil, func() map[string]string {
		return map[string]string{"method": method.String()}
	})
	return nil
}

// Touch extends a live session to now+TTL, capped at issued-at plus
// AbsoluteLifetime. Expiry never moves backwards. Without SlidingExpiration Touch
// returns ErrInvalidInput.
func (e *Engine) Touch(ctx context.Context, tok session.Token) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !e.config.Session.SlidingExpiration {
		return fmt.Errorf("touch session: sliding expiration disabled: %w", ErrInvalidInput)
	}

	sess, err := e.liveSession(ctx, tok)
	if err != nil {
		return err
	}

	now := e.now()
	next := now.Add(e.config.Session.TTL)
	if limit := sess.IssuedAt.Add(e.config.Session.AbsoluteLifetime); next.After(limit) {
		next = limit
	}
	if !next.After(sess.ExpiresAt) {
		return nil
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	if err := e.store.ExtendSession(ctx, tok, next, now, e.config.Session.ExpiredRetention); err != nil {
		return e.storeErr(ctx, "touch session", err)
	}
	e.metricInc(MetricSessionTouched)
	return nil
}

// Drop revokes a session. Dropping an already dropped session succeeds without a
// second event; an unknown token yields ErrNotFound.
func (e *Engine) Drop(ctx context.Context, tok session.Token) error {
	if err := e.ready(); err != nil {
		return err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	changed, err := e.store.DropSession(ctx, tok)
	if err != nil {
		return e.storeErr(ctx, "drop session", err)
	}
	if changed {
		e.metricInc(MetricSessionDropped)
		e.emit(ctx, EventSessionDropped, 0, tok, nil, nil)
	}
	return nil
}

// DropAll drops every live session of identity and returns how many changed.
func (e *Engine) DropAll(ctx context.Context, identity int64) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	n, err := e.store.DropIdentitySessions(ctx, identity)
	if err != nil {
		return 0, e.storeErr(ctx, "drop sessions", err)
	}
	e.metricInc(MetricSessionDropAll)
	if n > 0 {
		e.metrics.Add(MetricSessionDropped, uint64(n))
		e.emit(ctx, EventSessionDropped, identity, zeroToken, nil, func() map[string]string {
			return map[string]string{"scope": "identity"}
		})
	}
	return n, nil
}

// Validate classifies a session for the request path with a single read. The
// error is non-nil only when the backend fails.
func (e *Engine) Validate(ctx context.Context, tok session.Token, requireVerified bool) (session.ValidationResult, error) {
	if err := e.ready(); err != nil {
		return session.Unknown, err
	}

	var start time.Time
	if e.metrics.LatencyEnabled() {
		start = time.Now()
	}

	sess, err := e.readSession(ctx, tok)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return session.Unknown, err
	}

	var result session.ValidationResult
	if err != nil {
		result = session.Unknown
	} else {
		result = session.Evaluate(&sess, e.now(), requireVerified)
	}

	if result == session.Valid {
		e.metricInc(MetricValidateValid)
	} else {
		e.metricInc(MetricValidateRejected)
	}
	if !start.IsZero() {
		e.metrics.Observe(MetricValidateLatency, time.Since(start))
	}
	return result, nil
}

// Session returns the read model of a session, including dropped and expired ones.
func (e *Engine) Session(ctx context.Context, tok session.Token) (session.Info, error) {
	if err := e.ready(); err != nil {
		return session.Info{}, err
	}
	sess, err := e.readSession(ctx, tok)
	if err != nil {
		return session.Info{}, err
	}
	return sess.Describe(e.now()), nil
}

func (e *Engine) readSession(ctx context.Context, tok session.Token) (session.Session, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	sess, err := e.store.GetSession(ctx, tok)
	if err != nil {
		if errors.Is(err, session.ErrIllegalState) {
			e.logger.LogAttrs(ctx, slog.LevelError, "rfsauth session row in illegal state",
				slog.String("session", tok.Fingerprint()),
			)
			return session.Session{}, fmt.Errorf("get session: %w", ErrNotFound)
		}
		return session.Session{}, e.storeErr(ctx, "get session", err)
	}
	return sess, nil
}

// liveSession loads an authenticated session that is neither dropped nor expired.
func (e *Engine) liveSession(ctx context.Context, tok session.Token) (session.Session, error) {
	sess, err := e.readSession(ctx, tok)
	if err != nil {
		return session.Session{}, err
	}
	switch session.Evaluate(&sess, e.now(), false) {
	case session.Valid:
		return sess, nil
	case session.Dropped:
		return session.Session{}, fmt.Errorf("session: %w", ErrDropped)
	case session.Expired:
		return session.Session{}, fmt.Errorf("session: %w", ErrExpired)
	default:
		return session.Session{}, ErrAuthenticationFailed
	}
}

// EncodeToken signs tok for transport in a cookie.
func (e *Engine) EncodeToken(tok session.Token) (string, error) {
	if e == nil || e.keyring == nil {
		return "", ErrEngineNotReady
	}
	return e.keyring.Encode(tok)
}

// DecodeToken verifies a cookie value. Every failure maps to ErrAuthenticationFailed.
func (e *Engine) DecodeToken(value string) (session.Token, error) {
	if e == nil || e.keyring == nil {
		return zeroToken, ErrEngineNotReady
	}
	tok, err := e.keyring.Decode(value)
	if err != nil {
		return zeroToken, ErrAuthenticationFailed
	}
	return tok, nil
}

// SweepExpired reclaims sessions that expired more than ExpiredRetention ago.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	n, err := e.store.PurgeExpiredSessions(ctx, e.now().Add(-e.config.Session.ExpiredRetention))
	if err != nil {
		return 0, e.storeErr(ctx, "sweep sessions", err)
	}
	e.metrics.Add(MetricSessionSwept, uint64(n))
	return n, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done. Failures are
// logged and retried on the next tick.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if err := e.ready(); err != nil {
		return err
	}
	if interval <= 0 {
		return fmt.Errorf("sweeper interval: %w", ErrInvalidInput)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := e.SweepExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if n > 0 {
				e.logger.LogAttrs(ctx, slog.LevelDebug, "rfsauth expired sessions swept", slog.Int("count", n))
			}
		}
	}
}
