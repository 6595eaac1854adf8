package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rfs-server/rfsauth/session"
	"github.com/rfs-server/rfsauth/store"
)

// CreateSession inserts a session row. Retention is enforced by PurgeExpiredSessions.
func (s *Store) CreateSession(ctx context.Context, sess session.Session, _ time.Duration) error {
	authenticated, verified := sess.State.Flags()
	_, err := s.db.ExecContext(ctx, `
		insert into auth_session
			(token, user_id, dropped, issued_on, expires, authenticated, verified, auth_method, verify_method)
		values ($1, $2, false, $3, $4, $5, $6, $7, $8)
	`,
		sess.Token.Bytes(),
		sess.IdentityID,
		sess.IssuedAt,
		sess.ExpiresAt,
		authenticated,
		verified,
		int16(sess.AuthMethod),
		int16(sess.VerifyMethod),
	)
	return mapErr(err)
}

// GetSession loads a session with a single select.
func (s *Store) GetSession(ctx context.Context, token session.Token) (session.Session, error) {
	var (
		sess                    = session.Session{Token: token}
		authenticated, verified bool
		am, vm                  int16
	)
	err := s.db.QueryRowContext(ctx, `
		select user_id, dropped, issued_on, expires, authenticated, verified, auth_method, verify_method
		from auth_session
		where token = $1
	`, token.Bytes()).Scan(
		&sess.IdentityID,
		&sess.Dropped,
		&sess.IssuedAt,
		&sess.ExpiresAt,
		&authenticated,
		&verified,
		&am,
		&vm,
	)
	if err != nil {
		return session.Session{}, mapErr(err)
	}
	state, err := session.StateFromFlags(authenticated, verified)
	if err != nil {
		return session.Session{}, err
	}
	sess.State = state
	sess.AuthMethod = session.AuthMethod(am)
	sess.VerifyMethod = session.VerifyMethod(vm)
	return sess, nil
}

// classifyMiss explains why a conditional session update touched no row.
func (s *Store) classifyMiss(ctx context.Context, token session.Token, now time.Time) error {
	var (
		dropped bool
		expires time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		select dropped, expires from auth_session where token = $1
	`, token.Bytes()).Scan(&dropped, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return mapErr(err)
	}
	if dropped {
		return store.ErrSessionDropped
	}
	if !now.Before(expires) {
		return store.ErrSessionExpired
	}
	return store.ErrNotFound
}

func (s *Store) conditionalSessionUpdate(ctx context.Context, token session.Token, now time.Time, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 1 {
		return nil
	}
	return s.classifyMiss(ctx, token, now)
}

// AdvanceSession sets the verified flag of a live session in one update.
func (s *Store) AdvanceSession(ctx context.Context, token session.Token, method session.VerifyMethod, now time.Time) error {
	return s.conditionalSessionUpdate(ctx, token, now, `
		update auth_session
		set verified = true, verify_method = $2
		where token = $1 and not dropped and expires > $3
	`, token.Bytes(), int16(method), now)
}

// ExtendSession moves expires-at of a live session in one update.
func (s *Store) ExtendSession(ctx context.Context, token session.Token, expiresAt, now time.Time, _ time.Duration) error {
	return s.conditionalSessionUpdate(ctx, token, now, `
		update auth_session
		set expires = $2
		where token = $1 and not dropped and expires > $3
	`, token.Bytes(), expiresAt, now)
}

// DropSession marks the session dropped; a second drop reports false.
func (s *Store) DropSession(ctx context.Context, token session.Token) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update auth_session set dropped = true
		where token = $1 and not dropped
	`, token.Bytes())
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
	ok, err := s.exists(ctx, `select exists (select 1 from auth_session where token = $1)`, token.Bytes())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, store.ErrNotFound
	}
	return false, nil
}

// DropIdentitySessions drops every live session of an identity.
func (s *Store) DropIdentitySessions(ctx context.Context, id int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update auth_session set dropped = true
		where user_id = $1 and not dropped
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

// PurgeExpiredSessions deletes rows that expired before the cutoff.
func (s *Store) PurgeExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from auth_session where expires < $1`, before)
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}
