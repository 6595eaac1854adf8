package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rfs-server/rfsauth/session"
	"github.com/rfs-server/rfsauth/store"
)

const minKeyTTL = time.Second

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// keyTTL keeps a session key alive until retention past its expiry.
func keyTTL(expiresAt, now time.Time, retention time.Duration) time.Duration {
	ttl := expiresAt.Sub(now) + retention
	if ttl < minKeyTTL {
		ttl = minKeyTTL
	}
	return ttl
}

// CreateSession inserts a session hash with a key TTL of expiry plus retention.
func (s *Store) CreateSession(ctx context.Context, sess session.Session, retention time.Duration) error {
	authenticated, verified := sess.State.Flags()
	token := sess.Token.String()

	res, err := createSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.sessionKey(token), s.identitySessionsKey(sess.IdentityID), s.identityKey(sess.IdentityID)},
		id(sess.IdentityID),
		flag(authenticated),
		flag(verified),
		millis(sess.IssuedAt),
		millis(sess.ExpiresAt),
		uint8(sess.AuthMethod),
		uint8(sess.VerifyMethod),
		keyTTL(sess.ExpiresAt, sess.IssuedAt, retention).Milliseconds(),
		token,
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

// GetSession loads a session. The read is a single HGETALL.
func (s *Store) GetSession(ctx context.Context, token session.Token) (session.Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.sessionKey(token.String())).Result()
	if err != nil {
		return session.Session{}, unavailable(err)
	}
	if len(fields) == 0 {
		return session.Session{}, store.ErrNotFound
	}

	identity, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return session.Session{}, store.ErrNotFound
	}
	state, err := session.StateFromFlags(fields["auth"] == "1", fields["verified"] == "1")
	if err != nil {
		return session.Session{}, err
	}
	am, _ := strconv.ParseUint(fields["am"], 10, 8)
	vm, _ := strconv.ParseUint(fields["vm"], 10, 8)

	return session.Session{
		Token:        token,
		IdentityID:   identity,
		State:        state,
		Dropped:      fields["dropped"] == "1",
		IssuedAt:     fromMillis(fields["issued"]),
		ExpiresAt:    fromMillis(fields["expires"]),
		AuthMethod:   session.AuthMethod(am),
		VerifyMethod: session.VerifyMethod(vm),
	}, nil
}

func sessionStatus(res int64) error {
	switch res {
	case statusOK:
		return nil
	case statusDropped:
		return store.ErrSessionDropped
	case statusExpired:
		return store.ErrSessionExpired
	default:
		return store.ErrNotFound
	}
}

// AdvanceSession sets the verified flag if the session is live.
func (s *Store) AdvanceSession(ctx context.Context, token session.Token, method session.VerifyMethod, now time.Time) error {
	res, err := advanceSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.sessionKey(token.String())},
		uint8(method), millis(now),
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	return sessionStatus(res)
}

// ExtendSession moves expires-at forward if the session is live.
func (s *Store) ExtendSession(ctx context.Context, token session.Token, expiresAt, now time.Time, retention time.Duration) error {
	res, err := extendSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.sessionKey(token.String())},
		millis(expiresAt), millis(now), keyTTL(expiresAt, now, retention).Milliseconds(),
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	return sessionStatus(res)
}

// DropSession marks the session dropped. Dropping twice reports false without error.
func (s *Store) DropSession(ctx context.Context, token session.Token) (bool, error) {
	res, err := dropSessionLua.Run(ctx, s.redis, []string{s.sessionKey(token.String())}).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	switch res {
	case statusOK:
		return true, nil
	case statusDropped:
		return false, nil
	default:
		return false, store.ErrNotFound
	}
}

// DropIdentitySessions drops every live session of an identity.
func (s *Store) DropIdentitySessions(ctx context.Context, v int64) (int, error) {
	n, err := dropIdentitySessionsLua.Run(ctx, s.redis, []string{s.identitySessionsKey(v)}, s.prefix).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

// PurgeExpiredSessions prunes per-identity session indexes of tokens whose keys
// Redis has already expired. Session keys carry their own TTL of expiry plus
// retention, so the cutoff is not consulted.
func (s *Store) PurgeExpiredSessions(ctx context.Context, _ time.Time) (int, error) {
	pattern := s.prefix + ":usess:*"
	removed := 0

	iter := s.redis.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		tokens, err := s.redis.SMembers(ctx, indexKey).Result()
		if err != nil {
			return removed, unavailable(err)
		}
		if len(tokens) == 0 {
			continue
		}

		cmds := make([]*redis.IntCmd, len(tokens))
		_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, tok := range tokens {
				cmds[i] = pipe.Exists(ctx, s.sessionKey(tok))
			}
			return nil
		})
		if err != nil {
			return removed, unavailable(err)
		}

		var stale []interface{}
		for i, cmd := range cmds {
			if cmd.Val() == 0 {
				stale = append(stale, tokens[i])
			}
		}
		if len(stale) == 0 {
			continue
		}
		n, err := s.redis.SRem(ctx, indexKey, stale...).Result()
		if err != nil {
			return removed, unavailable(err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, unavailable(err)
	}
	return removed, nil
}
