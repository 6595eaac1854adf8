package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rfs-server/rfsauth/store"
)

const defaultPrefix = "rfsauth"

var _ store.Backend = (*Store)(nil)

// Store is a Redis implementation of [store.Backend]. Every check-then-write runs as
// one Lua script so concurrent callers on any number of instances serialize on Redis.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// New returns a Store using prefix for every key. An empty prefix uses "rfsauth".
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{redis: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

// mapNil turns redis.Nil into store.ErrNotFound and anything else into ErrUnavailable.
func mapNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	return unavailable(err)
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

func (s *Store) seqKey(kind string) string { return s.prefix + ":seq:" + kind }
func (s *Store) identityKey(v int64) string { return s.prefix + ":ident:" + id(v) }
func (s *Store) handleIndexKey() string { return s.prefix + ":handle" }
func (s *Store) contactIndexKey() string { return s.prefix + ":contact" }
func (s *Store) passwordKey(v int64) string { return s.prefix + ":pw:" + id(v) }
func (s *Store) totpKey(v int64) string { return s.prefix + ":totp:" + id(v) }
func (s *Store) backupKey(v int64) string { return s.prefix + ":bc:" + id(v) }
func (s *Store) backupIndexKey() string { return s.prefix + ":bch" }
func (s *Store) sessionKey(token string) string { return s.prefix + ":sess:" + token }
func (s *Store) identitySessionsKey(v int64) string {
	return s.prefix + ":usess:" + id(v)
}
func (s *Store) roleKey(v int64) string { return s.prefix + ":role:" + id(v) }
func (s *Store) roleNameKey() string { return s.prefix + ":rolename" }
func (s *Store) rolePermKey(v int64) string { return s.prefix + ":rperm:" + id(v) }
func (s *Store) roleGroupsKey(v int64) string { return s.prefix + ":rgrp:" + id(v) }
func (s *Store) roleIdentsKey(v int64) string { return s.prefix + ":rident:" + id(v) }
func (s *Store) groupKey(v int64) string { return s.prefix + ":group:" + id(v) }
func (s *Store) groupNameKey() string { return s.prefix + ":groupname" }
func (s *Store) groupMembersKey(v int64) string { return s.prefix + ":gmem:" + id(v) }
func (s *Store) groupRolesKey(v int64) string { return s.prefix + ":grole:" + id(v) }
func (s *Store) identGroupsKey(v int64) string { return s.prefix + ":igrp:" + id(v) }
func (s *Store) identRolesKey(v int64) string { return s.prefix + ":irole:" + id(v) }

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(raw string) time.Time {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func parseIDs(raw []string) []int64 {
	out := make([]int64, 0, len(raw))
	for _, r := range raw {
		v, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
