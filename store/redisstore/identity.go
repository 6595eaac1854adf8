package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/rfs-server/rfsauth/store"
)

// CreateIdentity allocates an id and claims the handle and contact indexes atomically.
func (s *Store) CreateIdentity(ctx context.Context, handle, contact string, now time.Time) (store.Identity, error) {
	res, err := createIdentityLua.Run(
		ctx,
		s.redis,
		[]string{s.handleIndexKey(), s.contactIndexKey(), s.seqKey("identity")},
		s.prefix, handle, contact, millis(now),
	).Int64()
	if err != nil {
		return store.Identity{}, unavailable(err)
	}
	if res == statusConflict {
		return store.Identity{}, store.ErrConflict
	}

	return store.Identity{
		ID:        res,
		Handle:    handle,
		Contact:   contact,
		CreatedAt: time.UnixMilli(millis(now)).UTC(),
	}, nil
}

// GetIdentity loads one identity by id.
func (s *Store) GetIdentity(ctx context.Context, v int64) (store.Identity, error) {
	fields, err := s.redis.HGetAll(ctx, s.identityKey(v)).Result()
	if err != nil {
		return store.Identity{}, unavailable(err)
	}
	if len(fields) == 0 {
		return store.Identity{}, store.ErrNotFound
	}
	return store.Identity{
		ID:              v,
		Handle:          fields["handle"],
		Contact:         fields["contact"],
		ContactVerified: fields["verified"] == "1",
		CreatedAt:       fromMillis(fields["created"]),
	}, nil
}

// GetIdentityByHandle resolves the handle index, then loads the record.
func (s *Store) GetIdentityByHandle(ctx context.Context, handle string) (store.Identity, error) {
	raw, err := s.redis.HGet(ctx, s.handleIndexKey(), handle).Result()
	if err != nil {
		return store.Identity{}, mapNil(err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return store.Identity{}, store.ErrNotFound
	}
	return s.GetIdentity(ctx, v)
}

// SetContact replaces the contact address and clears its verified flag.
func (s *Store) SetContact(ctx context.Context, v int64, contact string) error {
	res, err := setContactLua.Run(
		ctx,
		s.redis,
		[]string{s.identityKey(v), s.contactIndexKey()},
		id(v), contact,
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

// MarkContactVerified sets the verified flag of an existing identity.
func (s *Store) MarkContactVerified(ctx context.Context, v int64) error {
	res, err := markContactVerifiedLua.Run(ctx, s.redis, []string{s.identityKey(v)}).Int64()
	if err != nil {
		return unavailable(err)
	}
	if res == statusNotFound {
		return store.ErrNotFound
	}
	return nil
}

// DeleteIdentity removes the identity with its sessions, credentials, codes and edges.
func (s *Store) DeleteIdentity(ctx context.Context, v int64) error {
	res, err := deleteIdentityLua.Run(ctx, s.redis, nil, s.prefix, id(v)).Int64()
	if err != nil {
		return unavailable(err)
	}
	if res == statusNotFound {
		return store.ErrNotFound
	}
	return nil
}
