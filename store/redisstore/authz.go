package redisstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rfs-server/rfsauth/store"
)

const permissionSep = "\x00"

func permissionMember(p store.Permission) string {
	return p.Scope + permissionSep + p.Ability
}

func (s *Store) createNamed(ctx context.Context, kind, nameIndex, name string, now time.Time) (int64, error) {
	res, err := createNamedLua.Run(
		ctx,
		s.redis,
		[]string{nameIndex, s.seqKey(kind)},
		s.prefix, kind, name, millis(now),
	).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	if res == statusConflict {
		return 0, store.ErrConflict
	}
	return res, nil
}

// CreateRole allocates a role id under a unique name.
func (s *Store) CreateRole(ctx context.Context, name string) (store.Role, error) {
	v, err := s.createNamed(ctx, "role", s.roleNameKey(), name, time.Time{})
	if err != nil {
		return store.Role{}, err
	}
	return store.Role{ID: v, Name: name}, nil
}

// GetRole loads a role by id.
func (s *Store) GetRole(ctx context.Context, v int64) (store.Role, error) {
	name, err := s.redis.HGet(ctx, s.roleKey(v), "name").Result()
	if err != nil {
		return store.Role{}, mapNil(err)
	}
	return store.Role{ID: v, Name: name}, nil
}

// DeleteRole removes the role, its grants and every edge that references it.
func (s *Store) DeleteRole(ctx context.Context, v int64) error {
	res, err := deleteRoleLua.Run(ctx, s.redis, nil, s.prefix, id(v)).Int64()
	if err != nil {
		return unavailable(err)
	}
	if res == statusNotFound {
		return store.ErrNotFound
	}
	return nil
}

// CreateGroup allocates a group id under a unique name.
func (s *Store) CreateGroup(ctx context.Context, name string, now time.Time) (store.Group, error) {
	v, err := s.createNamed(ctx, "group", s.groupNameKey(), name, now)
	if err != nil {
		return store.Group{}, err
	}
	at := time.UnixMilli(millis(now)).UTC()
	return store.Group{ID: v, Name: name, CreatedAt: at, UpdatedAt: at}, nil
}

// GetGroup loads a group by id.
func (s *Store) GetGroup(ctx context.Context, v int64) (store.Group, error) {
	fields, err := s.redis.HGetAll(ctx, s.groupKey(v)).Result()
	if err != nil {
		return store.Group{}, unavailable(err)
	}
	if len(fields) == 0 {
		return store.Group{}, store.ErrNotFound
	}
	return store.Group{
		ID:        v,
		Name:      fields["name"],
		CreatedAt: fromMillis(fields["created"]),
		UpdatedAt: fromMillis(fields["updated"]),
	}, nil
}

// RenameGroup moves the name index entry and bumps updated-at.
func (s *Store) RenameGroup(ctx context.Context, v int64, name string, now time.Time) error {
	res, err := renameGroupLua.Run(
		ctx,
		s.redis,
		[]string{s.groupKey(v), s.groupNameKey()},
		id(v), name, millis(now),
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

// DeleteGroup removes the group and its membership and role edges.
func (s *Store) DeleteGroup(ctx context.Context, v int64) error {
	res, err := deleteGroupLua.Run(ctx, s.redis, nil, s.prefix, id(v)).Int64()
	if err != nil {
		return unavailable(err)
	}
	if res == statusNotFound {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) edge(ctx context.Context, keys []string, left, right int64, op string) error {
	res, err := edgeLua.Run(ctx, s.redis, keys, id(left), id(right), op).Int64()
	if err != nil {
		return unavailable(err)
	}
	if res == statusNotFound {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) memberKeys(group, identity int64) []string {
	return []string{s.groupKey(group), s.identityKey(identity), s.groupMembersKey(group), s.identGroupsKey(identity)}
}

func (s *Store) groupRoleKeys(group, role int64) []string {
	return []string{s.groupKey(group), s.roleKey(role), s.groupRolesKey(group), s.roleGroupsKey(role)}
}

func (s *Store) identRoleKeys(identity, role int64) []string {
	return []string{s.identityKey(identity), s.roleKey(role), s.identRolesKey(identity), s.roleIdentsKey(role)}
}

// AddGroupMember links an identity to a group.
func (s *Store) AddGroupMember(ctx context.Context, group, identity int64) error {
	return s.edge(ctx, s.memberKeys(group, identity), group, identity, "add")
}

// RemoveGroupMember unlinks an identity from a group.
func (s *Store) RemoveGroupMember(ctx context.Context, group, identity int64) error {
	return s.edge(ctx, s.memberKeys(group, identity), group, identity, "remove")
}

// AssignGroupRole grants a role to every member of a group.
func (s *Store) AssignGroupRole(ctx context.Context, group, role int64) error {
	return s.edge(ctx, s.groupRoleKeys(group, role), group, role, "add")
}

// UnassignGroupRole removes a group's role.
func (s *Store) UnassignGroupRole(ctx context.Context, group, role int64) error {
	return s.edge(ctx, s.groupRoleKeys(group, role), group, role, "remove")
}

// AssignRole grants a role directly to an identity.
func (s *Store) AssignRole(ctx context.Context, identity, role int64) error {
	return s.edge(ctx, s.identRoleKeys(identity, role), identity, role, "add")
}

// UnassignRole removes a direct role grant.
func (s *Store) UnassignRole(ctx context.Context, identity, role int64) error {
	return s.edge(ctx, s.identRoleKeys(identity, role), identity, role, "remove")
}

func (s *Store) grant(ctx context.Context, role int64, p store.Permission, op string) error {
	res, err := grantLua.Run(
		ctx,
		s.redis,
		[]string{s.roleKey(role), s.rolePermKey(role)},
		permissionMember(p), op,
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	if res == statusNotFound {
		return store.ErrNotFound
	}
	return nil
}

// Grant adds a scope+ability pair to a role. Granting twice is a no-op.
func (s *Store) Grant(ctx context.Context, role int64, p store.Permission) error {
	return s.grant(ctx, role, p, "add")
}

// Revoke removes a scope+ability pair from a role. Revoking twice is a no-op.
func (s *Store) Revoke(ctx context.Context, role int64, p store.Permission) error {
	return s.grant(ctx, role, p, "remove")
}

// existsAndMembers reads an entity's existence and one of its sets in a MULTI block.
func (s *Store) existsAndMembers(ctx context.Context, entityKey, setKey string) ([]string, error) {
	var (
		exists  *redis.IntCmd
		members *redis.StringSliceCmd
	)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, entityKey)
		members = pipe.SMembers(ctx, setKey)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if exists.Val() == 0 {
		return nil, store.ErrNotFound
	}
	return members.Val(), nil
}

// RolePermissions lists a role's grants ordered by scope, then ability.
func (s *Store) RolePermissions(ctx context.Context, role int64) ([]store.Permission, error) {
	members, err := s.existsAndMembers(ctx, s.roleKey(role), s.rolePermKey(role))
	if err != nil {
		return nil, err
	}
	out := make([]store.Permission, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m, permissionSep, 2)
		if len(parts) != 2 {
			continue
		}
		out = append(out, store.Permission{Scope: parts[0], Ability: parts[1]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Ability < out[j].Ability
	})
	return out, nil
}

// GroupMembers lists the identity ids of a group.
func (s *Store) GroupMembers(ctx context.Context, group int64) ([]int64, error) {
	members, err := s.existsAndMembers(ctx, s.groupKey(group), s.groupMembersKey(group))
	if err != nil {
		return nil, err
	}
	return sortedIDs(members), nil
}

// DirectRoles lists the roles assigned directly to an identity.
func (s *Store) DirectRoles(ctx context.Context, identity int64) ([]int64, error) {
	members, err := s.existsAndMembers(ctx, s.identityKey(identity), s.identRolesKey(identity))
	if err != nil {
		return nil, err
	}
	return sortedIDs(members), nil
}

// GroupRoles lists the roles reachable through the identity's groups. The result
// may contain duplicates when several groups carry the same role. An unknown
// identity yields ErrNotFound.
func (s *Store) GroupRoles(ctx context.Context, identity int64) ([]int64, error) {
	members, err := groupRolesLua.Run(ctx, s.redis, nil, s.prefix, id(identity)).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, store.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return sortedIDs(members), nil
}

// HasPermission answers the exact scope+ability query inside one script.
func (s *Store) HasPermission(ctx context.Context, identity int64, p store.Permission) (bool, error) {
	res, err := hasPermissionLua.Run(ctx, s.redis, nil, s.prefix, id(identity), permissionMember(p)).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	if res == statusMissing {
		return false, store.ErrNotFound
	}
	return res == 1, nil
}

func sortedIDs(raw []string) []int64 {
	out := parseIDs(raw)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
