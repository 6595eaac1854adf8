package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/rfs-server/rfsauth/store"
)

// CreateRole inserts a role; a duplicate name yields ErrConflict.
func (s *Store) CreateRole(ctx context.Context, name string) (store.Role, error) {
	role := store.Role{Name: name}
	err := s.db.QueryRowContext(ctx, `
		insert into authz_roles (name) values ($1) returning id
	`, name).Scan(&role.ID)
	if err != nil {
		return store.Role{}, mapErr(err)
	}
	return role, nil
}

// GetRole loads a role by id.
func (s *Store) GetRole(ctx context.Context, id int64) (store.Role, error) {
	role := store.Role{ID: id}
	if err := s.db.QueryRowContext(ctx, `select name from authz_roles where id = $1`, id).Scan(&role.Name); err != nil {
		return store.Role{}, mapErr(err)
	}
	return role, nil
}

// DeleteRole deletes the role; grants and edges cascade.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	return s.execOne(ctx, `delete from authz_roles where id = $1`, id)
}

// CreateGroup inserts a group; a duplicate name yields ErrConflict.
func (s *Store) CreateGroup(ctx context.Context, name string, now time.Time) (store.Group, error) {
	g := store.Group{Name: name}
	err := s.db.QueryRowContext(ctx, `
		insert into authz_groups (name, created_at, updated_at)
		values ($1, $2, $2)
		returning id, created_at, updated_at
	`, name, now).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return store.Group{}, mapErr(err)
	}
	return g, nil
}

// GetGroup loads a group by id.
func (s *Store) GetGroup(ctx context.Context, id int64) (store.Group, error) {
	g := store.Group{ID: id}
	err := s.db.QueryRowContext(ctx, `
		select name, created_at, updated_at from authz_groups where id = $1
	`, id).Scan(&g.Name, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return store.Group{}, mapErr(err)
	}
	return g, nil
}

// RenameGroup changes the group's name and bumps updated_at.
func (s *Store) RenameGroup(ctx context.Context, id int64, name string, now time.Time) error {
	return s.execOne(ctx, `
		update authz_groups set name = $2, updated_at = $3 where id = $1
	`, id, name, now)
}

// DeleteGroup deletes the group; membership and role edges cascade.
func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	return s.execOne(ctx, `delete from authz_groups where id = $1`, id)
}

// edgeTable describes one many-to-many relation.
type edgeTable struct {
	table       string
	leftColumn  string
	rightColumn string
	leftTable   string
	rightTable  string
}

var (
	groupUsers = edgeTable{"authz_group_users", "group_id", "user_id", "authz_groups", "auth_identity"}
	groupRoles = edgeTable{"authz_group_roles", "group_id", "role_id", "authz_groups", "authz_roles"}
	userRoles  = edgeTable{"authz_user_roles", "user_id", "role_id", "auth_identity", "authz_roles"}
)

func (s *Store) addEdge(ctx context.Context, e edgeTable, left, right int64) error {
	_, err := s.db.ExecContext(ctx,
		`insert into `+e.table+` (`+e.leftColumn+`, `+e.rightColumn+`) values ($1, $2) on conflict do nothing`,
		left, right,
	)
	return mapErr(err)
}

func (s *Store) removeEdge(ctx context.Context, e edgeTable, left, right int64) error {
	res, err := s.db.ExecContext(ctx,
		`delete from `+e.table+` where `+e.leftColumn+` = $1 and `+e.rightColumn+` = $2`,
		left, right,
	)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n > 0 {
		return nil
	}
	ok, err := s.exists(ctx,
		`select exists (select 1 from `+e.leftTable+` where id = $1) and exists (select 1 from `+e.rightTable+` where id = $2)`,
		left, right,
	)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

// AddGroupMember links an identity to a group.
func (s *Store) AddGroupMember(ctx context.Context, group, identity int64) error {
	return s.addEdge(ctx, groupUsers, group, identity)
}

// RemoveGroupMember unlinks an identity from a group.
func (s *Store) RemoveGroupMember(ctx context.Context, group, identity int64) error {
	return s.removeEdge(ctx, groupUsers, group, identity)
}

// AssignGroupRole grants a role to every member of a group.
func (s *Store) AssignGroupRole(ctx context.Context, group, role int64) error {
	return s.addEdge(ctx, groupRoles, group, role)
}

// UnassignGroupRole removes a group's role.
func (s *Store) UnassignGroupRole(ctx context.Context, group, role int64) error {
	return s.removeEdge(ctx, groupRoles, group, role)
}

// AssignRole grants a role directly to an identity.
func (s *Store) AssignRole(ctx context.Context, identity, role int64) error {
	return s.addEdge(ctx, userRoles, identity, role)
}

// UnassignRole removes a direct role grant.
func (s *Store) UnassignRole(ctx context.Context, identity, role int64) error {
	return s.removeEdge(ctx, userRoles, identity, role)
}

// Grant adds a scope+ability pair to a role. Granting twice is a no-op.
func (s *Store) Grant(ctx context.Context, role int64, p store.Permission) error {
	_, err := s.db.ExecContext(ctx, `
		insert into authz_permissions (role_id, scope, ability)
		values ($1, $2, $3)
		on conflict do nothing
	`, role, p.Scope, p.Ability)
	return mapErr(err)
}

// Revoke removes a scope+ability pair from a role. Revoking twice is a no-op.
func (s *Store) Revoke(ctx context.Context, role int64, p store.Permission) error {
	res, err := s.db.ExecContext(ctx, `
		delete from authz_permissions
		where role_id = $1 and scope = $2 and ability = $3
	`, role, p.Scope, p.Ability)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n > 0 {
		return nil
	}
	ok, err := s.exists(ctx, `select exists (select 1 from authz_roles where id = $1)`, role)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

// RolePermissions lists a role's grants ordered by scope, then ability.
func (s *Store) RolePermissions(ctx context.Context, role int64) ([]store.Permission, error) {
	ok, err := s.exists(ctx, `select exists (select 1 from authz_roles where id = $1)`, role)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		select scope, ability from authz_permissions
		where role_id = $1
		order by scope, ability
	`, role)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []store.Permission
	for rows.Next() {
		var p store.Permission
		if err := rows.Scan(&p.Scope, &p.Ability); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// GroupMembers lists the identity ids of a group.
func (s *Store) GroupMembers(ctx context.Context, group int64) ([]int64, error) {
	ok, err := s.exists(ctx, `select exists (select 1 from authz_groups where id = $1)`, group)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.queryIDs(ctx, `
		select user_id from authz_group_users where group_id = $1 order by user_id
	`, group)
}

// DirectRoles lists the roles assigned directly to an identity.
func (s *Store) DirectRoles(ctx context.Context, identity int64) ([]int64, error) {
	return s.identityIDs(ctx, `
		select ur.role_id
		from auth_identity i
		left join authz_user_roles ur on ur.user_id = i.id
		where i.id = $1
		order by ur.role_id
	`, identity)
}

// GroupRoles lists the distinct roles reachable through the identity's groups.
func (s *Store) GroupRoles(ctx context.Context, identity int64) ([]int64, error) {
	return s.identityIDs(ctx, `
		select distinct r.role_id
		from auth_identity i
		left join (
			select gu.user_id, gr.role_id
			from authz_group_users gu
			join authz_group_roles gr on gr.group_id = gu.group_id
		) r on r.user_id = i.id
		where i.id = $1
		order by r.role_id
	`, identity)
}

// HasPermission answers the exact scope+ability query over both grant paths in
// one statement, alongside the identity's existence.
func (s *Store) HasPermission(ctx context.Context, identity int64, p store.Permission) (bool, error) {
	var known, ok bool
	err := s.db.QueryRowContext(ctx, `
		select
			exists (select 1 from auth_identity where id = $1),
			exists (
				select 1 from authz_permissions ap
				where ap.scope = $2 and ap.ability = $3 and ap.role_id in (
					select role_id from authz_user_roles where user_id = $1
					union
					select gr.role_id
					from authz_group_users gu
					join authz_group_roles gr on gr.group_id = gu.group_id
					where gu.user_id = $1
				)
			)
	`, identity, p.Scope, p.Ability).Scan(&known, &ok)
	if err != nil {
		return false, mapErr(err)
	}
	if !known {
		return false, store.ErrNotFound
	}
	return ok, nil
}

// identityIDs runs a query anchored on auth_identity with a left join, so a known
// identity yields at least one row and a NULL id marks an empty set.
func (s *Store) identityIDs(ctx context.Context, query string, identity int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var (
		out   []int64
		found bool
	)
	for rows.Next() {
		found = true
		var v sql.NullInt64
		if err := rows.Scan(&v); err != nil {
			return nil, mapErr(err)
		}
		if v.Valid {
			out = append(out, v.Int64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	if !found {
		return nil, store.ErrNotFound
	}
	return out, nil
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}
