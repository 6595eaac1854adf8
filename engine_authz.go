package rfsauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rfs-server/rfsauth/permission"
	"github.com/rfs-server/rfsauth/session"
)

// EffectiveRoles returns the union of the identity's direct roles and the roles of
// every group it belongs to, read fresh on each call. An unknown identity yields
// ErrNotFound.
func (e *Engine) EffectiveRoles(ctx context.Context, identity int64) (permission.RoleSet, error) {
	if err := e.ready(); err != nil {
		return permission.RoleSet{}, err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	direct, err := e.store.DirectRoles(ctx, identity)
	if err != nil {
		return permission.RoleSet{}, e.storeErr(ctx, "effective roles", err)
	}
	viaGroups, err := e.store.GroupRoles(ctx, identity)
	if err != nil {
		return permission.RoleSet{}, e.storeErr(ctx, "effective roles", err)
	}
	return permission.Union(permission.NewRoleSet(direct...), permission.NewRoleSet(viaGroups...)), nil
}

// HasPermission reports whether any effective role of identity grants exactly
// scope+ability. Names are compared byte for byte. An unknown identity yields
// ErrNotFound.
func (e *Engine) HasPermission(ctx context.Context, identity int64, scope, ability string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	if permission.ValidatePair(scope, ability) != nil {
		return false, nil
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	ok, err := e.store.HasPermission(ctx, identity, Permission{Scope: scope, Ability: ability})
	if err != nil {
		return false, e.storeErr(ctx, "has permission", err)
	}
	return ok, nil
}

// Permissions loads every pair granted to identity. Roles deleted between the role
// lookup and the permission read are skipped.
func (e *Engine) Permissions(ctx context.Context, identity int64) (*permission.Snapshot, error) {
	roles, err := e.EffectiveRoles(ctx, identity)
	if err != nil {
		return nil, err
	}

	snap := permission.NewSnapshot(roles)
	for _, role := range roles.IDs() {
		perms, err := e.RolePermissions(ctx, role)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, p := range perms {
			snap.Add(p.Scope, p.Ability)
		}
	}
	return snap, nil
}

// HasAnyPermission reports whether any of scopes carries ability for identity. The
// caller expands scope candidates; matching stays exact.
func (e *Engine) HasAnyPermission(ctx context.Context, identity int64, scopes []string, ability string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	if len(scopes) == 0 {
		return false, nil
	}
	if len(scopes) == 1 {
		return e.HasPermission(ctx, identity, scopes[0], ability)
	}
	snap, err := e.Permissions(ctx, identity)
	if err != nil {
		return false, err
	}
	return snap.HasAny(scopes, ability), nil
}

// Authorize validates tok and checks scope+ability for its identity. Session
// failures return ErrAuthenticationFailed; a missing grant returns
// ErrPermissionDenied.
func (e *Engine) Authorize(ctx context.Context, tok session.Token, requireVerified bool, scope, ability string) (int64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}

	sess, err := e.readSession(ctx, tok)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrAuthenticationFailed
		}
		return 0, err
	}
	if session.Evaluate(&sess, e.now(), requireVerified) != session.Valid {
		e.metricInc(MetricValidateRejected)
		return 0, ErrAuthenticationFailed
	}
	e.metricInc(MetricValidateValid)

	ok, err := e.HasPermission(ctx, sess.IdentityID, scope, ability)
	if err != nil {
		return 0, err
	}
	if !ok {
		e.metricInc(MetricAuthzDenied)
		return 0, fmt.Errorf("%s/%s: %w", scope, ability, ErrPermissionDenied)
	}
	e.metricInc(MetricAuthzAllowed)
	return sess.IdentityID, nil
}

/*
====================================
ADMINISTRATION
====================================
*/

func invalidName(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrInvalidInput, err)
}

// Grant adds scope+ability to role. Granting twice is a no-op.
func (e *Engine) Grant(ctx context.Context, role int64, scope, ability string) error {
	return e.grant(ctx, "grant", role, scope, ability, false)
}

// Revoke removes scope+ability from role. Revoking a missing pair is a no-op.
func (e *Engine) Revoke(ctx context.Context, role int64, scope, ability string) error {
	return e.grant(ctx, "revoke", role, scope, ability, true)
}

func (e *Engine) grant(ctx context.Context, op string, role int64, scope, ability string, revoke bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := permission.ValidatePair(scope, ability); err != nil {
		return invalidName(op, err)
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	p := Permission{Scope: scope, Ability: ability}
	if revoke {
		return e.storeErr(ctx, op, e.store.Revoke(ctx, role, p))
	}
	return e.storeErr(ctx, op, e.store.Grant(ctx, role, p))
}

// CreateRole adds a role. A taken name yields ErrConflict.
func (e *Engine) CreateRole(ctx context.Context, name string) (Role, error) {
	if err := e.ready(); err != nil {
		return Role{}, err
	}
	if err := permission.ValidateName(name); err != nil {
		return Role{}, invalidName("create role", err)
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	role, err := e.store.CreateRole(ctx, name)
	if err != nil {
		return Role{}, e.storeErr(ctx, "create role", err)
	}
	return role, nil
}

// Role looks a role up by id.
func (e *Engine) Role(ctx context.Context, id int64) (Role, error) {
	if err := e.ready(); err != nil {
		return Role{}, err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	role, err := e.store.GetRole(ctx, id)
	if err != nil {
		return Role{}, e.storeErr(ctx, "get role", err)
	}
	return role, nil
}

// DeleteRole removes a role with its grants and assignments.
func (e *Engine) DeleteRole(ctx context.Context, id int64) error {
	return e.exec(ctx, "delete role", func(ctx context.Context) error { return e.store.DeleteRole(ctx, id) })
}

// CreateGroup adds a group. A taken name yields ErrConflict.
func (e *Engine) CreateGroup(ctx context.Context, name string) (Group, error) {
	if err := e.ready(); err != nil {
		return Group{}, err
	}
	if err := permission.ValidateName(name); err != nil {
		return Group{}, invalidName("create group", err)
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	group, err := e.store.CreateGroup(ctx, name, e.now())
	if err != nil {
		return Group{}, e.storeErr(ctx, "create group", err)
	}
	return group, nil
}

// Group looks a group up by id.
func (e *Engine) Group(ctx context.Context, id int64) (Group, error) {
	if err := e.ready(); err != nil {
		return Group{}, err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	group, err := e.store.GetGroup(ctx, id)
	if err != nil {
		return Group{}, e.storeErr(ctx, "get group", err)
	}
	return group, nil
}

// RenameGroup changes a group's name and bumps its updated-at.
func (e *Engine) RenameGroup(ctx context.Context, id int64, name string) error {
	if err := permission.ValidateName(name); err != nil {
		return invalidName("rename group", err)
	}
	return e.exec(ctx, "rename group", func(ctx context.Context) error {
		return e.store.RenameGroup(ctx, id, name, e.now())
	})
}

// DeleteGroup removes a group with its memberships and role assignments.
func (e *Engine) DeleteGroup(ctx context.Context, id int64) error {
	return e.exec(ctx, "delete group", func(ctx context.Context) error { return e.store.DeleteGroup(ctx, id) })
}

func (e *Engine) AddGroupMember(ctx context.Context, group, identity int64) error {
	return e.exec(ctx, "add group member", func(ctx context.Context) error {
		return e.store.AddGroupMember(ctx, group, identity)
	})
}

func (e *Engine) RemoveGroupMember(ctx context.Context, group, identity int64) error {
	return e.exec(ctx, "remove group member", func(ctx context.Context) error {
		return e.store.RemoveGroupMember(ctx, group, identity)
	})
}

func (e *Engine) AssignGroupRole(ctx context.Context, group, role int64) error {
	return e.exec(ctx, "assign group role", func(ctx context.Context) error {
		return e.store.AssignGroupRole(ctx, group, role)
	})
}

func (e *Engine) UnassignGroupRole(ctx context.Context, group, role int64) error {
	return e.exec(ctx, "unassign group role", func(ctx context.Context) error {
		return e.store.UnassignGroupRole(ctx, group, role)
	})
}

func (e *Engine) AssignRole(ctx context.Context, identity, role int64) error {
	return e.exec(ctx, "assign role", func(ctx context.Context) error {
		return e.store.AssignRole(ctx, identity, role)
	})
}

func (e *Engine) UnassignRole(ctx context.Context, identity, role int64) error {
	return e.exec(ctx, "unassign role", func(ctx context.Context) error {
		return e.store.UnassignRole(ctx, identity, role)
	})
}

// RolePermissions lists the pairs granted by role.
func (e *Engine) RolePermissions(ctx context.Context, role int64) ([]Permission, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	perms, err := e.store.RolePermissions(ctx, role)
	if err != nil {
		return nil, e.storeErr(ctx, "role permissions", err)
	}
	return perms, nil
}

// GroupMembers lists the identity ids in group.
func (e *Engine) GroupMembers(ctx context.Context, group int64) ([]int64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	members, err := e.store.GroupMembers(ctx, group)
	if err != nil {
		return nil, e.storeErr(ctx, "group members", err)
	}
	return members, nil
}

func (e *Engine) exec(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := e.ready(); err != nil {
		return err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	return e.storeErr(ctx, op, fn(ctx))
}
