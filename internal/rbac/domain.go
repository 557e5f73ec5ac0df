package rbac

import (
	"cmp"
	"slices"
	"time"
)

// Permission is a (module, action) pair.
type Permission struct {
	Module string `json:"module" validate:"required,max=64"`
	Action string `json:"action" validate:"required,max=32"`
}

func (p Permission) String() string {
	return p.Module + ":" + p.Action
}

// ComparePermissions orders permissions by module then action.
func ComparePermissions(a, b Permission) int {
	return cmp.Or(cmp.Compare(a.Module, b.Module), cmp.Compare(a.Action, b.Action))
}

// Role is a named bundle of permissions.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (r Role) clone() Role {
	r.Permissions = slices.Clone(r.Permissions)
	return r
}

// RoleInput carries the editable fields of a role.
type RoleInput struct {
	ID          string       `json:"id" validate:"omitempty,max=64,printascii,excludesall=/"`
	Name        string       `json:"name" validate:"required,max=100"`
	Description string       `json:"description" validate:"max=500"`
	Permissions []Permission `json:"permissions" validate:"dive"`
}

// Assignment links an actor to a role.
type Assignment struct {
	ActorID    string    `json:"actor_id"`
	RoleID     string    `json:"role_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Snapshot is the persisted state loaded at start-up.
type Snapshot struct {
	Roles       []Role
	Assignments []Assignment
}

func normalizePermissions(perms []Permission) []Permission {
	out := slices.Clone(perms)
	slices.SortFunc(out, ComparePermissions)
	return slices.Compact(out)
}
