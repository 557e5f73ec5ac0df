package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// PGRepository stores the graph in the roles, role_permissions and
// role_assignments tables.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a PostgreSQL repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Load reads every role, permission and assignment.
func (r *PGRepository) Load(ctx context.Context) (Snapshot, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, name, description, created_at, updated_at
FROM roles
ORDER BY id`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("rbac: load roles: %w", err)
	}
	roles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Role, error) {
		var role Role
		err := row.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
		role.CreatedAt = role.CreatedAt.UTC()
		role.UpdatedAt = role.UpdatedAt.UTC()
		return role, err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("rbac: load roles: %w", err)
	}
	index := make(map[string]int, len(roles))
	for i, role := range roles {
		index[role.ID] = i
	}

	rows, err = r.pool.Query(ctx, `SELECT role_id, module, action FROM role_permissions ORDER BY role_id, module, action`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("rbac: load permissions: %w", err)
	}
	var roleID string
	var perm Permission
	_, err = pgx.ForEachRow(rows, []any{&roleID, &perm.Module, &perm.Action}, func() error {
		if i, ok := index[roleID]; ok {
			roles[i].Permissions = append(roles[i].Permissions, perm)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("rbac: load permissions: %w", err)
	}

	rows, err = r.pool.Query(ctx, `SELECT actor_id, role_id, assigned_at FROM role_assignments`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("rbac: load assignments: %w", err)
	}
	assignments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Assignment, error) {
		var a Assignment
		err := row.Scan(&a.ActorID, &a.RoleID, &a.AssignedAt)
		a.AssignedAt = a.AssignedAt.UTC()
		return a, err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("rbac: load assignments: %w", err)
	}
	return Snapshot{Roles: roles, Assignments: assignments}, nil
}

// InsertRole stores a role and its permissions.
func (r *PGRepository) InsertRole(ctx context.Context, role Role) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO roles (id, name, description, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)`,
			role.ID, role.Name, role.Description, role.CreatedAt, role.UpdatedAt); err != nil {
			return err
		}
		return writePermissions(ctx, tx, role)
	})
	return wrapWrite("insert role", err)
}

// UpdateRole replaces a role's attributes and permissions.
func (r *PGRepository) UpdateRole(ctx context.Context, role Role) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE roles SET name = $2, description = $3, updated_at = $4
WHERE id = $1`,
			role.ID, role.Name, role.Description, role.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, role.ID); err != nil {
			return err
		}
		return writePermissions(ctx, tx, role)
	})
	return wrapWrite("update role", err)
}

func writePermissions(ctx context.Context, tx pgx.Tx, role Role) error {
	if len(role.Permissions) == 0 {
		return nil
	}
	rows := make([][]any, len(role.Permissions))
	for i, p := range role.Permissions {
		rows[i] = []any{role.ID, p.Module, p.Action}
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"role_permissions"}, []string{"role_id", "module", "action"}, pgx.CopyFromRows(rows))
	return err
}

// DeleteRole removes a role. Held roles are rejected by the foreign key.
func (r *PGRepository) DeleteRole(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return wrapWrite("delete role", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Assign records an assignment. Existing assignments are left untouched.
func (r *PGRepository) Assign(ctx context.Context, a Assignment) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO role_assignments (actor_id, role_id, assigned_at)
VALUES ($1, $2, $3)
ON CONFLICT (actor_id, role_id) DO NOTHING`,
		a.ActorID, a.RoleID, a.AssignedAt)
	return wrapWrite("assign", err)
}

// Unassign removes an assignment.
func (r *PGRepository) Unassign(ctx context.Context, actorID, roleID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role_assignments WHERE actor_id = $1 AND role_id = $2`, actorID, roleID)
	if err != nil {
		return wrapWrite("unassign", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, shared.ErrNotFound) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("rbac: %s: %w", op, shared.ErrDuplicate)
		case "23503":
			return fmt.Errorf("rbac: %s: %w", op, shared.ErrRoleInUse)
		}
	}
	return fmt.Errorf("rbac: %s: %w", op, err)
}

var _ Repository = (*PGRepository)(nil)
