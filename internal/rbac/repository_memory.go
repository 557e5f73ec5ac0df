package rbac

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type assignmentKey struct{ actorID, roleID string }

// MemoryRepository keeps the graph in process memory.
type MemoryRepository struct {
	mu          sync.Mutex
	roles       map[string]Role
	assignments map[assignmentKey]Assignment
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		roles:       make(map[string]Role),
		assignments: make(map[assignmentKey]Assignment),
	}
}

func (r *MemoryRepository) Load(ctx context.Context) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var snap Snapshot
	for _, role := range r.roles {
		snap.Roles = append(snap.Roles, role.clone())
	}
	snap.Assignments = slices.Collect(maps.Values(r.assignments))
	return snap, nil
}

func (r *MemoryRepository) InsertRole(ctx context.Context, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[role.ID]; ok {
		return shared.ErrDuplicate
	}
	r.roles[role.ID] = role.clone()
	return nil
}

func (r *MemoryRepository) UpdateRole(ctx context.Context, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[role.ID]; !ok {
		return shared.ErrNotFound
	}
	r.roles[role.ID] = role.clone()
	return nil
}

func (r *MemoryRepository) DeleteRole(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[id]; !ok {
		return shared.ErrNotFound
	}
	for key := range r.assignments {
		if key.roleID == id {
			return shared.ErrRoleInUse
		}
	}
	delete(r.roles, id)
	return nil
}

func (r *MemoryRepository) Assign(ctx context.Context, a Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[a.RoleID]; !ok {
		return shared.ErrNotFound
	}
	key := assignmentKey{a.ActorID, a.RoleID}
	if _, ok := r.assignments[key]; !ok {
		r.assignments[key] = a
	}
	return nil
}

func (r *MemoryRepository) Unassign(ctx context.Context, actorID, roleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := assignmentKey{actorID, roleID}
	if _, ok := r.assignments[key]; !ok {
		return shared.ErrNotFound
	}
	delete(r.assignments, key)
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
