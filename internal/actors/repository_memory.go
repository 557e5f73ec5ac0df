package actors

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// MemoryRepository keeps actors in process memory.
type MemoryRepository struct {
	mu     sync.Mutex
	actors map[string]Actor
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{actors: make(map[string]Actor)}
}

func cloneActor(a Actor) Actor {
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		a.LockedUntil = &t
	}
	return a
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[id]
	if !ok {
		return Actor{}, shared.ErrNotFound
	}
	return cloneActor(a), nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Actor, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, cloneActor(a))
	}
	slices.SortFunc(out, func(a, b Actor) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *MemoryRepository) Insert(ctx context.Context, a Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actors[a.ID]; ok {
		return shared.ErrDuplicate
	}
	r.actors[a.ID] = cloneActor(a)
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, a Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.actors[a.ID]
	if !ok {
		return shared.ErrNotFound
	}
	cur.Name = a.Name
	cur.Status = a.Status
	cur.PasswordHash = a.PasswordHash
	cur.TOTPSecret = a.TOTPSecret
	cur.UpdatedAt = a.UpdatedAt
	r.actors[a.ID] = cur
	return nil
}

func (r *MemoryRepository) SetLockout(ctx context.Context, id string, failedAttempts int, lockedUntil *time.Time, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.actors[id]
	if !ok {
		return shared.ErrNotFound
	}
	cur.FailedAttemptCount = failedAttempts
	cur.LockedUntil = nil
	if lockedUntil != nil {
		t := *lockedUntil
		cur.LockedUntil = &t
	}
	cur.UpdatedAt = now
	r.actors[id] = cur
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actors[id]; !ok {
		return shared.ErrNotFound
	}
	delete(r.actors, id)
	return nil
}

func (r *MemoryRepository) RegisterFailure(ctx context.Context, id string, maxAttempts int, lockedUntil, now time.Time) (Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[id]
	if !ok {
		return Actor{}, shared.ErrNotFound
	}
	a.FailedAttemptCount++
	if a.FailedAttemptCount >= maxAttempts {
		a.FailedAttemptCount = 0
		until := lockedUntil
		a.LockedUntil = &until
	}
	a.UpdatedAt = now
	r.actors[id] = a
	return cloneActor(a), nil
}

func (r *MemoryRepository) ResetFailures(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[id]
	if !ok {
		return shared.ErrNotFound
	}
	if a.FailedAttemptCount == 0 && a.LockedUntil == nil {
		return nil
	}
	if a.LockedUntil != nil && a.LockedUntil.After(now) {
		return nil
	}
	a.FailedAttemptCount = 0
	a.LockedUntil = nil
	a.UpdatedAt = now
	r.actors[id] = a
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
