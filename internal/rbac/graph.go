package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Repository persists roles and assignments.
type Repository interface {
	Load(ctx context.Context) (Snapshot, error)
	InsertRole(ctx context.Context, role Role) error
	UpdateRole(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, id string) error
	Assign(ctx context.Context, a Assignment) error
	Unassign(ctx context.Context, actorID, roleID string) error
}

// ActorLookup confirms an actor exists.
type ActorLookup interface {
	Get(ctx context.Context, id string) (actors.Actor, error)
}

type set map[string]struct{}

// state is an immutable view of the graph. Mutations publish a new state.
type state struct {
	version     uint64
	roles       map[string]Role
	byName      map[string]string
	assignments map[string]set
	holders     map[string]set
}

func (s *state) clone() *state {
	return &state{
		version:     s.version + 1,
		roles:       maps.Clone(s.roles),
		byName:      maps.Clone(s.byName),
		assignments: maps.Clone(s.assignments),
		holders:     maps.Clone(s.holders),
	}
}

func link(index map[string]set, from, to string) {
	next := maps.Clone(index[from])
	if next == nil {
		next = make(set)
	}
	next[to] = struct{}{}
	index[from] = next
}

func unlink(index map[string]set, from, to string) {
	next := maps.Clone(index[from])
	delete(next, to)
	if len(next) == 0 {
		delete(index, from)
		return
	}
	index[from] = next
}

func foldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// Options configures a Graph.
type Options struct {
	Clock   shared.Clock
	Logger  *slog.Logger
	Catalog *Catalog
	Cache   *PermissionCache
}

// Graph maps roles to permissions and actors to roles. Reads use the
// published snapshot without locking.
type Graph struct {
	repo     Repository
	actors   ActorLookup
	audit    audit.Appender
	clock    shared.Clock
	logger   *slog.Logger
	catalog  *Catalog
	cache    *PermissionCache
	validate *validator.Validate
	locks    *shared.KeyedMutex

	publish sync.Mutex
	current atomic.Pointer[state]
}

// NewGraph loads the persisted graph.
func NewGraph(ctx context.Context, repo Repository, actorLookup ActorLookup, appender audit.Appender, opts Options) (*Graph, error) {
	if opts.Clock == nil {
		opts.Clock = shared.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}
	g := &Graph{
		repo:     repo,
		actors:   actorLookup,
		audit:    appender,
		clock:    opts.Clock,
		logger:   opts.Logger,
		catalog:  opts.Catalog,
		cache:    opts.Cache,
		validate: shared.NewValidator(),
		locks:    shared.NewKeyedMutex(),
	}
	snap, err := repo.Load(ctx)
	if err != nil {
		return nil, shared.Persistence("rbac load", err)
	}
	st := &state{
		version:     1,
		roles:       make(map[string]Role, len(snap.Roles)),
		byName:      make(map[string]string, len(snap.Roles)),
		assignments: make(map[string]set),
		holders:     make(map[string]set),
	}
	for _, role := range snap.Roles {
		if undefined := g.catalog.Undefined(role.Permissions); len(undefined) > 0 {
			g.logger.Warn("dropping undefined permissions", slog.String("role", role.ID), slog.Any("permissions", undefined))
			role.Permissions = slices.DeleteFunc(role.Permissions, func(p Permission) bool { return !g.catalog.Contains(p) })
		}
		role.Permissions = normalizePermissions(role.Permissions)
		st.roles[role.ID] = role
		st.byName[foldName(role.Name)] = role.ID
	}
	for _, a := range snap.Assignments {
		if _, ok := st.roles[a.RoleID]; !ok {
			continue
		}
		link(st.assignments, a.ActorID, a.RoleID)
		link(st.holders, a.RoleID, a.ActorID)
	}
	g.current.Store(st)
	return g, nil
}

// Catalog returns the permission catalog.
func (g *Graph) Catalog() *Catalog {
	return g.catalog
}

// Roles lists every role ordered by name.
func (g *Graph) Roles() []Role {
	st := g.current.Load()
	out := make([]Role, 0, len(st.roles))
	for _, r := range st.roles {
		out = append(out, r.clone())
	}
	slices.SortFunc(out, func(a, b Role) int { return strings.Compare(foldName(a.Name), foldName(b.Name)) })
	return out
}

// Role fetches a role by id.
func (g *Graph) Role(id string) (Role, error) {
	r, ok := g.current.Load().roles[id]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	return r.clone(), nil
}

// RoleExists reports whether id names a role.
func (g *Graph) RoleExists(id string) bool {
	_, ok := g.current.Load().roles[id]
	return ok
}

// RolesOf lists the role ids assigned to actorID.
func (g *Graph) RolesOf(actorID string) []string {
	return sortedKeys(g.current.Load().assignments[actorID])
}

// HoldersOf lists the actors holding roleID.
func (g *Graph) HoldersOf(roleID string) []string {
	return sortedKeys(g.current.Load().holders[roleID])
}

func sortedKeys(s set) []string {
	out := slices.Collect(maps.Keys(s))
	slices.Sort(out)
	return out
}

// EffectivePermissions is the union of the permissions of every role
// assigned to actorID.
func (g *Graph) EffectivePermissions(actorID string) []Permission {
	perms := g.permissionSet(actorID)
	out := make([]Permission, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	slices.SortFunc(out, ComparePermissions)
	return out
}

// Can reports whether actorID holds (module, action).
func (g *Graph) Can(actorID, module, action string) bool {
	_, ok := g.permissionSet(actorID)[Permission{Module: module, Action: action}]
	return ok
}

func (g *Graph) permissionSet(actorID string) PermissionSet {
	st := g.current.Load()
	compute := func() PermissionSet { return resolve(st, actorID) }
	if g.cache == nil {
		return compute()
	}
	return g.cache.Resolve(st.version, actorID, compute)
}

func resolve(st *state, actorID string) PermissionSet {
	perms := make(PermissionSet)
	for roleID := range st.assignments[actorID] {
		for _, p := range st.roles[roleID].Permissions {
			perms[p] = struct{}{}
		}
	}
	return perms
}

// CreateRole validates and stores a new role.
func (g *Graph) CreateRole(ctx context.Context, caller shared.Caller, input RoleInput) (Role, error) {
	input, err := g.checkInput(input)
	if err != nil {
		return Role{}, err
	}
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	folded := foldName(input.Name)
	unlockName := g.locks.Lock(nameLockKey(folded))
	defer unlockName()
	unlock := g.locks.Lock(shared.RoleLockKey(input.ID))
	defer unlock()

	st := g.current.Load()
	if _, ok := st.roles[input.ID]; ok {
		return Role{}, fmt.Errorf("rbac: role %s: %w", input.ID, shared.ErrDuplicate)
	}
	if _, ok := st.byName[folded]; ok {
		return Role{}, fmt.Errorf("rbac: role name %q: %w", input.Name, shared.ErrDuplicate)
	}

	now := g.clock.Now().UTC()
	role := Role{
		ID:          input.ID,
		Name:        input.Name,
		Description: input.Description,
		Permissions: input.Permissions,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.repo.InsertRole(ctx, role); err != nil {
		return Role{}, repoErr("rbac insert role", err)
	}
	if err := g.record(ctx, caller, audit.ActionRoleCreated, "role:"+role.ID, map[string]any{"name": role.Name, "permissions": role.Permissions}); err != nil {
		g.compensate(func(ctx context.Context) error { return g.repo.DeleteRole(ctx, role.ID) })
		return Role{}, err
	}
	g.apply(func(st *state) {
		st.roles[role.ID] = role
		st.byName[folded] = role.ID
	})
	return role.clone(), nil
}

// UpdateRole replaces the name, description and permissions of a role.
func (g *Graph) UpdateRole(ctx context.Context, caller shared.Caller, id string, input RoleInput) (Role, error) {
	input.ID = ""
	input, err := g.checkInput(input)
	if err != nil {
		return Role{}, err
	}
	folded := foldName(input.Name)
	unlockName := g.locks.Lock(nameLockKey(folded))
	defer unlockName()
	unlock := g.locks.Lock(shared.RoleLockKey(id))
	defer unlock()

	st := g.current.Load()
	prev, ok := st.roles[id]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	if owner, taken := st.byName[folded]; taken && owner != id {
		return Role{}, fmt.Errorf("rbac: role name %q: %w", input.Name, shared.ErrDuplicate)
	}

	next := prev.clone()
	next.Name = input.Name
	next.Description = input.Description
	next.Permissions = input.Permissions
	next.UpdatedAt = g.clock.Now().UTC()
	if err := g.repo.UpdateRole(ctx, next); err != nil {
		return Role{}, repoErr("rbac update role", err)
	}
	added, removed := diffPermissions(prev.Permissions, next.Permissions)
	detail := map[string]any{"name": next.Name, "added": added, "removed": removed}
	if prev.Name != next.Name {
		detail["previous_name"] = prev.Name
	}
	if err := g.record(ctx, caller, audit.ActionRoleUpdated, "role:"+id, detail); err != nil {
		g.compensate(func(ctx context.Context) error { return g.repo.UpdateRole(ctx, prev) })
		return Role{}, err
	}
	g.apply(func(st *state) {
		delete(st.byName, foldName(prev.Name))
		st.roles[id] = next
		st.byName[folded] = id
	})
	return next.clone(), nil
}

// DeleteRole removes a role that no actor holds.
func (g *Graph) DeleteRole(ctx context.Context, caller shared.Caller, id string) error {
	unlock := g.locks.Lock(shared.RoleLockKey(id))
	defer unlock()

	st := g.current.Load()
	role, ok := st.roles[id]
	if !ok {
		return shared.ErrNotFound
	}
	if len(st.holders[id]) > 0 {
		return fmt.Errorf("rbac: role %s held by %d actors: %w", id, len(st.holders[id]), shared.ErrRoleInUse)
	}
	if err := g.repo.DeleteRole(ctx, id); err != nil {
		return repoErr("rbac delete role", err)
	}
	if err := g.record(ctx, caller, audit.ActionRoleDeleted, "role:"+id, map[string]any{"name": role.Name}); err != nil {
		g.compensate(func(ctx context.Context) error { return g.repo.InsertRole(ctx, role) })
		return err
	}
	g.apply(func(st *state) {
		delete(st.roles, id)
		if st.byName[foldName(role.Name)] == id {
			delete(st.byName, foldName(role.Name))
		}
	})
	return nil
}

// AssignRole grants roleID to actorID. Assigning a held role is a no-op.
func (g *Graph) AssignRole(ctx context.Context, caller shared.Caller, actorID, roleID string) error {
	unlock := g.locks.Lock(shared.RoleLockKey(roleID))
	defer unlock()

	st := g.current.Load()
	if _, ok := st.roles[roleID]; !ok {
		return fmt.Errorf("rbac: role %s: %w", roleID, shared.ErrNotFound)
	}
	if _, err := g.actors.Get(ctx, actorID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("rbac: actor %s: %w", actorID, shared.ErrNotFound)
		}
		return shared.Persistence("rbac actor lookup", err)
	}
	if _, held := st.holders[roleID][actorID]; held {
		return nil
	}
	assignment := Assignment{ActorID: actorID, RoleID: roleID, AssignedAt: g.clock.Now().UTC()}
	if err := g.repo.Assign(ctx, assignment); err != nil {
		return repoErr("rbac assign", err)
	}
	if err := g.record(ctx, caller, audit.ActionRoleAssigned, "actor:"+actorID, map[string]any{"role_id": roleID}); err != nil {
		g.compensate(func(ctx context.Context) error { return g.repo.Unassign(ctx, actorID, roleID) })
		return err
	}
	g.apply(func(st *state) {
		link(st.assignments, actorID, roleID)
		link(st.holders, roleID, actorID)
	})
	return nil
}

// UnassignRole revokes roleID from actorID.
func (g *Graph) UnassignRole(ctx context.Context, caller shared.Caller, actorID, roleID string) error {
	unlock := g.locks.Lock(shared.RoleLockKey(roleID))
	defer unlock()

	st := g.current.Load()
	if _, ok := st.roles[roleID]; !ok {
		return fmt.Errorf("rbac: role %s: %w", roleID, shared.ErrNotFound)
	}
	if _, held := st.holders[roleID][actorID]; !held {
		return fmt.Errorf("rbac: assignment %s/%s: %w", actorID, roleID, shared.ErrNotFound)
	}
	if err := g.repo.Unassign(ctx, actorID, roleID); err != nil {
		return repoErr("rbac unassign", err)
	}
	if err := g.record(ctx, caller, audit.ActionRoleUnassigned, "actor:"+actorID, map[string]any{"role_id": roleID}); err != nil {
		g.compensate(func(ctx context.Context) error {
			return g.repo.Assign(ctx, Assignment{ActorID: actorID, RoleID: roleID, AssignedAt: g.clock.Now().UTC()})
		})
		return err
	}
	g.apply(func(st *state) {
		unlink(st.assignments, actorID, roleID)
		unlink(st.holders, roleID, actorID)
	})
	return nil
}

func (g *Graph) checkInput(input RoleInput) (RoleInput, error) {
	input.ID = strings.TrimSpace(input.ID)
	input.Name = strings.TrimSpace(input.Name)
	input.Description = strings.TrimSpace(input.Description)
	if err := shared.ValidateStruct(g.validate, input); err != nil {
		return RoleInput{}, err
	}
	input.Permissions = normalizePermissions(input.Permissions)
	if undefined := g.catalog.Undefined(input.Permissions); len(undefined) > 0 {
		names := make([]string, len(undefined))
		for i, p := range undefined {
			names[i] = p.String()
		}
		return RoleInput{}, shared.NewValidationError("permissions", "undefined: "+strings.Join(names, ", "))
	}
	return input, nil
}

// apply publishes a copy of the current state with change applied.
func (g *Graph) apply(change func(st *state)) {
	g.publish.Lock()
	defer g.publish.Unlock()
	next := g.current.Load().clone()
	change(next)
	g.current.Store(next)
}

func (g *Graph) record(ctx context.Context, caller shared.Caller, action, resource string, detail map[string]any) error {
	_, err := g.audit.Append(ctx, audit.Entry{
		ActorID:  caller.Actor(),
		Action:   action,
		Resource: resource,
		SourceIP: caller.SourceIP,
		Outcome:  audit.OutcomeSuccess,
		Detail:   audit.Detail(detail),
	})
	if err != nil {
		return shared.Persistence("rbac audit", err)
	}
	return nil
}

func (g *Graph) compensate(undo func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := undo(ctx); err != nil {
		g.logger.Error("rbac compensation failed", slog.Any("error", err))
	}
}

func nameLockKey(folded string) string {
	return "rbac:name:" + folded
}

func diffPermissions(prev, next []Permission) (added, removed []string) {
	added, removed = []string{}, []string{}
	for _, p := range next {
		if !slices.Contains(prev, p) {
			added = append(added, p.String())
		}
	}
	for _, p := range prev {
		if !slices.Contains(next, p) {
			removed = append(removed, p.String())
		}
	}
	return added, removed
}

func repoErr(op string, err error) error {
	if errors.Is(err, shared.ErrDuplicate) || errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrRoleInUse) {
		return err
	}
	return shared.Persistence(op, err)
}
