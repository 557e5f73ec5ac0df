package access

import (
	"context"
	"errors"

	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/ipfilter"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Roles lists every role.
func (s *Service) Roles() []rbac.Role {
	return s.roles.Roles()
}

// Role fetches one role.
func (s *Service) Role(id string) (rbac.Role, error) {
	return s.roles.Role(id)
}

// Catalog lists the grantable permissions.
func (s *Service) Catalog() []rbac.Module {
	return s.roles.Catalog().Modules()
}

func (s *Service) CreateRole(ctx context.Context, caller shared.Caller, input rbac.RoleInput) (rbac.Role, error) {
	return s.roles.CreateRole(ctx, caller, input)
}

func (s *Service) UpdateRole(ctx context.Context, caller shared.Caller, id string, input rbac.RoleInput) (rbac.Role, error) {
	return s.roles.UpdateRole(ctx, caller, id, input)
}

// DeleteRole removes a role. Roles referenced by the two-factor policy are
// rejected as in use.
func (s *Service) DeleteRole(ctx context.Context, caller shared.Caller, id string) error {
	s.roleRefs.Lock()
	defer s.roleRefs.Unlock()
	if s.policies.Get().RequiresTwoFactor([]string{id}) {
		return shared.ErrRoleInUse
	}
	return s.roles.DeleteRole(ctx, caller, id)
}

func (s *Service) AssignRole(ctx context.Context, caller shared.Caller, actorID, roleID string) error {
	return s.roles.AssignRole(ctx, caller, actorID, roleID)
}

func (s *Service) UnassignRole(ctx context.Context, caller shared.Caller, actorID, roleID string) error {
	return s.roles.UnassignRole(ctx, caller, actorID, roleID)
}

// EffectivePermissions returns the union of an existing actor's role
// permissions.
func (s *Service) EffectivePermissions(ctx context.Context, actorID string) ([]rbac.Permission, error) {
	if _, err := s.actors.Get(ctx, actorID); err != nil {
		return nil, err
	}
	return s.roles.EffectivePermissions(actorID), nil
}

// ActorView is an actor with its assigned role ids.
type ActorView struct {
	actors.Actor
	Roles []string `json:"roles"`
}

func (s *Service) view(a actors.Actor) ActorView {
	return ActorView{Actor: a, Roles: s.roles.RolesOf(a.ID)}
}

// ListActors lists every actor with its roles.
func (s *Service) ListActors(ctx context.Context) ([]ActorView, error) {
	list, err := s.actors.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ActorView, len(list))
	for i, a := range list {
		out[i] = s.view(a)
	}
	return out, nil
}

// GetActor fetches one actor with its roles.
func (s *Service) GetActor(ctx context.Context, id string) (ActorView, error) {
	a, err := s.actors.Get(ctx, id)
	if err != nil {
		return ActorView{}, err
	}
	return s.view(a), nil
}

func (s *Service) CreateActor(ctx context.Context, caller shared.Caller, input actors.CreateInput) (ActorView, error) {
	a, err := s.actors.Create(ctx, caller, input)
	if err != nil {
		return ActorView{}, err
	}
	return s.view(a), nil
}

// SuspendActor blocks the actor and ends its live sessions. It returns the
// number of sessions revoked.
func (s *Service) SuspendActor(ctx context.Context, caller shared.Caller, id string) (ActorView, int, error) {
	a, err := s.actors.Suspend(ctx, caller, id)
	if err != nil {
		return ActorView{}, 0, err
	}
	revoked, err := s.sessions.RevokeAll(ctx, caller, id)
	if err != nil {
		// The suspension stands: authorization rejects suspended actors
		// even while their sessions are live.
		return s.view(a), revoked, err
	}
	return s.view(a), revoked, nil
}

func (s *Service) ReactivateActor(ctx context.Context, caller shared.Caller, id string) (ActorView, error) {
	a, err := s.actors.Reactivate(ctx, caller, id)
	if err != nil {
		return ActorView{}, err
	}
	return s.view(a), nil
}

func (s *Service) UnlockActor(ctx context.Context, caller shared.Caller, id string) (ActorView, error) {
	a, err := s.actors.Unlock(ctx, caller, id)
	if err != nil {
		return ActorView{}, err
	}
	return s.view(a), nil
}

// EnrollTwoFactor issues a new TOTP secret for the actor.
func (s *Service) EnrollTwoFactor(ctx context.Context, caller shared.Caller, id string) (actors.Enrollment, error) {
	return s.actors.EnrollTOTP(ctx, caller, id)
}

// ChangePassword replaces the credential and ends the actor's sessions.
func (s *Service) ChangePassword(ctx context.Context, caller shared.Caller, id, password string) error {
	if err := s.actors.SetPassword(ctx, caller, id, password); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAll(ctx, caller, id); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	return nil
}

// IPRules lists the configured rules.
func (s *Service) IPRules() []ipfilter.Rule {
	return s.ips.Rules()
}

func (s *Service) AddIPRule(ctx context.Context, caller shared.Caller, ruleType ipfilter.RuleType, cidrOrAddress, description string) (ipfilter.Rule, error) {
	return s.ips.AddRule(ctx, caller, ruleType, cidrOrAddress, description)
}

func (s *Service) RemoveIPRule(ctx context.Context, caller shared.Caller, id string) error {
	return s.ips.RemoveRule(ctx, caller, id)
}
