// Package access exposes the operations consumed by the surrounding portal:
// authorization checks, login and sessions, and the administration of
// policy, roles, IP rules and actors.
package access

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/ipfilter"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/sessions"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// AuditLog is the read and write surface of the audit trail.
type AuditLog interface {
	audit.Appender
	Query(ctx context.Context, filter audit.Filter) iter.Seq2[audit.Entry, error]
	Verify(ctx context.Context) (audit.Report, error)
}

// Deps are the components behind the façade.
type Deps struct {
	Policies *policy.Store
	IPs      *ipfilter.Filter
	Actors   *actors.Service
	Guard    *auth.Guard
	Sessions *sessions.Manager
	Roles    *rbac.Graph
	Engine   *authz.Engine
	Audit    AuditLog
	Logger   *slog.Logger
	// Cache is released by Close. Nil when caching is off.
	Cache *rbac.PermissionCache
}

// Service implements the external interface of the access core.
type Service struct {
	policies *policy.Store
	ips      *ipfilter.Filter
	actors   *actors.Service
	guard    *auth.Guard
	sessions *sessions.Manager
	roles    *rbac.Graph
	engine   *authz.Engine
	audit    AuditLog
	logger   *slog.Logger
	cache    *rbac.PermissionCache
	once     sync.Once
	// roleRefs orders policy updates against role deletion so the
	// two-factor role list never names a deleted role.
	roleRefs sync.Mutex
}

// New constructs the façade.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		policies: deps.Policies,
		ips:      deps.IPs,
		actors:   deps.Actors,
		guard:    deps.Guard,
		sessions: deps.Sessions,
		roles:    deps.Roles,
		engine:   deps.Engine,
		audit:    deps.Audit,
		logger:   deps.Logger,
		cache:    deps.Cache,
	}
}

// Close releases the permission cache. Stores are owned by the caller.
func (s *Service) Close() error {
	s.once.Do(func() {
		if s.cache != nil {
			s.cache.Close()
		}
	})
	return nil
}

// Authorize renders and records one authorization decision.
func (s *Service) Authorize(ctx context.Context, token, sourceIP, module, action string) (authz.Decision, error) {
	return s.engine.Authorize(ctx, token, sourceIP, module, action)
}

// LoginRequest carries a first-factor attempt.
type LoginRequest struct {
	ActorID    string `json:"actor_id"`
	Credential string `json:"credential"`
	SourceIP   string `json:"-"`
	Device     string `json:"device"`
	RememberMe bool   `json:"remember_me"`
}

// LoginResult holds either an issued session or a pending challenge.
type LoginResult struct {
	Token     string            `json:"token,omitempty"`
	Session   *sessions.Session `json:"session,omitempty"`
	Challenge *ChallengeView    `json:"challenge,omitempty"`
}

// ChallengeView is the client-facing part of a pending second factor.
type ChallengeView struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login gates the source address, checks the credential and issues a
// session unless a second factor is pending.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	if err := s.gate(ctx, req.ActorID, req.SourceIP, audit.ActionLoginFailed); err != nil {
		return LoginResult{}, err
	}
	result, err := s.guard.Authenticate(ctx, req.ActorID, req.Credential, req.SourceIP, auth.LoginOptions{
		Device:     req.Device,
		RememberMe: req.RememberMe,
	})
	if err != nil {
		return LoginResult{}, err
	}
	if !result.Complete() {
		return LoginResult{Challenge: &ChallengeView{
			ID:        result.Challenge.ID,
			ExpiresAt: result.Challenge.ExpiresAt.UTC(),
		}}, nil
	}
	return s.issue(ctx, result, req.SourceIP)
}

// CompleteTwoFactor verifies a second factor and issues the session.
func (s *Service) CompleteTwoFactor(ctx context.Context, challengeID, code, sourceIP string) (LoginResult, error) {
	if err := s.gate(ctx, shared.SystemActor, sourceIP, audit.ActionTwoFactorFailed); err != nil {
		return LoginResult{}, err
	}
	result, err := s.guard.CompleteTwoFactor(ctx, challengeID, code, sourceIP)
	if err != nil {
		return LoginResult{}, err
	}
	return s.issue(ctx, result, sourceIP)
}

func (s *Service) issue(ctx context.Context, result auth.Result, sourceIP string) (LoginResult, error) {
	session, token, err := s.sessions.Create(ctx, result.Actor.ID, sourceIP, result.Options.Device, result.Options.RememberMe)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, Session: &session}, nil
}

// gate refuses blocked addresses before any credential work and records
// the refusal.
func (s *Service) gate(ctx context.Context, actorID, sourceIP, action string) error {
	if s.ips.Evaluate(sourceIP) == ipfilter.Allow {
		return nil
	}
	if actorID == "" {
		actorID = shared.SystemActor
	}
	_, err := s.audit.Append(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   action,
		Resource: "actor:" + actorID,
		SourceIP: sourceIP,
		Outcome:  audit.OutcomeDenied,
		Detail:   audit.Detail(map[string]any{"reason": "ip_blocked"}),
	})
	if err != nil {
		return errors.Join(shared.ErrIPBlocked, shared.Persistence("access audit", err))
	}
	return shared.ErrIPBlocked
}

// Logout ends the session bound to token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Logout(ctx, token)
}

// ListSessions lists the live sessions of an actor, most recent first.
func (s *Service) ListSessions(ctx context.Context, actorID string) ([]sessions.Session, error) {
	return s.sessions.List(ctx, actorID)
}

// GetSession fetches a session by its public id.
func (s *Service) GetSession(ctx context.Context, id string) (sessions.Session, error) {
	return s.sessions.Get(ctx, id)
}

// RevokeSession ends a session by its public id.
func (s *Service) RevokeSession(ctx context.Context, caller shared.Caller, id string) error {
	return s.sessions.Revoke(ctx, caller, id)
}

// RevokeAllSessions ends every live session of an actor.
func (s *Service) RevokeAllSessions(ctx context.Context, caller shared.Caller, actorID string) (int, error) {
	return s.sessions.RevokeAll(ctx, caller, actorID)
}

// SweepSessions ends idle sessions that were never touched again.
func (s *Service) SweepSessions(ctx context.Context) (int, error) {
	return s.sessions.Sweep(ctx)
}

// GetPolicy returns the active security policy.
func (s *Service) GetPolicy() policy.SecurityPolicy {
	return s.policies.Get()
}

// UpdatePolicy replaces the security policy.
func (s *Service) UpdatePolicy(ctx context.Context, caller shared.Caller, next policy.SecurityPolicy) (policy.SecurityPolicy, error) {
	s.roleRefs.Lock()
	defer s.roleRefs.Unlock()
	return s.policies.Update(ctx, caller, next)
}

// QueryAuditLog streams matching entries in id order.
func (s *Service) QueryAuditLog(ctx context.Context, filter audit.Filter) iter.Seq2[audit.Entry, error] {
	return s.audit.Query(ctx, filter)
}

// VerifyAuditLog recomputes the hash chain.
func (s *Service) VerifyAuditLog(ctx context.Context) (audit.Report, error) {
	return s.audit.Verify(ctx)
}
