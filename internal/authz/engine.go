package authz

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/ipfilter"
	"github.com/odyssey-erp/odyssey-access/internal/sessions"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// IPGate evaluates a source address.
type IPGate interface {
	Evaluate(sourceIP string) ipfilter.Verdict
}

// SessionToucher validates and refreshes a bearer token.
type SessionToucher interface {
	Touch(ctx context.Context, token string) (sessions.Session, error)
}

// ActorReader loads actor status.
type ActorReader interface {
	Get(ctx context.Context, id string) (actors.Actor, error)
}

// PermissionChecker answers role graph membership questions.
type PermissionChecker interface {
	Can(actorID, module, action string) bool
}

// Observer receives every rendered decision.
type Observer interface {
	ObserveDecision(outcome, reason string, elapsed time.Duration)
	ObserveAuditFailure(component string)
}

// Options tunes the engine.
type Options struct {
	// Timeout bounds the checks, not the audit write.
	Timeout      time.Duration
	AuditTimeout time.Duration
	Clock        shared.Clock
	Logger       *slog.Logger
	Observer     Observer
}

// Engine renders allow/deny decisions and records each one.
type Engine struct {
	ips      IPGate
	sessions SessionToucher
	actors   ActorReader
	roles    PermissionChecker
	audit    audit.Appender
	opts     Options
}

// NewEngine wires the engine to its collaborators.
func NewEngine(ips IPGate, sessions SessionToucher, actors ActorReader, roles PermissionChecker, appender audit.Appender, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = shared.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{ips: ips, sessions: sessions, actors: actors, roles: roles, audit: appender, opts: opts}
}

// Authorize checks, in order, the source address, the session, the actor
// status and the actor's permissions. The first failing check is the deny
// reason. Every call appends exactly one audit entry; when that append fails
// the decision is Deny and the PersistenceError is returned alongside it.
// A non-nil error always accompanies a Deny.
func (e *Engine) Authorize(ctx context.Context, token, sourceIP, module, action string) (Decision, error) {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	decision, stepErr := e.decide(checkCtx, token, sourceIP, module, action)
	cancel()

	auditCtx, cancelAudit := context.WithTimeout(context.WithoutCancel(ctx), e.opts.AuditTimeout)
	defer cancelAudit()
	entry, err := e.audit.Append(auditCtx, e.entry(decision, sourceIP))
	if err != nil {
		e.opts.Logger.Error("authorization decision not recorded",
			slog.String("module", module),
			slog.String("action", action),
			slog.String("reason", string(decision.Reason)),
			slog.Any("error", err))
		if e.opts.Observer != nil {
			e.opts.Observer.ObserveAuditFailure("authz")
		}
		if decision.Allowed {
			decision = deny(decision, ReasonAuditUnavailable)
		}
		stepErr = errors.Join(stepErr, shared.Persistence("authz audit", err))
	} else {
		decision.AuditID = entry.ID
	}

	if e.opts.Observer != nil {
		e.opts.Observer.ObserveDecision(decision.Outcome(), string(decision.Reason), time.Since(start))
	}
	return decision, stepErr
}

func (e *Engine) decide(ctx context.Context, token, sourceIP, module, action string) (Decision, error) {
	d := Decision{Module: module, Action: action}
	if ctx.Err() != nil {
		return deny(d, ReasonTimeout), nil
	}
	if e.ips.Evaluate(sourceIP) == ipfilter.Deny {
		return deny(d, ReasonIPBlocked), nil
	}

	session, err := e.sessions.Touch(ctx, token)
	if err != nil {
		return e.failed(ctx, d, ReasonSessionInvalid, err)
	}
	d.SessionID = session.ID
	d.ActorID = session.ActorID

	actor, err := e.actors.Get(ctx, session.ActorID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return deny(d, ReasonSessionInvalid), nil
		}
		return e.failed(ctx, d, ReasonSessionInvalid, err)
	}
	if actor.Suspended() {
		return deny(d, ReasonActorSuspended), nil
	}

	if ctx.Err() != nil {
		return deny(d, ReasonTimeout), nil
	}
	if !e.roles.Can(actor.ID, module, action) {
		return deny(d, ReasonPermissionDenied), nil
	}
	return allow(d), nil
}

// failed classifies a collaborator error. Policy errors deny with the step's
// reason; infrastructure errors deny and are surfaced to the caller.
func (e *Engine) failed(ctx context.Context, d Decision, reason Reason, err error) (Decision, error) {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return deny(d, ReasonTimeout), nil
	case errors.Is(err, shared.ErrPersistence):
		return deny(d, ReasonUnavailable), err
	}
	return deny(d, reason), nil
}

func (e *Engine) entry(d Decision, sourceIP string) audit.Entry {
	actorID := d.ActorID
	if actorID == "" {
		actorID = shared.SystemActor
	}
	outcome := audit.OutcomeSuccess
	if !d.Allowed {
		outcome = audit.OutcomeDenied
	}
	return audit.Entry{
		ActorID:  actorID,
		Action:   audit.ActionAuthorize,
		Resource: d.Module + ":" + d.Action,
		SourceIP: sourceIP,
		Outcome:  outcome,
		Detail: audit.Detail(map[string]any{
			"reason":     string(d.Reason),
			"session_id": d.SessionID,
			"module":     d.Module,
			"action":     d.Action,
		}),
	}
}
