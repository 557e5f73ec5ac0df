package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// ActorStore is the subset of actor administration the guard needs.
type ActorStore interface {
	Get(ctx context.Context, id string) (actors.Actor, error)
	RegisterFailure(ctx context.Context, id string, p policy.SecurityPolicy) (actors.Actor, bool, error)
	ResetFailures(ctx context.Context, id string) error
}

// RoleSource resolves the roles assigned to an actor.
type RoleSource interface {
	RolesOf(actorID string) []string
}

// PolicySource exposes the active security policy.
type PolicySource interface {
	Get() policy.SecurityPolicy
}

// Options configures a Guard.
type Options struct {
	Clock        shared.Clock
	Logger       *slog.Logger
	ChallengeTTL time.Duration
	MaxAttempts  int
	// DummyCost should match the cost used for stored hashes so rejected
	// attempts take as long as real comparisons.
	DummyCost int
}

// Guard validates credentials, applies lockout and issues second-factor
// challenges.
type Guard struct {
	actors     ActorStore
	roles      RoleSource
	policies   PolicySource
	challenges ChallengeStore
	audit      audit.Appender
	clock      shared.Clock
	logger     *slog.Logger
	ttl        time.Duration
	maxTries   int

	dummyOnce sync.Once
	dummyCost int
	dummyHash []byte
}

// NewGuard constructs a Guard.
func NewGuard(actorStore ActorStore, roles RoleSource, policies PolicySource, challenges ChallengeStore, appender audit.Appender, opts Options) *Guard {
	if opts.Clock == nil {
		opts.Clock = shared.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.DummyCost == 0 {
		opts.DummyCost = bcrypt.DefaultCost
	}
	return &Guard{
		actors:     actorStore,
		roles:      roles,
		policies:   policies,
		challenges: challenges,
		audit:      appender,
		clock:      opts.Clock,
		logger:     opts.Logger,
		ttl:        opts.ChallengeTTL,
		maxTries:   opts.MaxAttempts,
		dummyCost:  opts.DummyCost,
	}
}

// Authenticate checks a credential for actorID. On success the result is
// either complete or carries a pending second-factor challenge.
func (g *Guard) Authenticate(ctx context.Context, actorID, credential, sourceIP string, opts LoginOptions) (Result, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Result{}, shared.NewValidationError("actor_id", "required")
	}
	p := g.policies.Get()
	caller := shared.Caller{ActorID: actorID, SourceIP: sourceIP}

	actor, err := g.actors.Get(ctx, actorID)
	if err != nil {
		g.burn(credential)
		if errors.Is(err, shared.ErrNotFound) {
			return Result{}, g.reject(ctx, caller, shared.ErrInvalidCredential, "unknown_actor")
		}
		return Result{}, shared.Persistence("auth actor lookup", err)
	}

	now := g.clock.Now()
	if actor.Locked(now) {
		g.burn(credential)
		return Result{}, g.reject(ctx, caller, shared.ErrAccountLocked, "account_locked")
	}
	if actor.Suspended() {
		g.burn(credential)
		return Result{}, g.reject(ctx, caller, shared.ErrInvalidCredential, "actor_suspended")
	}

	if bcrypt.CompareHashAndPassword([]byte(actor.PasswordHash), []byte(credential)) != nil {
		updated, locked, err := g.actors.RegisterFailure(ctx, actorID, p)
		if err != nil {
			return Result{}, shared.Persistence("auth register failure", err)
		}
		if err := g.reject(ctx, caller, shared.ErrInvalidCredential, "bad_credential"); !errors.Is(err, shared.ErrInvalidCredential) {
			return Result{}, err
		}
		if locked {
			lockedUntil := updated.LockedUntil
			if _, err := g.audit.Append(ctx, audit.Entry{
				ActorID:  actorID,
				Action:   audit.ActionAccountLocked,
				Resource: "actor:" + actorID,
				SourceIP: sourceIP,
				Outcome:  audit.OutcomeSuccess,
				Detail:   audit.Detail(map[string]any{"locked_until": lockedUntil, "max_failed_attempts": p.MaxFailedAttempts}),
			}); err != nil {
				return Result{}, shared.Persistence("auth audit", err)
			}
			g.logger.Warn("account locked", slog.String("actor", actorID), slog.String("source_ip", sourceIP))
		}
		return Result{}, shared.ErrInvalidCredential
	}

	if err := g.actors.ResetFailures(ctx, actorID); err != nil {
		return Result{}, shared.Persistence("auth reset failures", err)
	}
	actor.FailedAttemptCount = 0
	actor.LockedUntil = nil

	if p.RequiresTwoFactor(g.roles.RolesOf(actorID)) {
		if !actor.HasTOTP() {
			return Result{}, g.reject(ctx, caller, shared.ErrTwoFactorRequired, "two_factor_not_enrolled")
		}
		challenge := Challenge{
			ID:        uuid.NewString(),
			ActorID:   actorID,
			SourceIP:  sourceIP,
			Options:   opts,
			ExpiresAt: now.Add(g.ttl),
		}
		if err := g.challenges.Put(ctx, challenge, g.ttl); err != nil {
			return Result{}, shared.Persistence("auth challenge put", err)
		}
		if err := g.record(ctx, caller, audit.ActionTwoFactorChallenged, audit.OutcomeSuccess, map[string]any{"challenge_id": challenge.ID}); err != nil {
			_, _ = g.challenges.Consume(context.WithoutCancel(ctx), challenge.ID)
			return Result{}, err
		}
		return Result{Actor: actor, Options: opts, Challenge: &challenge}, nil
	}

	if err := g.record(ctx, caller, audit.ActionLoginSucceeded, audit.OutcomeSuccess, nil); err != nil {
		return Result{}, err
	}
	return Result{Actor: actor, Options: opts}, nil
}

// CompleteTwoFactor verifies a TOTP code against a pending challenge.
func (g *Guard) CompleteTwoFactor(ctx context.Context, challengeID, code, sourceIP string) (Result, error) {
	challenge, err := g.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, shared.ErrTwoFactorExpired) {
			return Result{}, err
		}
		return Result{}, shared.Persistence("auth challenge get", err)
	}
	now := g.clock.Now()
	if !now.Before(challenge.ExpiresAt) {
		_, _ = g.challenges.Consume(ctx, challengeID)
		return Result{}, shared.ErrTwoFactorExpired
	}
	if sourceIP == "" {
		sourceIP = challenge.SourceIP
	}
	caller := shared.Caller{ActorID: challenge.ActorID, SourceIP: sourceIP}

	actor, err := g.actors.Get(ctx, challenge.ActorID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return Result{}, shared.Persistence("auth actor lookup", err)
	}
	if err != nil || actor.Suspended() || !actor.HasTOTP() {
		_, _ = g.challenges.Consume(ctx, challengeID)
		return Result{}, g.rejectSecondFactor(ctx, caller, shared.ErrInvalidCredential, "actor_unavailable")
	}

	valid, _ := totp.ValidateCustom(strings.TrimSpace(code), actor.TOTPSecret, now.UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if !valid {
		attempts, err := g.challenges.Fail(ctx, challengeID, g.maxTries)
		if errors.Is(err, shared.ErrTwoFactorExpired) {
			return Result{}, err
		}
		if err != nil {
			return Result{}, shared.Persistence("auth challenge fail", err)
		}
		reason := "bad_code"
		if attempts >= g.maxTries {
			reason = "attempts_exhausted"
		}
		return Result{}, g.rejectSecondFactor(ctx, caller, shared.ErrInvalidCredential, reason)
	}

	consumed, err := g.challenges.Consume(ctx, challengeID)
	if err != nil {
		return Result{}, shared.Persistence("auth challenge consume", err)
	}
	if !consumed {
		return Result{}, shared.ErrTwoFactorExpired
	}
	if err := g.record(ctx, caller, audit.ActionTwoFactorVerified, audit.OutcomeSuccess, map[string]any{"challenge_id": challengeID}); err != nil {
		return Result{}, err
	}
	return Result{Actor: actor, Options: challenge.Options}, nil
}

// reject audits a failed login and returns cause, or a PersistenceError when
// the attempt could not be recorded.
func (g *Guard) reject(ctx context.Context, caller shared.Caller, cause error, reason string) error {
	if err := g.record(ctx, caller, audit.ActionLoginFailed, audit.OutcomeFailure, map[string]any{"reason": reason}); err != nil {
		return err
	}
	return cause
}

func (g *Guard) rejectSecondFactor(ctx context.Context, caller shared.Caller, cause error, reason string) error {
	if err := g.record(ctx, caller, audit.ActionTwoFactorFailed, audit.OutcomeFailure, map[string]any{"reason": reason}); err != nil {
		return err
	}
	return cause
}

func (g *Guard) record(ctx context.Context, caller shared.Caller, action string, outcome audit.Outcome, detail map[string]any) error {
	_, err := g.audit.Append(ctx, audit.Entry{
		ActorID:  caller.Actor(),
		Action:   action,
		Resource: "actor:" + caller.Actor(),
		SourceIP: caller.SourceIP,
		Outcome:  outcome,
		Detail:   audit.Detail(detail),
	})
	if err != nil {
		return shared.Persistence("auth audit", err)
	}
	return nil
}

// burn performs a comparison against a throwaway hash so rejected attempts
// cost the same as real ones.
func (g *Guard) burn(credential string) {
	g.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("odyssey-access-dummy"), g.dummyCost)
		if err != nil {
			g.logger.Error("generate dummy hash", slog.Any("error", err))
			return
		}
		g.dummyHash = hash
	})
	if g.dummyHash != nil {
		_ = bcrypt.CompareHashAndPassword(g.dummyHash, []byte(credential))
	}
}
