package actors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Repository persists actors. RegisterFailure and ResetFailures must be
// atomic with respect to concurrent logins for the same actor.
type Repository interface {
	Get(ctx context.Context, id string) (Actor, error)
	List(ctx context.Context) ([]Actor, error)
	Insert(ctx context.Context, actor Actor) error
	// Update writes the profile columns (name, status, password hash, TOTP
	// secret, updated at). Lockout state is never touched.
	Update(ctx context.Context, actor Actor) error
	// SetLockout overwrites the failure counter and lock expiry.
	SetLockout(ctx context.Context, id string, failedAttempts int, lockedUntil *time.Time, now time.Time) error
	Delete(ctx context.Context, id string) error
	// RegisterFailure increments the failure counter. When it reaches
	// maxAttempts the counter resets to zero and lockedUntil is stored.
	RegisterFailure(ctx context.Context, id string, maxAttempts int, lockedUntil, now time.Time) (Actor, error)
	// ResetFailures zeroes the counter and clears a lock that has elapsed
	// by now. A lock still in force is kept.
	ResetFailures(ctx context.Context, id string, now time.Time) error
}

// PolicySource exposes the active security policy.
type PolicySource interface {
	Get() policy.SecurityPolicy
}

// Options configures a Service.
type Options struct {
	Clock      shared.Clock
	Logger     *slog.Logger
	BcryptCost int
	Issuer     string
}

// Service administers actor records.
type Service struct {
	repo     Repository
	audit    audit.Appender
	policies PolicySource
	clock    shared.Clock
	logger   *slog.Logger
	cost     int
	issuer   string
	validate *validator.Validate
	locks    *shared.KeyedMutex
}

// NewService constructs a Service.
func NewService(repo Repository, appender audit.Appender, policies PolicySource, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = shared.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Issuer == "" {
		opts.Issuer = "Odyssey Access"
	}
	return &Service{
		repo:     repo,
		audit:    appender,
		policies: policies,
		clock:    opts.Clock,
		logger:   opts.Logger,
		cost:     opts.BcryptCost,
		issuer:   opts.Issuer,
		validate: shared.NewValidator(),
		locks:    shared.NewKeyedMutex(),
	}
}

// Get fetches an actor.
func (s *Service) Get(ctx context.Context, id string) (Actor, error) {
	actor, err := s.repo.Get(ctx, id)
	if err != nil {
		return Actor{}, wrapRepoErr("actor get", err)
	}
	return actor, nil
}

// List returns every actor ordered by id.
func (s *Service) List(ctx context.Context) ([]Actor, error) {
	actors, err := s.repo.List(ctx)
	if err != nil {
		return nil, shared.Persistence("actor list", err)
	}
	return actors, nil
}

// CheckActive returns the actor when it exists and is not suspended.
func (s *Service) CheckActive(ctx context.Context, id string) (Actor, error) {
	actor, err := s.Get(ctx, id)
	if err != nil {
		return Actor{}, err
	}
	if actor.Suspended() {
		return actor, shared.ErrActorSuspended
	}
	return actor, nil
}

// Create registers a new active actor.
func (s *Service) Create(ctx context.Context, caller shared.Caller, input CreateInput) (Actor, error) {
	input.ID = strings.TrimSpace(input.ID)
	input.Name = strings.TrimSpace(input.Name)
	if err := shared.ValidateStruct(s.validate, input); err != nil {
		return Actor{}, err
	}
	if err := policy.CheckPassword(s.policies.Get(), input.Password); err != nil {
		return Actor{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.cost)
	if err != nil {
		return Actor{}, fmt.Errorf("actors: hash password: %w", err)
	}
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	now := s.clock.Now().UTC()
	actor := Actor{
		ID:           input.ID,
		Name:         input.Name,
		Status:       StatusActive,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	unlock := s.locks.Lock(actor.ID)
	defer unlock()

	if err := s.repo.Insert(ctx, actor); err != nil {
		return Actor{}, wrapRepoErr("actor insert", err)
	}
	if err := s.record(ctx, caller, audit.ActionActorCreated, actor.ID, map[string]any{"name": actor.Name}); err != nil {
		s.compensate(func(ctx context.Context) error { return s.repo.Delete(ctx, actor.ID) })
		return Actor{}, err
	}
	return actor, nil
}

// Suspend blocks the actor from authenticating. Live sessions are ended by
// the caller.
func (s *Service) Suspend(ctx context.Context, caller shared.Caller, id string) (Actor, error) {
	return s.mutate(ctx, caller, id, audit.ActionActorSuspended, func(a *Actor) (bool, map[string]any) {
		if a.Status == StatusSuspended {
			return false, nil
		}
		a.Status = StatusSuspended
		return true, nil
	})
}

// Reactivate lifts a suspension.
func (s *Service) Reactivate(ctx context.Context, caller shared.Caller, id string) (Actor, error) {
	return s.mutate(ctx, caller, id, audit.ActionActorReactivated, func(a *Actor) (bool, map[string]any) {
		if a.Status == StatusActive {
			return false, nil
		}
		a.Status = StatusActive
		return true, nil
	})
}

// Unlock clears lockout state.
func (s *Service) Unlock(ctx context.Context, caller shared.Caller, id string) (Actor, error) {
	return s.mutate(ctx, caller, id, audit.ActionActorUnlocked, func(a *Actor) (bool, map[string]any) {
		if a.LockedUntil == nil && a.FailedAttemptCount == 0 {
			return false, nil
		}
		a.LockedUntil = nil
		a.FailedAttemptCount = 0
		return true, nil
	})
}

// SetPassword replaces the credential after checking it against the policy.
func (s *Service) SetPassword(ctx context.Context, caller shared.Caller, id, password string) error {
	if err := policy.CheckPassword(s.policies.Get(), password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("actors: hash password: %w", err)
	}
	_, err = s.mutate(ctx, caller, id, audit.ActionActorPasswordChanged, func(a *Actor) (bool, map[string]any) {
		a.PasswordHash = string(hash)
		return true, nil
	})
	return err
}

// EnrollTOTP generates and stores a new TOTP secret. The secret is only
// ever returned here.
func (s *Service) EnrollTOTP(ctx context.Context, caller shared.Caller, id string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: s.issuer, AccountName: id})
	if err != nil {
		return Enrollment{}, fmt.Errorf("actors: generate totp: %w", err)
	}
	_, err = s.mutate(ctx, caller, id, audit.ActionTwoFactorEnrolled, func(a *Actor) (bool, map[string]any) {
		a.TOTPSecret = key.Secret()
		return true, nil
	})
	if err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// RegisterFailure records a failed login and reports whether it locked the
// account.
func (s *Service) RegisterFailure(ctx context.Context, id string, p policy.SecurityPolicy) (Actor, bool, error) {
	now := s.clock.Now().UTC()
	actor, err := s.repo.RegisterFailure(ctx, id, p.MaxFailedAttempts, now.Add(p.LockoutDuration()), now)
	if err != nil {
		return Actor{}, false, wrapRepoErr("actor register failure", err)
	}
	// A failure never leaves the counter at zero unless it triggered a lock.
	return actor, actor.FailedAttemptCount == 0, nil
}

// ResetFailures clears the failure counter after a successful login.
func (s *Service) ResetFailures(ctx context.Context, id string) error {
	if err := s.repo.ResetFailures(ctx, id, s.clock.Now().UTC()); err != nil {
		return wrapRepoErr("actor reset failures", err)
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, caller shared.Caller, id, action string, apply func(a *Actor) (bool, map[string]any)) (Actor, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	prev, err := s.repo.Get(ctx, id)
	if err != nil {
		return Actor{}, wrapRepoErr("actor get", err)
	}
	next := prev
	changed, detail := apply(&next)
	if !changed {
		return prev, nil
	}
	next.UpdatedAt = s.clock.Now().UTC()
	if err := s.write(ctx, prev, next); err != nil {
		return Actor{}, wrapRepoErr("actor update", err)
	}
	if err := s.record(ctx, caller, action, id, detail); err != nil {
		s.compensate(func(ctx context.Context) error { return s.write(ctx, next, prev) })
		return Actor{}, err
	}
	return next, nil
}

// write persists the transition from -> to. Lockout columns are written
// only when the mutation itself changed them, so failed logins recorded
// concurrently are not overwritten by a stale profile edit.
func (s *Service) write(ctx context.Context, from, to Actor) error {
	if err := s.repo.Update(ctx, to); err != nil {
		return err
	}
	if from.FailedAttemptCount == to.FailedAttemptCount && sameLock(from.LockedUntil, to.LockedUntil) {
		return nil
	}
	return s.repo.SetLockout(ctx, to.ID, to.FailedAttemptCount, to.LockedUntil, to.UpdatedAt)
}

func sameLock(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *Service) record(ctx context.Context, caller shared.Caller, action, id string, detail map[string]any) error {
	_, err := s.audit.Append(ctx, audit.Entry{
		ActorID:  caller.Actor(),
		Action:   action,
		Resource: "actor:" + id,
		SourceIP: caller.SourceIP,
		Outcome:  audit.OutcomeSuccess,
		Detail:   audit.Detail(detail),
	})
	if err != nil {
		return shared.Persistence("actor audit", err)
	}
	return nil
}

func (s *Service) compensate(undo func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := undo(ctx); err != nil {
		s.logger.Error("actor compensation failed", slog.Any("error", err))
	}
}

func wrapRepoErr(op string, err error) error {
	if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrDuplicate) {
		return err
	}
	return shared.Persistence(op, err)
}
