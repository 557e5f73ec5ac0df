package sessions

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Store persists sessions. ListByActor and ListLive return only
// non-terminal sessions.
type Store interface {
	Insert(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	GetByTokenHash(ctx context.Context, digest string) (Session, error)
	Update(ctx context.Context, s Session) error
	Delete(ctx context.Context, id string) error
	ListByActor(ctx context.Context, actorID string) ([]Session, error)
	ListLive(ctx context.Context) ([]Session, error)
}

// ActorChecker confirms an actor exists and is not suspended.
type ActorChecker interface {
	CheckActive(ctx context.Context, id string) (actors.Actor, error)
}

// PolicySource exposes the active security policy.
type PolicySource interface {
	Get() policy.SecurityPolicy
}

// Manager owns the session lifecycle.
type Manager struct {
	store    Store
	actors   ActorChecker
	policies PolicySource
	audit    audit.Appender
	clock    shared.Clock
	logger   *slog.Logger
	locks    *shared.KeyedMutex
}

// NewManager constructs a Manager.
func NewManager(store Store, actorChecker ActorChecker, policies PolicySource, appender audit.Appender, clock shared.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		actors:   actorChecker,
		policies: policies,
		audit:    appender,
		clock:    clock,
		logger:   logger,
		locks:    shared.NewKeyedMutex(),
	}
}

// Create issues a session for actorID and returns it with its bearer token.
// The least recently active live sessions are evicted so the actor never
// holds more than the policy allows. The new session and its evictions are
// applied together: on any failure none of them is visible.
func (m *Manager) Create(ctx context.Context, actorID, sourceIP, device string, rememberMe bool) (Session, string, error) {
	if _, err := m.actors.CheckActive(ctx, actorID); err != nil {
		return Session{}, "", err
	}
	p := m.policies.Get()

	unlock := m.locks.Lock(shared.SessionLockKey(actorID))
	defer unlock()

	now := m.clock.Now().UTC()
	existing, err := m.store.ListByActor(ctx, actorID)
	if err != nil {
		return Session{}, "", shared.Persistence("session list", err)
	}
	live := make([]Session, 0, len(existing))
	for _, s := range existing {
		if s.Live(now) {
			live = append(live, s)
			continue
		}
		if err := m.finish(ctx, s, StateExpired, "idle_timeout", shared.Caller{ActorID: s.ActorID, SourceIP: s.SourceIP}, audit.ActionSessionExpired, now); err != nil {
			return Session{}, "", err
		}
	}

	slices.SortFunc(live, func(a, b Session) int { return a.LastActivityAt.Compare(b.LastActivityAt) })
	var victims []Session
	if excess := len(live) - p.MaxConcurrentSessions + 1; excess > 0 {
		victims = live[:excess]
	}

	token, digest, err := NewToken()
	if err != nil {
		return Session{}, "", err
	}
	remember := rememberMe && p.RememberMeAllowed()
	session := Session{
		ID:             uuid.NewString(),
		TokenHash:      digest,
		ActorID:        actorID,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      m.expiry(p, remember, now),
		SourceIP:       sourceIP,
		Device:         device,
		RememberMe:     remember,
		State:          StateCreated,
	}
	if err := m.store.Insert(ctx, session); err != nil {
		return Session{}, "", shared.Persistence("session insert", err)
	}

	caller := shared.Caller{ActorID: actorID, SourceIP: sourceIP}
	entries := make([]audit.Entry, 0, len(victims)+1)
	evicted := make([]Session, 0, len(victims))
	rollback := func() {
		m.compensate(func(ctx context.Context) error {
			var errs []error
			for _, v := range evicted {
				errs = append(errs, m.store.Update(ctx, v))
			}
			errs = append(errs, m.store.Delete(ctx, session.ID))
			return errors.Join(errs...)
		})
	}
	for _, victim := range victims {
		if err := m.store.Update(ctx, victim.end(StateEvicted, "max_concurrent_sessions", now)); err != nil {
			rollback()
			return Session{}, "", shared.Persistence("session update", err)
		}
		evicted = append(evicted, victim)
		entries = append(entries, sessionEntry(caller, audit.ActionSessionEvicted, victim, map[string]any{
			"owner":  victim.ActorID,
			"reason": "max_concurrent_sessions",
		}))
	}
	entries = append(entries, sessionEntry(caller, audit.ActionSessionCreated, session, map[string]any{
		"device":      device,
		"remember_me": remember,
		"expires_at":  session.ExpiresAt,
	}))
	if _, err := audit.AppendAll(ctx, m.audit, entries); err != nil {
		rollback()
		return Session{}, "", shared.Persistence("session audit", err)
	}
	return session, token, nil
}

// Touch validates a bearer token and slides its expiry. An expired session
// is ended and never revived.
func (m *Manager) Touch(ctx context.Context, token string) (Session, error) {
	s, err := m.byToken(ctx, token)
	if err != nil {
		return Session{}, err
	}
	if err := terminalError(s.State); err != nil {
		return Session{}, err
	}

	unlock := m.locks.Lock(shared.SessionLockKey(s.ActorID))
	defer unlock()

	s, err = m.reload(ctx, s.ID)
	if err != nil {
		return Session{}, err
	}
	if err := terminalError(s.State); err != nil {
		return Session{}, err
	}
	now := m.clock.Now().UTC()
	if now.After(s.ExpiresAt) {
		if err := m.finish(ctx, s, StateExpired, "idle_timeout", shared.Caller{ActorID: s.ActorID, SourceIP: s.SourceIP}, audit.ActionSessionExpired, now); err != nil {
			return Session{}, err
		}
		return Session{}, shared.ErrSessionExpired
	}

	s.LastActivityAt = now
	s.ExpiresAt = m.expiry(m.policies.Get(), s.RememberMe, now)
	s.State = StateActive
	if err := m.store.Update(ctx, s); err != nil {
		return Session{}, shared.Persistence("session update", err)
	}
	return s, nil
}

// Revoke ends a session by its public id. Ending an already ended session
// is a no-op.
func (m *Manager) Revoke(ctx context.Context, caller shared.Caller, id string) error {
	s, err := m.reload(ctx, id)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(shared.SessionLockKey(s.ActorID))
	defer unlock()

	s, err = m.reload(ctx, id)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return nil
	}
	return m.finish(ctx, s, StateRevoked, "revoked", caller, audit.ActionSessionRevoked, m.clock.Now().UTC())
}

// RevokeAll ends every live session of actorID and reports how many ended.
func (m *Manager) RevokeAll(ctx context.Context, caller shared.Caller, actorID string) (int, error) {
	unlock := m.locks.Lock(shared.SessionLockKey(actorID))
	defer unlock()

	live, err := m.store.ListByActor(ctx, actorID)
	if err != nil {
		return 0, shared.Persistence("session list", err)
	}
	now := m.clock.Now().UTC()
	ended := 0
	for _, s := range live {
		if err := m.finish(ctx, s, StateRevoked, "revoked", caller, audit.ActionSessionRevoked, now); err != nil {
			return ended, err
		}
		ended++
	}
	return ended, nil
}

// Logout ends the session holding token.
func (m *Manager) Logout(ctx context.Context, token string) error {
	s, err := m.byToken(ctx, token)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(shared.SessionLockKey(s.ActorID))
	defer unlock()

	s, err = m.reload(ctx, s.ID)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return nil
	}
	caller := shared.Caller{ActorID: s.ActorID, SourceIP: s.SourceIP}
	return m.finish(ctx, s, StateLoggedOut, "logout", caller, audit.ActionSessionLoggedOut, m.clock.Now().UTC())
}

// Get returns a session by its public id.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	return m.reload(ctx, id)
}

// List returns the live sessions of actorID, most recently active first.
func (m *Manager) List(ctx context.Context, actorID string) ([]Session, error) {
	all, err := m.store.ListByActor(ctx, actorID)
	if err != nil {
		return nil, shared.Persistence("session list", err)
	}
	now := m.clock.Now().UTC()
	live := slices.DeleteFunc(all, func(s Session) bool { return !s.Live(now) })
	slices.SortFunc(live, func(a, b Session) int {
		return cmp.Or(b.LastActivityAt.Compare(a.LastActivityAt), cmp.Compare(a.ID, b.ID))
	})
	return live, nil
}

// Sweep ends every session whose idle timeout has elapsed. Expiry is also
// applied lazily, so sweeping only keeps listings and reports current.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	live, err := m.store.ListLive(ctx)
	if err != nil {
		return 0, shared.Persistence("session list", err)
	}
	swept := 0
	for _, candidate := range live {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if !m.clock.Now().After(candidate.ExpiresAt) {
			continue
		}
		ended, err := m.sweepOne(ctx, candidate)
		if err != nil {
			return swept, err
		}
		if ended {
			swept++
		}
	}
	if swept > 0 {
		m.logger.Info("expired idle sessions", slog.Int("count", swept))
	}
	return swept, nil
}

func (m *Manager) sweepOne(ctx context.Context, candidate Session) (bool, error) {
	unlock := m.locks.Lock(shared.SessionLockKey(candidate.ActorID))
	defer unlock()
	s, err := m.reload(ctx, candidate.ID)
	if err != nil {
		if errors.Is(err, shared.ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	now := m.clock.Now().UTC()
	if s.State.Terminal() || !now.After(s.ExpiresAt) {
		return false, nil
	}
	caller := shared.Caller{ActorID: shared.SystemActor}
	return true, m.finish(ctx, s, StateExpired, "idle_timeout", caller, audit.ActionSessionExpired, now)
}

func (m *Manager) expiry(p policy.SecurityPolicy, rememberMe bool, now time.Time) time.Time {
	if rememberMe && p.RememberMeAllowed() {
		return now.Add(p.RememberMeDuration())
	}
	return now.Add(p.IdleTimeout())
}

func (m *Manager) byToken(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, shared.ErrSessionNotFound
	}
	s, err := m.store.GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, shared.ErrSessionNotFound) {
			return Session{}, err
		}
		return Session{}, shared.Persistence("session lookup", err)
	}
	return s, nil
}

func (m *Manager) reload(ctx context.Context, id string) (Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrSessionNotFound) {
			return Session{}, err
		}
		return Session{}, shared.Persistence("session get", err)
	}
	return s, nil
}

// finish moves s into a terminal state, persists and audits it. The caller
// holds the actor lock.
func (m *Manager) finish(ctx context.Context, s Session, state State, reason string, caller shared.Caller, action string, now time.Time) error {
	ended := s.end(state, reason, now)
	if err := m.store.Update(ctx, ended); err != nil {
		return shared.Persistence("session update", err)
	}
	if err := m.record(ctx, caller, action, ended, map[string]any{"owner": s.ActorID, "reason": reason}); err != nil {
		m.compensate(func(ctx context.Context) error { return m.store.Update(ctx, s) })
		return err
	}
	return nil
}

func (m *Manager) record(ctx context.Context, caller shared.Caller, action string, s Session, detail map[string]any) error {
	if _, err := m.audit.Append(ctx, sessionEntry(caller, action, s, detail)); err != nil {
		return shared.Persistence("session audit", err)
	}
	return nil
}

func sessionEntry(caller shared.Caller, action string, s Session, detail map[string]any) audit.Entry {
	return audit.Entry{
		ActorID:  caller.Actor(),
		Action:   action,
		Resource: "session:" + s.ID,
		SourceIP: caller.SourceIP,
		Outcome:  audit.OutcomeSuccess,
		Detail:   audit.Detail(detail),
	}
}

func (m *Manager) compensate(undo func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := undo(ctx); err != nil {
		m.logger.Error("session compensation failed", slog.Any("error", err))
	}
}

func terminalError(state State) error {
	switch state {
	case StateExpired:
		return shared.ErrSessionExpired
	case StateEvicted, StateRevoked, StateLoggedOut:
		return shared.ErrSessionRevoked
	}
	return nil
}
