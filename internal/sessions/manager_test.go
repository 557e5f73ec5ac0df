package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type policyHolder struct{ p policy.SecurityPolicy }

func (h *policyHolder) Get() policy.SecurityPolicy { return h.p }

type fixture struct {
	mgr      *Manager
	store    Store
	actors   *actors.Service
	log      *audit.Log
	clock    *shared.ManualClock
	policies *policyHolder
}

type storeFactory func(t *testing.T, clock shared.Clock) Store

func memoryStore(t *testing.T, clock shared.Clock) Store { return NewMemoryStore() }

func redisStore(t *testing.T, clock shared.Clock) Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, clock, time.Hour)
}

var stores = map[string]storeFactory{"memory": memoryStore, "redis": redisStore}

func newFixture(t *testing.T, factory storeFactory) fixture {
	t.Helper()
	clock := shared.NewManualClock(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))
	log, _, err := audit.NewMemoryLog(context.Background(), testKey, audit.Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	p := policy.Default()
	p.MaxConcurrentSessions = 2
	p.GlobalIdleTimeoutSeconds = 600
	policies := &policyHolder{p: p}

	actorSvc := actors.NewService(actors.NewMemoryRepository(), log, policies, actors.Options{Clock: clock, BcryptCost: bcrypt.MinCost})
	_, err = actorSvc.Create(context.Background(), shared.SystemCaller(), actors.CreateInput{ID: "dana", Name: "Dana", Password: "Correct1Horse"})
	require.NoError(t, err)

	store := factory(t, clock)
	mgr := NewManager(store, actorSvc, policies, log, clock, nil)
	return fixture{mgr: mgr, store: store, actors: actorSvc, log: log, clock: clock, policies: policies}
}

func eachStore(t *testing.T, fn func(t *testing.T, f fixture)) {
	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, newFixture(t, factory))
		})
	}
}

func (f fixture) count(t *testing.T, action string) int {
	t.Helper()
	n := 0
	for _, err := range f.log.Query(context.Background(), audit.Filter{Action: action}) {
		require.NoError(t, err)
		n++
	}
	return n
}

func TestEvictionScenario(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		s1, tok1, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", false)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Second)
		s2, _, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "phone", false)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Second)
		s3, _, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "tablet", false)
		require.NoError(t, err)

		live, err := f.mgr.List(ctx, "dana")
		require.NoError(t, err)
		ids := []string{}
		for _, s := range live {
			ids = append(ids, s.ID)
		}
		assert.Equal(t, []string{s3.ID, s2.ID}, ids)

		evicted, err := f.mgr.Get(ctx, s1.ID)
		require.NoError(t, err)
		assert.Equal(t, StateEvicted, evicted.State)
		assert.Equal(t, 1, f.count(t, audit.ActionSessionEvicted))

		_, err = f.mgr.Touch(ctx, tok1)
		assert.ErrorIs(t, err, shared.ErrSessionRevoked)
	})
}

func TestEvictionPicksLeastRecentlyActive(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		s1, tok1, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", false)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Second)
		s2, _, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "phone", false)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Second)
		_, err = f.mgr.Touch(ctx, tok1)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Second)
		_, _, err = f.mgr.Create(ctx, "dana", "10.0.0.1", "tablet", false)
		require.NoError(t, err)

		gone, err := f.mgr.Get(ctx, s2.ID)
		require.NoError(t, err)
		assert.Equal(t, StateEvicted, gone.State)
		kept, err := f.mgr.Get(ctx, s1.ID)
		require.NoError(t, err)
		assert.Equal(t, StateActive, kept.State)
		assert.Equal(t, 1, f.count(t, audit.ActionSessionEvicted))
	})
}

func TestTouchSlidesExpiry(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		created, token, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", false)
		require.NoError(t, err)
		assert.Equal(t, StateCreated, created.State)
		assert.Equal(t, f.clock.Now().Add(10*time.Minute), created.ExpiresAt)

		f.clock.Advance(9 * time.Minute)
		touched, err := f.mgr.Touch(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, StateActive, touched.State)
		assert.Equal(t, f.clock.Now(), touched.LastActivityAt)
		assert.Equal(t, f.clock.Now().Add(10*time.Minute), touched.ExpiresAt)
	})
}

func TestExpiredSessionIsNeverRevived(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		_, token, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", false)
		require.NoError(t, err)

		f.clock.Advance(10*time.Minute + time.Second)
		_, err = f.mgr.Touch(ctx, token)
		require.ErrorIs(t, err, shared.ErrSessionExpired)

		f.clock.Set(f.clock.Now().Add(-time.Hour))
		_, err = f.mgr.Touch(ctx, token)
		assert.ErrorIs(t, err, shared.ErrSessionExpired)
		assert.Equal(t, 1, f.count(t, audit.ActionSessionExpired))

		live, err := f.mgr.List(ctx, "dana")
		require.NoError(t, err)
		assert.Empty(t, live)
	})
}

func TestRememberMe(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		s, _, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", true)
		require.NoError(t, err)
		assert.True(t, s.RememberMe)
		assert.Equal(t, f.clock.Now().Add(30*24*time.Hour), s.ExpiresAt)

		f.policies.p.RememberMeDurationDays = 0
		s, _, err = f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", true)
		require.NoError(t, err)
		assert.False(t, s.RememberMe)
		assert.Equal(t, f.clock.Now().Add(10*time.Minute), s.ExpiresAt)
	})
}

func TestRevokeIsIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		s, token, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", false)
		require.NoError(t, err)

		admin := shared.Caller{ActorID: "admin"}
		require.NoError(t, f.mgr.Revoke(ctx, admin, s.ID))
		require.NoError(t, f.mgr.Revoke(ctx, admin, s.ID))
		assert.Equal(t, 1, f.count(t, audit.ActionSessionRevoked))

		_, err = f.mgr.Touch(ctx, token)
		assert.ErrorIs(t, err, shared.ErrSessionRevoked)
		assert.ErrorIs(t, f.mgr.Revoke(ctx, admin, "missing"), shared.ErrSessionNotFound)
	})
}

func TestRevokeAllAndLogout(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		_, tokA, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", false)
		require.NoError(t, err)
		_, tokB, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "phone", false)
		require.NoError(t, err)

		require.NoError(t, f.mgr.Logout(ctx, tokA))
		require.NoError(t, f.mgr.Logout(ctx, tokA))
		assert.Equal(t, 1, f.count(t, audit.ActionSessionLoggedOut))

		n, err := f.mgr.RevokeAll(ctx, shared.SystemCaller(), "dana")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = f.mgr.Touch(ctx, tokB)
		assert.ErrorIs(t, err, shared.ErrSessionRevoked)

		assert.ErrorIs(t, f.mgr.Logout(ctx, "unknown-token"), shared.ErrSessionNotFound)
	})
}

func TestCreateRequiresActiveActor(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		_, _, err := f.mgr.Create(ctx, "ghost", "10.0.0.1", "laptop", false)
		assert.ErrorIs(t, err, shared.ErrNotFound)

		_, err = f.actors.Suspend(ctx, shared.SystemCaller(), "dana")
		require.NoError(t, err)
		_, _, err = f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", false)
		assert.ErrorIs(t, err, shared.ErrActorSuspended)
	})
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		_, _, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", false)
		require.NoError(t, err)
		f.clock.Advance(5 * time.Minute)
		_, fresh, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "phone", false)
		require.NoError(t, err)

		f.clock.Advance(6 * time.Minute)
		n, err := f.mgr.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = f.mgr.Touch(ctx, fresh)
		assert.NoError(t, err)
		n, err = f.mgr.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestTokensAreNotStoredInClear(t *testing.T) {
	f := newFixture(t, memoryStore)
	s, token, err := f.mgr.Create(context.Background(), "dana", "10.0.0.1", "laptop", false)
	require.NoError(t, err)
	assert.NotEqual(t, token, s.TokenHash)
	assert.NotEqual(t, token, s.ID)
	assert.Equal(t, HashToken(token), s.TokenHash)
	assert.Len(t, token, 43)
}

type failingAppender struct{}

func (failingAppender) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	return audit.Entry{}, shared.Persistence("audit append", errors.New("offline"))
}

func TestCreateCompensatesWhenAuditFails(t *testing.T) {
	f := newFixture(t, memoryStore)
	mgr := NewManager(f.store, f.actors, f.policies, failingAppender{}, f.clock, nil)
	_, _, err := mgr.Create(context.Background(), "dana", "10.0.0.1", "laptop", false)
	require.ErrorIs(t, err, shared.ErrPersistence)

	live, err := f.store.ListByActor(context.Background(), "dana")
	require.NoError(t, err)
	assert.Empty(t, live)
}

type insertFailingStore struct {
	Store
}

func (s insertFailingStore) Insert(ctx context.Context, session Session) error {
	return errors.New("write refused")
}

func TestCreateLeavesEvictionVictimsWhenInsertFails(t *testing.T) {
	f := newFixture(t, memoryStore)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", false)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	mgr := NewManager(insertFailingStore{Store: f.store}, f.actors, f.policies, f.log, f.clock, nil)
	_, _, err := mgr.Create(ctx, "dana", "10.0.0.1", "phone", false)
	require.ErrorIs(t, err, shared.ErrPersistence)

	live, err := f.store.ListByActor(ctx, "dana")
	require.NoError(t, err)
	assert.Len(t, live, 2)
	assert.Zero(t, f.count(t, audit.ActionSessionEvicted))
	assert.Equal(t, 2, f.count(t, audit.ActionSessionCreated))
}

func TestCreateRestoresEvictionVictimsWhenAuditFails(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		var tokens []string
		for i := 0; i < 2; i++ {
			_, token, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", false)
			require.NoError(t, err)
			tokens = append(tokens, token)
			f.clock.Advance(time.Second)
		}

		mgr := NewManager(f.store, f.actors, f.policies, failingAppender{}, f.clock, nil)
		_, _, err := mgr.Create(ctx, "dana", "10.0.0.1", "phone", false)
		require.ErrorIs(t, err, shared.ErrPersistence)

		live, err := f.store.ListByActor(ctx, "dana")
		require.NoError(t, err)
		assert.Len(t, live, 2)
		for _, token := range tokens {
			_, err := f.mgr.Touch(ctx, token)
			assert.NoError(t, err)
		}
		assert.Zero(t, f.count(t, audit.ActionSessionEvicted))
	})
}

func TestCreateAuditsEvictionAndCreationTogether(t *testing.T) {
	f := newFixture(t, memoryStore)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := f.mgr.Create(ctx, "dana", "10.0.0.1", "laptop", false)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	var actions []string
	for e, err := range f.log.Query(ctx, audit.Filter{}) {
		require.NoError(t, err)
		if e.Resource != "actor:dana" {
			actions = append(actions, e.Action)
		}
	}
	require.GreaterOrEqual(t, len(actions), 2)
	assert.Equal(t, []string{audit.ActionSessionEvicted, audit.ActionSessionCreated}, actions[len(actions)-2:])
}
