package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
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

const password = "Correct1Horse"

type policyHolder struct {
	mu sync.Mutex
	p  policy.SecurityPolicy
}

func (h *policyHolder) Get() policy.SecurityPolicy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.p.Clone()
}

type roleMap map[string][]string

func (m roleMap) RolesOf(actorID string) []string { return m[actorID] }

type fixture struct {
	guard    *Guard
	actors   *actors.Service
	repo     *actors.MemoryRepository
	log      *audit.Log
	clock    *shared.ManualClock
	policies *policyHolder
	roles    roleMap
}

func newFixture(t *testing.T, challenges ChallengeStore) fixture {
	t.Helper()
	clock := shared.NewManualClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	log, _, err := audit.NewMemoryLog(context.Background(), testKey, audit.Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	p := policy.Default()
	p.MaxFailedAttempts = 3
	p.LockoutDurationSeconds = 60
	policies := &policyHolder{p: p}

	repo := actors.NewMemoryRepository()
	actorSvc := actors.NewService(repo, log, policies, actors.Options{Clock: clock, BcryptCost: bcrypt.MinCost})
	if challenges == nil {
		challenges = NewMemoryChallengeStore(clock)
	}
	roles := roleMap{}
	guard := NewGuard(actorSvc, roles, policies, challenges, log, Options{Clock: clock, DummyCost: bcrypt.MinCost})
	return fixture{guard: guard, actors: actorSvc, repo: repo, log: log, clock: clock, policies: policies, roles: roles}
}

func (f fixture) createActor(t *testing.T, id string) {
	t.Helper()
	_, err := f.actors.Create(context.Background(), shared.SystemCaller(), actors.CreateInput{ID: id, Name: id, Password: password})
	require.NoError(t, err)
}

func (f fixture) actions(t *testing.T, actorID string) []string {
	t.Helper()
	var out []string
	for e, err := range f.log.Query(context.Background(), audit.Filter{ActorID: actorID}) {
		require.NoError(t, err)
		out = append(out, e.Action)
	}
	return out
}

func TestLockoutScenario(t *testing.T) {
	f := newFixture(t, nil)
	f.createActor(t, "dana")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.guard.Authenticate(ctx, "dana", "wrong", "10.0.0.1", LoginOptions{})
		require.ErrorIs(t, err, shared.ErrInvalidCredential)
	}

	_, err := f.guard.Authenticate(ctx, "dana", password, "10.0.0.1", LoginOptions{})
	require.ErrorIs(t, err, shared.ErrAccountLocked)

	f.clock.Advance(61 * time.Second)
	res, err := f.guard.Authenticate(ctx, "dana", password, "10.0.0.1", LoginOptions{})
	require.NoError(t, err)
	assert.True(t, res.Complete())

	stored, err := f.repo.Get(ctx, "dana")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailedAttemptCount)
	assert.Nil(t, stored.LockedUntil)

	assert.Equal(t, []string{
		audit.ActionLoginFailed,
		audit.ActionLoginFailed,
		audit.ActionLoginFailed,
		audit.ActionAccountLocked,
		audit.ActionLoginFailed,
		audit.ActionLoginSucceeded,
	}, f.actions(t, "dana"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	f := newFixture(t, nil)
	f.createActor(t, "dana")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.guard.Authenticate(ctx, "dana", "wrong", "10.0.0.1", LoginOptions{})
		require.ErrorIs(t, err, shared.ErrInvalidCredential)
	}
	_, err := f.guard.Authenticate(ctx, "dana", password, "10.0.0.1", LoginOptions{})
	require.NoError(t, err)

	stored, err := f.repo.Get(ctx, "dana")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailedAttemptCount)
}

func TestUnknownAndSuspendedActorsLookIdentical(t *testing.T) {
	f := newFixture(t, nil)
	f.createActor(t, "dana")
	_, err := f.actors.Suspend(context.Background(), shared.SystemCaller(), "dana")
	require.NoError(t, err)

	_, err = f.guard.Authenticate(context.Background(), "ghost", password, "10.0.0.1", LoginOptions{})
	assert.ErrorIs(t, err, shared.ErrInvalidCredential)
	_, err = f.guard.Authenticate(context.Background(), "dana", password, "10.0.0.1", LoginOptions{})
	assert.ErrorIs(t, err, shared.ErrInvalidCredential)

	stored, err := f.repo.Get(context.Background(), "dana")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailedAttemptCount)
}

func TestAuthenticateRequiresActorID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.guard.Authenticate(context.Background(), " ", password, "10.0.0.1", LoginOptions{})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func requireTwoFactor(t *testing.T, f fixture, actorID string) string {
	t.Helper()
	p := f.policies.Get()
	p.TwoFactorRequiredForRoles = []string{"role-registrar"}
	f.policies.mu.Lock()
	f.policies.p = p
	f.policies.mu.Unlock()
	f.roles[actorID] = []string{"role-registrar"}
	enrollment, err := f.actors.EnrollTOTP(context.Background(), shared.SystemCaller(), actorID)
	require.NoError(t, err)
	return enrollment.Secret
}

func TestTwoFactorFlow(t *testing.T) {
	f := newFixture(t, nil)
	f.createActor(t, "dana")
	secret := requireTwoFactor(t, f, "dana")
	ctx := context.Background()

	res, err := f.guard.Authenticate(ctx, "dana", password, "10.0.0.1", LoginOptions{Device: "laptop", RememberMe: true})
	require.NoError(t, err)
	require.False(t, res.Complete())
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), res.Challenge.ExpiresAt)

	_, err = f.guard.CompleteTwoFactor(ctx, res.Challenge.ID, "000000", "")
	require.ErrorIs(t, err, shared.ErrInvalidCredential)

	code, err := totp.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	done, err := f.guard.CompleteTwoFactor(ctx, res.Challenge.ID, code, "")
	require.NoError(t, err)
	assert.True(t, done.Complete())
	assert.Equal(t, "dana", done.Actor.ID)
	assert.Equal(t, LoginOptions{Device: "laptop", RememberMe: true}, done.Options)

	_, err = f.guard.CompleteTwoFactor(ctx, res.Challenge.ID, code, "")
	assert.ErrorIs(t, err, shared.ErrTwoFactorExpired, "challenge is single use")
}

func TestTwoFactorChallengeExpires(t *testing.T) {
	f := newFixture(t, nil)
	f.createActor(t, "dana")
	secret := requireTwoFactor(t, f, "dana")

	res, err := f.guard.Authenticate(context.Background(), "dana", password, "10.0.0.1", LoginOptions{})
	require.NoError(t, err)
	f.clock.Advance(5*time.Minute + time.Second)

	code, err := totp.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	_, err = f.guard.CompleteTwoFactor(context.Background(), res.Challenge.ID, code, "")
	assert.ErrorIs(t, err, shared.ErrTwoFactorExpired)
}

func TestTwoFactorAttemptsAreBounded(t *testing.T) {
	f := newFixture(t, nil)
	f.createActor(t, "dana")
	secret := requireTwoFactor(t, f, "dana")

	res, err := f.guard.Authenticate(context.Background(), "dana", password, "10.0.0.1", LoginOptions{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.guard.CompleteTwoFactor(context.Background(), res.Challenge.ID, "000000", "")
		require.ErrorIs(t, err, shared.ErrInvalidCredential)
	}
	code, err := totp.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	_, err = f.guard.CompleteTwoFactor(context.Background(), res.Challenge.ID, code, "")
	assert.ErrorIs(t, err, shared.ErrTwoFactorExpired)
}

func TestTwoFactorRequiredWithoutEnrolment(t *testing.T) {
	f := newFixture(t, nil)
	f.createActor(t, "dana")
	p := f.policies.Get()
	p.TwoFactorRequiredForRoles = []string{"role-registrar"}
	f.policies.p = p
	f.roles["dana"] = []string{"role-registrar"}

	_, err := f.guard.Authenticate(context.Background(), "dana", password, "10.0.0.1", LoginOptions{})
	assert.ErrorIs(t, err, shared.ErrTwoFactorRequired)
}

type failingAppender struct{}

func (failingAppender) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	return audit.Entry{}, shared.Persistence("audit append", errors.New("offline"))
}

func TestLoginFailsClosedWhenAuditUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.createActor(t, "dana")
	guard := NewGuard(f.actors, f.roles, f.policies, NewMemoryChallengeStore(f.clock), failingAppender{}, Options{Clock: f.clock, DummyCost: bcrypt.MinCost})

	_, err := guard.Authenticate(context.Background(), "dana", password, "10.0.0.1", LoginOptions{})
	assert.ErrorIs(t, err, shared.ErrPersistence)
}

func TestRedisChallengeStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisChallengeStore(client)
	ctx := context.Background()

	c := Challenge{
		ID:        "c1",
		ActorID:   "dana",
		SourceIP:  "10.0.0.1",
		Options:   LoginOptions{Device: "phone", RememberMe: true},
		ExpiresAt: time.Date(2025, 5, 1, 9, 5, 0, 0, time.UTC),
	}
	require.NoError(t, store.Put(ctx, c, 5*time.Minute))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	n, err := store.Fail(ctx, "c1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.Fail(ctx, "c1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = store.Get(ctx, "c1")
	assert.ErrorIs(t, err, shared.ErrTwoFactorExpired)
	_, err = store.Fail(ctx, "c1", 2)
	assert.ErrorIs(t, err, shared.ErrTwoFactorExpired)

	require.NoError(t, store.Put(ctx, c, 5*time.Minute))
	ok, err := store.Consume(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Consume(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, c, 5*time.Minute))
	mr.FastForward(6 * time.Minute)
	_, err = store.Get(ctx, "c1")
	assert.ErrorIs(t, err, shared.ErrTwoFactorExpired)
}

func TestTwoFactorFlowWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, NewRedisChallengeStore(client))
	f.createActor(t, "dana")
	secret := requireTwoFactor(t, f, "dana")

	res, err := f.guard.Authenticate(context.Background(), "dana", password, "10.0.0.1", LoginOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Challenge)

	code, err := totp.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	done, err := f.guard.CompleteTwoFactor(context.Background(), res.Challenge.ID, code, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "dana", done.Actor.ID)
}
