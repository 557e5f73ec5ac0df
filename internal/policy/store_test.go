package policy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type failingAppender struct{}

func (failingAppender) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	return audit.Entry{}, shared.Persistence("audit append", errors.New("audit store offline"))
}

type switchAppender struct {
	mu   sync.Mutex
	next audit.Appender
}

func (s *switchAppender) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	next := s.next
	s.mu.Unlock()
	return next.Append(ctx, e)
}

func (s *switchAppender) set(a audit.Appender) {
	s.mu.Lock()
	s.next = a
	s.mu.Unlock()
}

type roleSet map[string]bool

func (r roleSet) RoleExists(id string) bool { return r[id] }

func newStore(t *testing.T, opts Options) (*Store, *MemoryRepository, *audit.Log) {
	t.Helper()
	log, _, err := audit.NewMemoryLog(context.Background(), testKey, audit.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	repo := NewMemoryRepository()
	if opts.Clock == nil {
		opts.Clock = shared.NewManualClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	}
	store, err := NewStore(context.Background(), repo, log, opts)
	require.NoError(t, err)
	return store, repo, log
}

func countEntries(t *testing.T, log *audit.Log, action string) int {
	t.Helper()
	n := 0
	for _, err := range log.Query(context.Background(), audit.Filter{Action: action}) {
		require.NoError(t, err)
		n++
	}
	return n
}

func TestNewStoreSeedsDefault(t *testing.T) {
	store, repo, log := newStore(t, Options{})

	got := store.Get()
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, Default().MinPasswordLength, got.MinPasswordLength)
	assert.Equal(t, shared.SystemActor, got.UpdatedBy)

	saved, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, got.Version, saved.Version)
	assert.Equal(t, 1, countEntries(t, log, audit.ActionPolicyUpdated))
}

func TestNewStoreKeepsPersistedPolicy(t *testing.T) {
	repo := NewMemoryRepository()
	existing := Default()
	existing.Version = 7
	existing.MaxFailedAttempts = 4
	require.NoError(t, repo.Save(context.Background(), existing))

	log, _, err := audit.NewMemoryLog(context.Background(), testKey, audit.Options{})
	require.NoError(t, err)
	defer log.Close()

	store, err := NewStore(context.Background(), repo, log, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), store.Get().Version)
	assert.Equal(t, 4, store.Get().MaxFailedAttempts)
	assert.Equal(t, 0, countEntries(t, log, audit.ActionPolicyUpdated))
}

func TestUpdateAppliesAndAuditsDiff(t *testing.T) {
	store, _, log := newStore(t, Options{})
	next := store.Get()
	next.MaxFailedAttempts = 3
	next.LockoutDurationSeconds = 60

	updated, err := store.Update(context.Background(), shared.Caller{ActorID: "admin", SourceIP: "10.0.0.9"}, next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "admin", updated.UpdatedBy)
	assert.Equal(t, updated, store.Get())

	var last audit.Entry
	for e, err := range log.Query(context.Background(), audit.Filter{Action: audit.ActionPolicyUpdated}) {
		require.NoError(t, err)
		last = e
	}
	assert.Equal(t, "admin", last.ActorID)
	assert.Equal(t, "10.0.0.9", last.SourceIP)

	var detail struct {
		Version int64                  `json:"version"`
		Changes map[string]FieldChange `json:"changes"`
	}
	require.NoError(t, json.Unmarshal([]byte(last.Detail), &detail))
	assert.Equal(t, int64(2), detail.Version)
	require.Len(t, detail.Changes, 2)
	assert.EqualValues(t, 5, detail.Changes["max_failed_attempts"].Old)
	assert.EqualValues(t, 3, detail.Changes["max_failed_attempts"].New)
	assert.Contains(t, detail.Changes, "lockout_duration_seconds")
}

func TestUpdateRejectsOutOfRangeValues(t *testing.T) {
	store, _, log := newStore(t, Options{})
	before := store.Get()

	cases := map[string]func(p *SecurityPolicy){
		"min_password_length":         func(p *SecurityPolicy) { p.MinPasswordLength = 5 },
		"max_failed_attempts":         func(p *SecurityPolicy) { p.MaxFailedAttempts = 11 },
		"lockout_duration_seconds":    func(p *SecurityPolicy) { p.LockoutDurationSeconds = 0 },
		"global_idle_timeout_seconds": func(p *SecurityPolicy) { p.GlobalIdleTimeoutSeconds = 30 },
		"max_concurrent_sessions":     func(p *SecurityPolicy) { p.MaxConcurrentSessions = 0 },
		"remember_me_duration_days":   func(p *SecurityPolicy) { p.RememberMeDurationDays = 400 },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			next := store.Get()
			mutate(&next)
			_, err := store.Update(context.Background(), shared.SystemCaller(), next)
			require.Error(t, err)
			assert.ErrorIs(t, err, shared.ErrValidation)
			var verr *shared.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, field)
		})
	}

	assert.Equal(t, before, store.Get())
	assert.Equal(t, 1, countEntries(t, log, audit.ActionPolicyUpdated))
}

func TestUpdateRejectsUnknownTwoFactorRoles(t *testing.T) {
	store, _, _ := newStore(t, Options{Roles: roleSet{"role-admin": true}})
	next := store.Get()
	next.TwoFactorRequiredForRoles = []string{"role-admin", "role-ghost"}

	_, err := store.Update(context.Background(), shared.SystemCaller(), next)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrValidation)

	next.TwoFactorRequiredForRoles = []string{" role-admin ", "role-admin"}
	updated, err := store.Update(context.Background(), shared.SystemCaller(), next)
	require.NoError(t, err)
	assert.Equal(t, []string{"role-admin"}, updated.TwoFactorRequiredForRoles)
	assert.True(t, updated.RequiresTwoFactor([]string{"role-x", "role-admin"}))
}

func TestUpdateCompensatesWhenAuditFails(t *testing.T) {
	log, _, err := audit.NewMemoryLog(context.Background(), testKey, audit.Options{})
	require.NoError(t, err)
	defer log.Close()
	appender := &switchAppender{next: log}
	repo := NewMemoryRepository()
	store, err := NewStore(context.Background(), repo, appender, Options{})
	require.NoError(t, err)
	before := store.Get()

	appender.set(failingAppender{})
	next := store.Get()
	next.MinPasswordLength = 12
	_, err = store.Update(context.Background(), shared.SystemCaller(), next)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrPersistence)

	assert.Equal(t, before, store.Get())
	saved, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before.Version, saved.Version)
	assert.Equal(t, before.MinPasswordLength, saved.MinPasswordLength)
}

func TestConcurrentUpdatesAreSerialised(t *testing.T) {
	store, _, log := newStore(t, Options{})
	const writers = 20

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := store.Get()
			next.MinPasswordLength = 6 + i
			_, err := store.Update(context.Background(), shared.SystemCaller(), next)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(writers+1), store.Get().Version)
	assert.Equal(t, writers+1, countEntries(t, log, audit.ActionPolicyUpdated))
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	store, _, _ := newStore(t, Options{})
	next := store.Get()
	next.TwoFactorRequiredForRoles = []string{"r1"}
	_, err := store.Update(context.Background(), shared.SystemCaller(), next)
	require.NoError(t, err)

	snapshot := store.Get()
	snapshot.TwoFactorRequiredForRoles[0] = "tampered"
	assert.Equal(t, []string{"r1"}, store.Get().TwoFactorRequiredForRoles)
}

func TestDiffIgnoresBookkeeping(t *testing.T) {
	a := Default()
	b := a
	b.Version = 9
	b.UpdatedBy = "someone"
	assert.Empty(t, Diff(a, b))

	b.IPDefaultDeny = true
	changes := Diff(a, b)
	require.Len(t, changes, 1)
	assert.Equal(t, false, changes["ip_default_deny"].Old)
	assert.Equal(t, true, changes["ip_default_deny"].New)
}
