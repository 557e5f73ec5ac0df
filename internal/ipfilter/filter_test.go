package ipfilter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type failingAppender struct{}

func (failingAppender) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	return audit.Entry{}, shared.Persistence("audit append", errors.New("offline"))
}

func newFilter(t *testing.T, defaultDeny bool) (*Filter, *audit.Log) {
	t.Helper()
	log, _, err := audit.NewMemoryLog(context.Background(), testKey, audit.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	f, err := NewFilter(context.Background(), NewMemoryRepository(), log, func() bool { return defaultDeny }, nil, nil)
	require.NoError(t, err)
	return f, log
}

func addRule(t *testing.T, f *Filter, ruleType RuleType, cidr string) Rule {
	t.Helper()
	rule, err := f.AddRule(context.Background(), shared.Caller{ActorID: "admin"}, ruleType, cidr, "")
	require.NoError(t, err)
	return rule
}

func TestDenyOverridesAllow(t *testing.T) {
	orders := map[string][][2]string{
		"allow first": {{"allow", "10.0.0.0/8"}, {"deny", "10.0.5.0/24"}},
		"deny first":  {{"deny", "10.0.5.0/24"}, {"allow", "10.0.0.0/8"}},
	}
	for name, rules := range orders {
		t.Run(name, func(t *testing.T) {
			f, _ := newFilter(t, false)
			for _, r := range rules {
				addRule(t, f, RuleType(r[0]), r[1])
			}
			assert.Equal(t, Deny, f.Evaluate("10.0.5.7"))
			assert.Equal(t, Allow, f.Evaluate("10.0.1.7"))
		})
	}
}

func TestDefaultVerdict(t *testing.T) {
	open, _ := newFilter(t, true)
	assert.Equal(t, Allow, open.Evaluate("192.0.2.1"), "no allow rules admits everything")

	addRule(t, open, RuleAllow, "10.0.0.0/8")
	assert.Equal(t, Deny, open.Evaluate("192.0.2.1"), "default deny blocks unmatched addresses")

	lenient, _ := newFilter(t, false)
	addRule(t, lenient, RuleAllow, "10.0.0.0/8")
	assert.Equal(t, Allow, lenient.Evaluate("192.0.2.1"))
}

func TestEvaluateFailsClosedOnGarbage(t *testing.T) {
	f, _ := newFilter(t, false)
	assert.Equal(t, Deny, f.Evaluate("not-an-ip"))
	assert.Equal(t, Deny, f.Evaluate(""))
}

func TestEvaluateNormalisesAddresses(t *testing.T) {
	f, _ := newFilter(t, false)
	addRule(t, f, RuleDeny, "203.0.113.9")
	addRule(t, f, RuleDeny, "2001:db8::/32")

	assert.Equal(t, Deny, f.Evaluate("203.0.113.9"))
	assert.Equal(t, Deny, f.Evaluate("203.0.113.9:5432"))
	assert.Equal(t, Deny, f.Evaluate("::ffff:203.0.113.9"))
	assert.Equal(t, Deny, f.Evaluate("[2001:db8::1]:443"))
	assert.Equal(t, Allow, f.Evaluate("203.0.113.10"))
}

func TestAddRuleValidatesBeforeChangingState(t *testing.T) {
	f, log := newFilter(t, false)
	for _, bad := range []string{"", "10.0.0.0/33", "300.1.1.1", "10.0.0.0/8/1", "example.com"} {
		_, err := f.AddRule(context.Background(), shared.SystemCaller(), RuleAllow, bad, "")
		require.Error(t, err, bad)
		assert.ErrorIs(t, err, shared.ErrValidation, bad)
	}
	_, err := f.AddRule(context.Background(), shared.SystemCaller(), "maybe", "10.0.0.0/8", "")
	assert.ErrorIs(t, err, shared.ErrValidation)

	assert.Empty(t, f.Rules())
	for _, err := range log.Query(context.Background(), audit.Filter{}) {
		require.NoError(t, err)
		t.Fatal("no audit entry expected")
	}
}

func TestAddRuleCanonicalisesAndAudits(t *testing.T) {
	f, log := newFilter(t, false)
	rule := addRule(t, f, RuleAllow, "10.1.2.3/8")
	assert.Equal(t, "10.0.0.0/8", rule.CIDR)
	single := addRule(t, f, RuleDeny, "10.9.9.9")
	assert.Equal(t, "10.9.9.9/32", single.CIDR)

	var actions []string
	for e, err := range log.Query(context.Background(), audit.Filter{ActorID: "admin"}) {
		require.NoError(t, err)
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{audit.ActionIPRuleAdded, audit.ActionIPRuleAdded}, actions)
}

func TestRemoveRule(t *testing.T) {
	f, _ := newFilter(t, false)
	deny := addRule(t, f, RuleDeny, "10.0.5.0/24")
	require.Equal(t, Deny, f.Evaluate("10.0.5.7"))

	require.NoError(t, f.RemoveRule(context.Background(), shared.SystemCaller(), deny.ID))
	assert.Equal(t, Allow, f.Evaluate("10.0.5.7"))
	assert.ErrorIs(t, f.RemoveRule(context.Background(), shared.SystemCaller(), deny.ID), shared.ErrNotFound)
}

func TestAuditFailureCompensates(t *testing.T) {
	repo := NewMemoryRepository()
	f, err := NewFilter(context.Background(), repo, failingAppender{}, nil, nil, nil)
	require.NoError(t, err)

	_, err = f.AddRule(context.Background(), shared.SystemCaller(), RuleDeny, "10.0.0.0/8", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrPersistence)
	assert.Empty(t, f.Rules())
	stored, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, Allow, f.Evaluate("10.1.1.1"))
}

func TestNewFilterLoadsPersistedRules(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Insert(context.Background(), Rule{ID: "r1", Type: RuleDeny, CIDR: "192.0.2.0/24"}))
	f, err := NewFilter(context.Background(), repo, failingAppender{}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Deny, f.Evaluate("192.0.2.44"))
	require.Len(t, f.Rules(), 1)
}
