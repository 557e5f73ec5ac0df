package ipfilter

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Repository persists IP rules.
type Repository interface {
	List(ctx context.Context) ([]Rule, error)
	Insert(ctx context.Context, rule Rule) error
	Delete(ctx context.Context, id string) error
}

// DefaultDeny reports the policy flag applied when allow rules exist but
// none match.
type DefaultDeny func() bool

type compiled struct {
	rule   Rule
	prefix netip.Prefix
}

type ruleSet struct {
	rules []compiled
	allow []netip.Prefix
	deny  []netip.Prefix
}

func buildRuleSet(rules []compiled) *ruleSet {
	set := &ruleSet{rules: rules}
	for _, c := range rules {
		if c.rule.Type == RuleDeny {
			set.deny = append(set.deny, c.prefix)
		} else {
			set.allow = append(set.allow, c.prefix)
		}
	}
	return set
}

// Filter evaluates source addresses against a copy-on-write rule set.
type Filter struct {
	repo        Repository
	audit       audit.Appender
	clock       shared.Clock
	logger      *slog.Logger
	defaultDeny DefaultDeny

	mu    sync.Mutex
	rules atomic.Pointer[ruleSet]
}

// NewFilter loads persisted rules.
func NewFilter(ctx context.Context, repo Repository, appender audit.Appender, defaultDeny DefaultDeny, clock shared.Clock, logger *slog.Logger) (*Filter, error) {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if defaultDeny == nil {
		defaultDeny = func() bool { return false }
	}
	stored, err := repo.List(ctx)
	if err != nil {
		return nil, shared.Persistence("ip rules load", err)
	}
	rules := make([]compiled, 0, len(stored))
	for _, r := range stored {
		prefix, err := ParsePrefix(r.CIDR)
		if err != nil {
			logger.Warn("skipping unparsable ip rule", slog.String("id", r.ID), slog.String("cidr", r.CIDR))
			continue
		}
		rules = append(rules, compiled{rule: r, prefix: prefix})
	}
	f := &Filter{repo: repo, audit: appender, clock: clock, logger: logger, defaultDeny: defaultDeny}
	f.rules.Store(buildRuleSet(rules))
	return f, nil
}

// Evaluate applies deny rules, then allow rules, then the default.
func (f *Filter) Evaluate(sourceIP string) Verdict {
	addr, ok := ParseSource(sourceIP)
	if !ok {
		return Deny
	}
	set := f.rules.Load()
	for _, p := range set.deny {
		if p.Contains(addr) {
			return Deny
		}
	}
	for _, p := range set.allow {
		if p.Contains(addr) {
			return Allow
		}
	}
	if len(set.allow) == 0 || !f.defaultDeny() {
		return Allow
	}
	return Deny
}

// Rules lists the active rules in creation order.
func (f *Filter) Rules() []Rule {
	set := f.rules.Load()
	out := make([]Rule, len(set.rules))
	for i, c := range set.rules {
		out[i] = c.rule
	}
	return out
}

// AddRule validates, persists, audits and publishes a new rule.
func (f *Filter) AddRule(ctx context.Context, caller shared.Caller, ruleType RuleType, cidrOrAddress, description string) (Rule, error) {
	ruleType = RuleType(strings.ToLower(strings.TrimSpace(string(ruleType))))
	if !ruleType.Valid() {
		return Rule{}, shared.NewValidationError("type", "must be one of allow deny")
	}
	prefix, err := ParsePrefix(cidrOrAddress)
	if err != nil {
		return Rule{}, err
	}
	rule := Rule{
		ID:          uuid.NewString(),
		Type:        ruleType,
		CIDR:        prefix.String(),
		Description: strings.TrimSpace(description),
		CreatedAt:   f.clock.Now().UTC(),
		CreatedBy:   caller.Actor(),
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.repo.Insert(ctx, rule); err != nil {
		return Rule{}, shared.Persistence("ip rule insert", err)
	}
	if err := f.record(ctx, caller, audit.ActionIPRuleAdded, rule); err != nil {
		f.compensate(func(ctx context.Context) error { return f.repo.Delete(ctx, rule.ID) })
		return Rule{}, err
	}
	current := f.rules.Load().rules
	next := append(slices.Clip(current), compiled{rule: rule, prefix: prefix})
	f.rules.Store(buildRuleSet(next))
	return rule, nil
}

// RemoveRule deletes the rule with id.
func (f *Filter) RemoveRule(ctx context.Context, caller shared.Caller, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.rules.Load().rules
	idx := slices.IndexFunc(current, func(c compiled) bool { return c.rule.ID == id })
	if idx < 0 {
		return shared.ErrNotFound
	}
	removed := current[idx].rule
	if err := f.repo.Delete(ctx, id); err != nil {
		return shared.Persistence("ip rule delete", err)
	}
	if err := f.record(ctx, caller, audit.ActionIPRuleRemoved, removed); err != nil {
		f.compensate(func(ctx context.Context) error { return f.repo.Insert(ctx, removed) })
		return err
	}
	next := slices.Delete(slices.Clone(current), idx, idx+1)
	f.rules.Store(buildRuleSet(next))
	return nil
}

func (f *Filter) record(ctx context.Context, caller shared.Caller, action string, rule Rule) error {
	_, err := f.audit.Append(ctx, audit.Entry{
		ActorID:  caller.Actor(),
		Action:   action,
		Resource: "ip_rule:" + rule.ID,
		SourceIP: caller.SourceIP,
		Outcome:  audit.OutcomeSuccess,
		Detail:   audit.Detail(map[string]any{"type": rule.Type, "cidr": rule.CIDR, "description": rule.Description}),
	})
	if err != nil {
		return shared.Persistence("ip rule audit", err)
	}
	return nil
}

func (f *Filter) compensate(undo func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := undo(ctx); err != nil {
		f.logger.Error("ip rule compensation failed", slog.Any("error", err))
	}
}
