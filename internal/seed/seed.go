// Package seed loads bootstrap fixtures (policy, roles, actors, role
// assignments and IP rules) from YAML and applies them through the access
// façade so every change is validated and audited.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/ipfilter"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// File is the YAML document accepted by Apply.
type File struct {
	Policy  *Policy  `yaml:"policy"`
	Roles   []Role   `yaml:"roles"`
	Actors  []Actor  `yaml:"actors"`
	IPRules []IPRule `yaml:"ip_rules"`
}

// Policy overrides fields of the active policy. Omitted fields keep their
// current value.
type Policy struct {
	MinPasswordLength         *int     `yaml:"min_password_length"`
	RequireUppercase          *bool    `yaml:"require_uppercase"`
	RequireLowercase          *bool    `yaml:"require_lowercase"`
	RequireDigits             *bool    `yaml:"require_digits"`
	RequireSymbols            *bool    `yaml:"require_symbols"`
	MaxFailedAttempts         *int     `yaml:"max_failed_attempts"`
	LockoutDurationSeconds    *int     `yaml:"lockout_duration_seconds"`
	TwoFactorRequiredForRoles []string `yaml:"two_factor_required_for_roles"`
	GlobalIdleTimeoutSeconds  *int     `yaml:"global_idle_timeout_seconds"`
	MaxConcurrentSessions     *int     `yaml:"max_concurrent_sessions"`
	RememberMeDurationDays    *int     `yaml:"remember_me_duration_days"`
	IPDefaultDeny             *bool    `yaml:"ip_default_deny"`
}

// Role is written with permissions in "module:action" form. The wildcard
// action "*" expands to every action the catalog defines for the module.
type Role struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Actor is created when missing. Existing actors only receive role
// assignments; their credentials are never overwritten.
type Actor struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Password    string   `yaml:"password"`
	PasswordEnv string   `yaml:"password_env"`
	Roles       []string `yaml:"roles"`
}

// IPRule is added unless an identical rule exists.
type IPRule struct {
	Type        ipfilter.RuleType `yaml:"type"`
	CIDR        string            `yaml:"cidr"`
	Description string            `yaml:"description"`
}

// Result counts the changes Apply made.
type Result struct {
	PolicyUpdated  bool `json:"policy_updated"`
	RolesCreated   int  `json:"roles_created"`
	RolesUpdated   int  `json:"roles_updated"`
	ActorsCreated  int  `json:"actors_created"`
	Assignments    int  `json:"assignments"`
	IPRulesCreated int  `json:"ip_rules_created"`
}

// Decode parses a seed document. Unknown keys are rejected.
func Decode(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("seed: decode: %w", err)
	}
	return f, nil
}

// LoadFile reads and decodes path.
func LoadFile(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("seed: open: %w", err)
	}
	defer fh.Close()
	return Decode(fh)
}

// Apply brings the core in line with f. Roles are applied before the policy
// so two-factor role references resolve, and actors after both.
func Apply(ctx context.Context, svc *access.Service, f File, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	caller := shared.SystemCaller()
	var res Result

	catalog := rbac.NewCatalog(svc.Catalog()...)
	for _, r := range f.Roles {
		input, err := r.input(catalog)
		if err != nil {
			return res, err
		}
		if _, err := svc.Role(r.ID); err == nil {
			if _, err := svc.UpdateRole(ctx, caller, r.ID, input); err != nil {
				return res, fmt.Errorf("seed: update role %s: %w", r.ID, err)
			}
			res.RolesUpdated++
			continue
		}
		if _, err := svc.CreateRole(ctx, caller, input); err != nil {
			return res, fmt.Errorf("seed: create role %s: %w", r.Name, err)
		}
		res.RolesCreated++
	}

	if f.Policy != nil {
		next := f.Policy.apply(svc.GetPolicy())
		if _, err := svc.UpdatePolicy(ctx, caller, next); err != nil {
			return res, fmt.Errorf("seed: policy: %w", err)
		}
		res.PolicyUpdated = true
	}

	for _, a := range f.Actors {
		created, err := ensureActor(ctx, svc, caller, a)
		if err != nil {
			return res, err
		}
		if created {
			res.ActorsCreated++
		}
		for _, roleID := range a.Roles {
			if err := svc.AssignRole(ctx, caller, a.ID, roleID); err != nil {
				return res, fmt.Errorf("seed: assign %s to %s: %w", roleID, a.ID, err)
			}
			res.Assignments++
		}
	}

	existing := make(map[string]bool)
	for _, rule := range svc.IPRules() {
		existing[string(rule.Type)+" "+rule.CIDR] = true
	}
	for _, r := range f.IPRules {
		prefix, err := ipfilter.ParsePrefix(r.CIDR)
		if err != nil {
			return res, fmt.Errorf("seed: ip rule %q: %w", r.CIDR, err)
		}
		key := string(r.Type) + " " + prefix.String()
		if existing[key] {
			logger.Debug("ip rule already present", slog.String("rule", key))
			continue
		}
		if _, err := svc.AddIPRule(ctx, caller, r.Type, r.CIDR, r.Description); err != nil {
			return res, fmt.Errorf("seed: ip rule %q: %w", r.CIDR, err)
		}
		existing[key] = true
		res.IPRulesCreated++
	}

	logger.Info("seed applied",
		slog.Int("roles_created", res.RolesCreated),
		slog.Int("roles_updated", res.RolesUpdated),
		slog.Int("actors_created", res.ActorsCreated),
		slog.Int("assignments", res.Assignments),
		slog.Int("ip_rules_created", res.IPRulesCreated))
	return res, nil
}

func ensureActor(ctx context.Context, svc *access.Service, caller shared.Caller, a Actor) (bool, error) {
	_, err := svc.GetActor(ctx, a.ID)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, shared.ErrNotFound):
		return false, fmt.Errorf("seed: actor %s: %w", a.ID, err)
	}
	password := a.Password
	if a.PasswordEnv != "" {
		password = os.Getenv(a.PasswordEnv)
		if password == "" {
			return false, fmt.Errorf("seed: actor %s: environment variable %s is empty", a.ID, a.PasswordEnv)
		}
	}
	name := a.Name
	if name == "" {
		name = a.ID
	}
	if _, err := svc.CreateActor(ctx, caller, actors.CreateInput{ID: a.ID, Name: name, Password: password}); err != nil {
		return false, fmt.Errorf("seed: create actor %s: %w", a.ID, err)
	}
	return true, nil
}

func (r Role) input(catalog *rbac.Catalog) (rbac.RoleInput, error) {
	input := rbac.RoleInput{ID: r.ID, Name: r.Name, Description: r.Description}
	for _, raw := range r.Permissions {
		module, action, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok || module == "" || action == "" {
			return rbac.RoleInput{}, fmt.Errorf("seed: role %s: permission %q must be module:action", r.Name, raw)
		}
		if action != "*" {
			input.Permissions = append(input.Permissions, rbac.Permission{Module: module, Action: action})
			continue
		}
		actions := catalog.Actions(module)
		if len(actions) == 0 {
			return rbac.RoleInput{}, fmt.Errorf("seed: role %s: unknown module %q", r.Name, module)
		}
		for _, a := range actions {
			input.Permissions = append(input.Permissions, rbac.Permission{Module: module, Action: a})
		}
	}
	return input, nil
}

func (p *Policy) apply(cur policy.SecurityPolicy) policy.SecurityPolicy {
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&cur.MinPasswordLength, p.MinPasswordLength)
	setBool(&cur.RequireUppercase, p.RequireUppercase)
	setBool(&cur.RequireLowercase, p.RequireLowercase)
	setBool(&cur.RequireDigits, p.RequireDigits)
	setBool(&cur.RequireSymbols, p.RequireSymbols)
	setInt(&cur.MaxFailedAttempts, p.MaxFailedAttempts)
	setInt(&cur.LockoutDurationSeconds, p.LockoutDurationSeconds)
	setInt(&cur.GlobalIdleTimeoutSeconds, p.GlobalIdleTimeoutSeconds)
	setInt(&cur.MaxConcurrentSessions, p.MaxConcurrentSessions)
	setInt(&cur.RememberMeDurationDays, p.RememberMeDurationDays)
	setBool(&cur.IPDefaultDeny, p.IPDefaultDeny)
	if p.TwoFactorRequiredForRoles != nil {
		cur.TwoFactorRequiredForRoles = p.TwoFactorRequiredForRoles
	}
	return cur
}
