package policy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Repository persists the singleton policy record.
type Repository interface {
	// Load returns shared.ErrNotFound when no policy was ever saved.
	Load(ctx context.Context) (SecurityPolicy, error)
	Save(ctx context.Context, p SecurityPolicy) error
}

// RoleLookup resolves role ids referenced by TwoFactorRequiredForRoles.
type RoleLookup interface {
	RoleExists(id string) bool
}

// RoleLookupFunc adapts a function to RoleLookup.
type RoleLookupFunc func(id string) bool

func (f RoleLookupFunc) RoleExists(id string) bool {
	return f(id)
}

// Options configures a Store.
type Options struct {
	Clock  shared.Clock
	Logger *slog.Logger
	Roles  RoleLookup
}

// Store holds the active policy. Reads are lock free; updates are
// serialised and published only after persistence and audit succeed.
type Store struct {
	repo     Repository
	audit    audit.Appender
	clock    shared.Clock
	logger   *slog.Logger
	roles    RoleLookup
	validate *validator.Validate

	mu      sync.Mutex
	current atomic.Pointer[SecurityPolicy]
}

// NewStore loads the persisted policy, seeding Default on first start.
func NewStore(ctx context.Context, repo Repository, appender audit.Appender, opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = shared.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		repo:     repo,
		audit:    appender,
		clock:    opts.Clock,
		logger:   opts.Logger,
		roles:    opts.Roles,
		validate: shared.NewValidator(),
	}

	loaded, err := repo.Load(ctx)
	switch {
	case err == nil:
		s.current.Store(&loaded)
		return s, nil
	case !errors.Is(err, shared.ErrNotFound):
		return nil, shared.Persistence("policy load", err)
	}

	seed := Default()
	seed.UpdatedAt = s.clock.Now().UTC()
	seed.UpdatedBy = shared.SystemActor
	if err := repo.Save(ctx, seed); err != nil {
		return nil, shared.Persistence("policy seed", err)
	}
	if _, err := appender.Append(ctx, audit.Entry{
		ActorID:  shared.SystemActor,
		Action:   audit.ActionPolicyUpdated,
		Resource: "policy",
		Outcome:  audit.OutcomeSuccess,
		Detail:   audit.Detail(map[string]any{"seeded": true, "version": seed.Version}),
	}); err != nil {
		return nil, err
	}
	s.current.Store(&seed)
	return s, nil
}

// Get returns the current policy.
func (s *Store) Get() SecurityPolicy {
	return s.current.Load().Clone()
}

// Update validates next and atomically replaces the current policy with it.
func (s *Store) Update(ctx context.Context, caller shared.Caller, next SecurityPolicy) (SecurityPolicy, error) {
	next = next.Clone()
	next.TwoFactorRequiredForRoles = normalizeRoleIDs(next.TwoFactorRequiredForRoles)
	if err := s.check(next); err != nil {
		return SecurityPolicy{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load().Clone()
	next.Version = prev.Version + 1
	next.UpdatedAt = s.clock.Now().UTC()
	next.UpdatedBy = caller.Actor()

	if err := s.repo.Save(ctx, next); err != nil {
		return SecurityPolicy{}, shared.Persistence("policy save", err)
	}
	_, err := s.audit.Append(ctx, audit.Entry{
		ActorID:  caller.Actor(),
		Action:   audit.ActionPolicyUpdated,
		Resource: "policy",
		SourceIP: caller.SourceIP,
		Outcome:  audit.OutcomeSuccess,
		Detail:   audit.Detail(map[string]any{"version": next.Version, "changes": Diff(prev, next)}),
	})
	if err != nil {
		s.restore(prev)
		return SecurityPolicy{}, shared.Persistence("policy audit", err)
	}

	published := next.Clone()
	s.current.Store(&published)
	s.logger.Info("security policy updated", slog.Int64("version", next.Version), slog.String("actor", caller.Actor()))
	return next, nil
}

func (s *Store) check(p SecurityPolicy) error {
	if err := shared.ValidateStruct(s.validate, p); err != nil {
		return err
	}
	if s.roles == nil {
		return nil
	}
	var missing []string
	for _, id := range p.TwoFactorRequiredForRoles {
		if !s.roles.RoleExists(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return shared.NewValidationError("two_factor_required_for_roles", "unknown roles: "+strings.Join(missing, ", "))
	}
	return nil
}

func (s *Store) restore(prev SecurityPolicy) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.Save(ctx, prev); err != nil {
		s.logger.Error("policy compensation failed", slog.Int64("version", prev.Version), slog.Any("error", err))
	}
}

func normalizeRoleIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// FieldChange is one entry of a policy diff.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

var diffIgnored = map[string]bool{"version": true, "updated_at": true, "updated_by": true}

// Diff lists the fields that differ between two policies, keyed by json name.
func Diff(prev, next SecurityPolicy) map[string]FieldChange {
	before, after := fields(prev), fields(next)
	changes := make(map[string]FieldChange)
	for name, newValue := range after {
		if diffIgnored[name] {
			continue
		}
		if oldValue := before[name]; !reflect.DeepEqual(oldValue, newValue) {
			changes[name] = FieldChange{Old: oldValue, New: newValue}
		}
	}
	return changes
}

func fields(p SecurityPolicy) map[string]any {
	if p.TwoFactorRequiredForRoles == nil {
		p.TwoFactorRequiredForRoles = []string{}
	}
	out := make(map[string]any)
	data, err := json.Marshal(p)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}
