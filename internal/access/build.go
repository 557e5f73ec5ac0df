package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/ipfilter"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/sessions"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Stores are the persistence ports of every component.
type Stores struct {
	Policies   policy.Repository
	IPRules    ipfilter.Repository
	Actors     actors.Repository
	Roles      rbac.Repository
	Sessions   sessions.Store
	Challenges auth.ChallengeStore
	Audit      AuditLog
}

// Options tunes the assembled core.
type Options struct {
	Clock               shared.Clock
	Logger              *slog.Logger
	BcryptCost          int
	Issuer              string
	AuthzTimeout        time.Duration
	PermissionCacheSize int64
	Catalog             *rbac.Catalog
	Observer            authz.Observer
}

// Build loads persisted state and wires the components together.
func Build(ctx context.Context, stores Stores, opts Options) (*Service, error) {
	if opts.Clock == nil {
		opts.Clock = shared.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if stores.Audit == nil {
		return nil, errors.New("access: audit log not configured")
	}

	// The policy validates role ids against the graph, which is loaded
	// after the actors it references.
	var graph *rbac.Graph
	roleLookup := policy.RoleLookupFunc(func(id string) bool {
		return graph != nil && graph.RoleExists(id)
	})

	policies, err := policy.NewStore(ctx, stores.Policies, stores.Audit, policy.Options{
		Clock:  opts.Clock,
		Logger: opts.Logger.With(slog.String("component", "policy")),
		Roles:  roleLookup,
	})
	if err != nil {
		return nil, fmt.Errorf("access: policy: %w", err)
	}

	filter, err := ipfilter.NewFilter(ctx, stores.IPRules, stores.Audit,
		func() bool { return policies.Get().IPDefaultDeny },
		opts.Clock, opts.Logger.With(slog.String("component", "ipfilter")))
	if err != nil {
		return nil, fmt.Errorf("access: ip rules: %w", err)
	}

	actorSvc := actors.NewService(stores.Actors, stores.Audit, policies, actors.Options{
		Clock:      opts.Clock,
		Logger:     opts.Logger.With(slog.String("component", "actors")),
		BcryptCost: opts.BcryptCost,
		Issuer:     opts.Issuer,
	})

	var cache *rbac.PermissionCache
	if opts.PermissionCacheSize > 0 {
		cache, err = rbac.NewPermissionCache(opts.PermissionCacheSize)
		if err != nil {
			return nil, fmt.Errorf("access: permission cache: %w", err)
		}
	}
	graph, err = rbac.NewGraph(ctx, stores.Roles, actorSvc, stores.Audit, rbac.Options{
		Clock:   opts.Clock,
		Logger:  opts.Logger.With(slog.String("component", "rbac")),
		Catalog: opts.Catalog,
		Cache:   cache,
	})
	if err != nil {
		if cache != nil {
			cache.Close()
		}
		return nil, fmt.Errorf("access: roles: %w", err)
	}

	guard := auth.NewGuard(actorSvc, graph, policies, stores.Challenges, stores.Audit, auth.Options{
		Clock:     opts.Clock,
		Logger:    opts.Logger.With(slog.String("component", "auth")),
		DummyCost: opts.BcryptCost,
	})
	manager := sessions.NewManager(stores.Sessions, actorSvc, policies, stores.Audit, opts.Clock,
		opts.Logger.With(slog.String("component", "sessions")))
	engine := authz.NewEngine(filter, manager, actorSvc, graph, stores.Audit, authz.Options{
		Timeout:  opts.AuthzTimeout,
		Clock:    opts.Clock,
		Logger:   opts.Logger.With(slog.String("component", "authz")),
		Observer: opts.Observer,
	})

	return New(Deps{
		Policies: policies,
		IPs:      filter,
		Actors:   actorSvc,
		Guard:    guard,
		Sessions: manager,
		Roles:    graph,
		Engine:   engine,
		Audit:    stores.Audit,
		Logger:   opts.Logger,
		Cache:    cache,
	}), nil
}

// MemoryStores returns process-local stores around an audit log backed by
// memory. The returned closer stops the audit sequencer.
func MemoryStores(ctx context.Context, auditKey []byte, clock shared.Clock, auditOpts audit.Options) (Stores, func() error, error) {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	auditOpts.Clock = clock
	log, _, err := audit.NewMemoryLog(ctx, auditKey, auditOpts)
	if err != nil {
		return Stores{}, nil, err
	}
	return Stores{
		Policies:   policy.NewMemoryRepository(),
		IPRules:    ipfilter.NewMemoryRepository(),
		Actors:     actors.NewMemoryRepository(),
		Roles:      rbac.NewMemoryRepository(),
		Sessions:   sessions.NewMemoryStore(),
		Challenges: auth.NewMemoryChallengeStore(clock),
		Audit:      log,
	}, log.Close, nil
}
