package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	"github.com/odyssey-erp/odyssey-access/internal/actors"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/ipfilter"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/sessions"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Container owns the long-lived resources of one process.
type Container struct {
	Config  *Config
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Service *access.Service

	closers []func() error
}

// NewContainer connects the configured stores and assembles the access core.
func NewContainer(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *Container, err error) {
	if logger == nil {
		logger = NewLogger(cfg)
	}
	c := &Container{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	key, err := cfg.AuditKey()
	if err != nil {
		return nil, err
	}
	auditOpts := audit.Options{
		BatchSize:  cfg.AuditBatchSize,
		MaxRetries: cfg.AuditMaxRetries,
		Logger:     logger.With(slog.String("component", "audit")),
		OnFailure: func(error) {
			c.Metrics.ObserveAuditFailure("audit")
		},
	}

	var stores access.Stores
	switch cfg.StoreDriver {
	case DriverMemory:
		var closeAudit func() error
		stores, closeAudit, err = access.MemoryStores(ctx, key, shared.SystemClock{}, auditOpts)
		if err != nil {
			return nil, fmt.Errorf("app: memory stores: %w", err)
		}
		c.closers = append(c.closers, closeAudit)
		logger.Warn("using in-memory stores; state is lost on restart")
	case DriverPostgres:
		stores, err = c.connect(ctx, key, auditOpts)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
	}

	c.Service, err = access.Build(ctx, stores, access.Options{
		Logger:              logger,
		BcryptCost:          cfg.BcryptCost,
		Issuer:              cfg.TOTPIssuer,
		AuthzTimeout:        cfg.AuthzTimeout,
		PermissionCacheSize: cfg.PermissionCacheSize,
		Observer:            c.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.Service.Close)
	return c, nil
}

func (c *Container) connect(ctx context.Context, key []byte, auditOpts audit.Options) (access.Stores, error) {
	pool, err := db.New(ctx, c.Config.PGDSN, db.PoolOptions{MaxConns: c.Config.PGMaxConns})
	if err != nil {
		return access.Stores{}, err
	}
	c.Pool = pool
	c.closers = append(c.closers, func() error { pool.Close(); return nil })

	client, err := cache.New(ctx, c.Config.RedisOptions())
	if err != nil {
		return access.Stores{}, err
	}
	c.Redis = client
	c.closers = append(c.closers, client.Close)

	signer, err := audit.NewSigner(key)
	if err != nil {
		return access.Stores{}, err
	}
	log, err := audit.NewLog(ctx, audit.NewPGStore(pool), signer, auditOpts)
	if err != nil {
		return access.Stores{}, fmt.Errorf("app: audit log: %w", err)
	}
	// The audit log drains before the pool closes.
	c.closers = append(c.closers, log.Close)

	return access.Stores{
		Policies:   policy.NewPGRepository(pool),
		IPRules:    ipfilter.NewPGRepository(pool),
		Actors:     actors.NewPGRepository(pool),
		Roles:      rbac.NewPGRepository(pool),
		Sessions:   sessions.NewRedisStore(client, nil, 0),
		Challenges: auth.NewRedisChallengeStore(client),
		Audit:      log,
	}, nil
}

// Checks returns readiness checks for the connected backends.
func (c *Container) Checks() map[string]HealthCheck {
	checks := make(map[string]HealthCheck)
	if c.Pool != nil {
		checks["postgres"] = c.Pool.Ping
	}
	if c.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases resources in reverse acquisition order.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
