package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	accesshttp "github.com/odyssey-erp/odyssey-access/internal/access/http"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/seed"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

func newServeCmd() *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if app.InTestMode() {
				slog.Default().Info("test mode detected, skipping runtime startup")
				return nil
			}
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg)
			ctx := cmd.Context()

			if autoMigrate && cfg.StoreDriver == app.DriverPostgres {
				if err := migrateUp(ctx, cfg); err != nil {
					return err
				}
			}

			container, err := app.NewContainer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := container.Close(); err != nil {
					logger.Warn("close resources", slog.Any("error", err))
				}
			}()

			if cfg.SeedFile != "" {
				file, err := seed.LoadFile(cfg.SeedFile)
				if err != nil {
					return err
				}
				if _, err := seed.Apply(ctx, container.Service, file, logger); err != nil {
					return err
				}
			}

			var jobHandler *jobs.Handler
			if container.Redis != nil {
				redisOpt, err := cfg.RedisOptions().AsynqOpt()
				if err != nil {
					return err
				}
				inspector := asynq.NewInspector(redisOpt)
				defer func() {
					if err := inspector.Close(); err != nil {
						logger.Warn("inspector close", slog.Any("error", err))
					}
				}()
				jobHandler = jobs.NewHandler(inspector, logger)
			}

			router := app.NewRouter(app.RouterParams{
				Logger: logger,
				Config: cfg,
				AccessHandler: accesshttp.NewHandler(logger, container.Service, accesshttp.Limits{
					Login:  cfg.LoginLimitPerMinute,
					Export: cfg.ExportLimitPerMinute,
				}),
				JobHandler: jobHandler,
				Metrics:    container.Metrics,
				Checks:     container.Checks(),
			})

			server := &http.Server{
				Addr:         cfg.AppAddr,
				Handler:      router,
				ReadTimeout:  cfg.AppReadTimeout,
				WriteTimeout: cfg.AppWriteTimeout,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func migrateUp(ctx context.Context, cfg *app.Config) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.Migrate(ctx, pool)
}
