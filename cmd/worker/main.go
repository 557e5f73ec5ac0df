package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	redisOpt, err := cfg.RedisOptions().AsynqOpt()
	if err != nil {
		return err
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

	metrics := jobmetrics.NewMetrics(container.Metrics.Registerer())
	sweep := &jobs.SessionsSweepJob{Sweeper: container.Service, Logger: logger, Metrics: metrics}
	verify := &jobs.AuditVerifyJob{Verifier: container.Service, Logger: logger, Metrics: metrics}

	sweepTask, err := jobs.NewSessionsSweepTask("cron")
	if err != nil {
		return err
	}
	verifyTask, err := jobs.NewAuditVerifyTask("cron")
	if err != nil {
		return err
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpt,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSessionsSweep, Handler: sweep.Handle},
			{Type: jobs.TaskAuditVerify, Handler: verify.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCron, Task: sweepTask, Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
			{Spec: cfg.VerifyCron, Task: verifyTask, Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		return err
	}

	logger.Info("worker starting",
		slog.String("sweep_cron", cfg.SweepCron),
		slog.String("verify_cron", cfg.VerifyCron))
	return worker.Run(ctx)
}
