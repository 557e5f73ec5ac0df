package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ErrUnknownTask is returned for task types the worker does not handle.
var ErrUnknownTask = errors.New("jobs: unknown task")

// ErrChainBroken reports a failed audit verification.
var ErrChainBroken = errors.New("jobs: audit chain broken")

// SessionSweeper expires sessions whose idle window has passed.
type SessionSweeper interface {
	SweepSessions(ctx context.Context) (int, error)
}

// ChainVerifier recomputes the audit chain.
type ChainVerifier interface {
	VerifyAuditLog(ctx context.Context) (audit.Report, error)
}

// SessionsSweepJob handles TaskSessionsSweep.
type SessionsSweepJob struct {
	Sweeper SessionSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes sweep tasks.
func (j *SessionsSweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("sessions sweep: handler not configured")
	}
	payload, err := decodeTrigger(t)
	if err != nil {
		return fmt.Errorf("sessions sweep: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskSessionsSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskSessionsSweep).With(slog.String("requested_by", payload.RequestedBy))
	expired, err := j.Sweeper.SweepSessions(ctx)
	if err != nil {
		logger.Error("sweep sessions", slog.Any("error", err))
		return err
	}
	metrics.AddAffected(TaskSessionsSweep, expired)
	logger.Info("sessions swept", slog.Int("expired", expired))
	return nil
}

// AuditVerifyJob handles TaskAuditVerify.
type AuditVerifyJob struct {
	Verifier ChainVerifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle processes verification tasks. A broken chain is not retried.
func (j *AuditVerifyJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Verifier == nil {
		return errors.New("audit verify: handler not configured")
	}
	payload, err := decodeTrigger(t)
	if err != nil {
		return fmt.Errorf("audit verify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskAuditVerify)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskAuditVerify).With(slog.String("requested_by", payload.RequestedBy))
	report, err := j.Verifier.VerifyAuditLog(ctx)
	if err != nil {
		logger.Error("verify audit chain", slog.Any("error", err))
		return err
	}
	metrics.AddAffected(TaskAuditVerify, report.Checked)
	if !report.OK {
		logger.Error("audit chain broken",
			slog.Int("checked", report.Checked),
			slog.Int("issues", len(report.Issues)),
			slog.String("first_issue", firstIssue(report.Issues)))
		return fmt.Errorf("%w: %s: %w", ErrChainBroken, firstIssue(report.Issues), asynq.SkipRetry)
	}
	logger.Info("audit chain verified", slog.Int("checked", report.Checked))
	return nil
}

func firstIssue(issues []string) string {
	if len(issues) == 0 {
		return ""
	}
	return strings.TrimSpace(issues[0])
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}
