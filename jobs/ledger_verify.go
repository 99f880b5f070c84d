package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/billhub/billhub/internal/accounts"
	jobmetrics "github.com/billhub/billhub/internal/jobs"
)

// TenantLister enumerates tenants that own ledger data.
type TenantLister interface {
	Tenants(ctx context.Context) ([]int64, error)
}

// LedgerVerifier recomputes balances for a tenant.
type LedgerVerifier interface {
	Verify(ctx context.Context, tenantID int64) ([]accounts.Discrepancy, error)
}

// LedgerVerifyJob reports accounts whose balance disagrees with opening balance plus movements.
type LedgerVerifyJob struct {
	Verifier LedgerVerifier
	Tenants  TenantLister
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewLedgerVerifyJob constructs the job handler.
func NewLedgerVerifyJob(verifier LedgerVerifier, tenants TenantLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerVerifyJob {
	return &LedgerVerifyJob{Verifier: verifier, Tenants: tenants, Logger: logger, Metrics: metrics}
}

// Handle executes the verification. Discrepancies are reported, not repaired, and do not fail the task.
func (j *LedgerVerifyJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Verifier == nil || j.Tenants == nil {
		return errors.New("ledger verify: dependencies not configured")
	}
	payload, err := decodeTenantPayload(task)
	if err != nil {
		return err
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskLedgerVerify)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskLedgerVerify)
	tenants, err := resolveTenants(ctx, j.Tenants, payload.TenantID)
	if err != nil {
		logger.Error("list tenants", slog.Any("error", err))
		return err
	}

	total := 0
	for _, tenantID := range tenants {
		found, err := j.Verifier.Verify(ctx, tenantID)
		if err != nil {
			logger.Error("verify ledger", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
			return err
		}
		for _, d := range found {
			logger.Warn("ledger discrepancy",
				slog.Int64("tenant_id", tenantID),
				slog.Int64("account_id", d.AccountID),
				slog.String("expected", d.Expected.StringFixed(2)),
				slog.String("actual", d.Actual.StringFixed(2)))
		}
		metricsOrDefault(j.Metrics).AddDiscrepancies(tenantID, len(found))
		total += len(found)
	}
	logger.Info("ledger verified", slog.Int("tenants", len(tenants)), slog.Int("discrepancies", total))
	return nil
}

func resolveTenants(ctx context.Context, lister TenantLister, tenantID int64) ([]int64, error) {
	if tenantID > 0 {
		return []int64{tenantID}, nil
	}
	return lister.Tenants(ctx)
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
