package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/billhub/billhub/internal/jobs"
	"github.com/billhub/billhub/internal/shared"
)

const paymentLinkLockTTL = 30 * time.Second

// errLockLost aborts a linking pass whose tenant lock could not be refreshed.
var errLockLost = errors.New("payments link: tenant lock lost")

// PaymentLinker attaches unlinked payments to the documents their hints name.
type PaymentLinker interface {
	LinkPending(ctx context.Context, tenantID int64) (int, error)
}

// PaymentsLinkJob links pending payments tenant by tenant. A redis lock per tenant keeps
// overlapping runs from racing; a tenant whose lock is held elsewhere is skipped. The lock is
// refreshed while linking runs and the pass stops when a refresh fails.
type PaymentsLinkJob struct {
	Linker  PaymentLinker
	Tenants TenantLister
	Locker  *redislock.Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	LockTTL time.Duration
}

// NewPaymentsLinkJob constructs the job handler.
func NewPaymentsLinkJob(linker PaymentLinker, tenants TenantLister, locker *redislock.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *PaymentsLinkJob {
	return &PaymentsLinkJob{Linker: linker, Tenants: tenants, Locker: locker, Logger: logger, Metrics: metrics}
}

// Handle executes the linking pass.
func (j *PaymentsLinkJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Linker == nil || j.Tenants == nil || j.Locker == nil {
		return errors.New("payments link: dependencies not configured")
	}
	payload, err := decodeTenantPayload(task)
	if err != nil {
		return err
	}

	tracker := metricsOrDefault(j.Metrics).Track(TaskPaymentsLink)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskPaymentsLink)
	tenants, err := resolveTenants(ctx, j.Tenants, payload.TenantID)
	if err != nil {
		logger.Error("list tenants", slog.Any("error", err))
		return err
	}

	total := 0
	for _, tenantID := range tenants {
		linked, err := j.linkTenant(ctx, tenantID)
		if errors.Is(err, redislock.ErrNotObtained) {
			logger.Info("payment linking already running", slog.Int64("tenant_id", tenantID))
			metricsOrDefault(j.Metrics).Skipped(TaskPaymentsLink)
			continue
		}
		if err != nil {
			logger.Error("link payments", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
			return err
		}
		metricsOrDefault(j.Metrics).AddLinked(tenantID, linked)
		total += linked
	}
	logger.Info("payments linked", slog.Int("tenants", len(tenants)), slog.Int("linked", total))
	return nil
}

func (j *PaymentsLinkJob) linkTenant(ctx context.Context, tenantID int64) (int, error) {
	ttl := j.LockTTL
	if ttl <= 0 {
		ttl = paymentLinkLockTTL
	}
	lock, err := j.Locker.Obtain(ctx, shared.PaymentLinkLockKey(tenantID), ttl, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keepLock(runCtx, lock, ttl, cancel)
	}()

	linked, err := j.Linker.LinkPending(runCtx, tenantID)
	cause := context.Cause(runCtx)
	cancel(nil)
	wg.Wait()
	if errors.Is(cause, errLockLost) {
		return linked, cause
	}
	return linked, err
}

// keepLock extends lock every third of ttl until ctx ends. A failed refresh cancels ctx.
func keepLock(ctx context.Context, lock *redislock.Lock, ttl time.Duration, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, ttl, nil); err != nil {
				if ctx.Err() == nil {
					cancel(fmt.Errorf("%w: %v", errLockLost, err))
				}
				return
			}
		}
	}
}
