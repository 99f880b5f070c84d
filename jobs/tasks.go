package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/billhub/billhub/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerVerify checks every account balance against its movements.
	TaskLedgerVerify = "ledger:verify"
	// TaskPaymentsLink attaches payments recorded ahead of their document.
	TaskPaymentsLink = "payments:link"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// TenantPayload scopes a job to one tenant. Zero means every tenant with data.
type TenantPayload struct {
	TenantID int64 `json:"tenant_id"`
}

// NewLedgerVerifyTask constructs a ledger verification task.
func NewLedgerVerifyTask(tenantID int64) (*asynq.Task, error) {
	return newTenantTask(TaskLedgerVerify, tenantID)
}

// NewPaymentsLinkTask constructs a payment linking task.
func NewPaymentsLinkTask(tenantID int64) (*asynq.Task, error) {
	return newTenantTask(TaskPaymentsLink, tenantID)
}

func newTenantTask(taskType string, tenantID int64) (*asynq.Task, error) {
	if tenantID < 0 {
		return nil, fmt.Errorf("jobs: tenant id must not be negative, got %d", tenantID)
	}
	body, err := json.Marshal(TenantPayload{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

func decodeTenantPayload(task *asynq.Task) (TenantPayload, error) {
	var payload TenantPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("jobs: decode %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	if payload.TenantID < 0 {
		return payload, fmt.Errorf("jobs: negative tenant id in %s payload: %w", task.Type(), asynq.SkipRetry)
	}
	return payload, nil
}
