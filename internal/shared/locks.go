package shared

import "fmt"

// SequenceLockKey builds the advisory lock key serializing number issuance per tenant and series.
func SequenceLockKey(tenantID int64, series string) string {
	return fmt.Sprintf("seq:%d:%s", tenantID, series)
}

// PaymentLinkLockKey builds redis keys for the per-tenant payment linking critical section.
func PaymentLinkLockKey(tenantID int64) string {
	return fmt.Sprintf("payments:link:%d:lock", tenantID)
}
