// Package inventory registers stock items. Quantities move afterwards only through signed
// deltas recorded by settlement.
package inventory

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/billhub/billhub/internal/shared"
)

// CreateItemInput describes a stock item to register.
type CreateItemInput struct {
	TenantID        int64
	SKU             string
	Name            string
	InitialQuantity decimal.Decimal
}

// ErrDuplicateSKU rejects a SKU already used by the tenant.
var ErrDuplicateSKU = fmt.Errorf("inventory: sku already registered: %w", shared.ErrStateConflict)
