package inventory

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/pricing"
	"github.com/billhub/billhub/internal/shared"
)

// Service coordinates stock item registration.
type Service struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewService builds Service.
func NewService(store ledger.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// CreateItem registers a stock item with its opening quantity.
func (s *Service) CreateItem(ctx context.Context, input CreateItemInput) (*ledger.StockItem, error) {
	input.SKU = strings.TrimSpace(input.SKU)
	input.Name = strings.TrimSpace(input.Name)
	verr := &shared.ValidationError{Fields: map[string]string{}}
	if input.TenantID <= 0 {
		verr.Fields["tenant_id"] = "is required"
	}
	if input.SKU == "" {
		verr.Fields["sku"] = "is required"
	}
	if input.Name == "" {
		verr.Fields["name"] = "is required"
	}
	if input.InitialQuantity.IsNegative() {
		verr.Fields["quantity"] = "must not be negative"
	} else if err := pricing.CheckQuantity(input.InitialQuantity); err != nil {
		verr.Fields["quantity"] = err.Error()
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}

	item := &ledger.StockItem{TenantID: input.TenantID, SKU: input.SKU, Name: input.Name, Quantity: input.InitialQuantity}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.InsertStockItem(ctx, item)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateSKU) {
			return nil, ErrDuplicateSKU
		}
		return nil, err
	}
	s.logger.InfoContext(ctx, "stock item created",
		slog.Int64("tenant_id", item.TenantID),
		slog.Int64("stock_item_id", item.ID),
		slog.String("sku", item.SKU))
	return item, nil
}

// Get returns a stock item of the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (*ledger.StockItem, error) {
	return s.store.StockItem(ctx, tenantID, id)
}
