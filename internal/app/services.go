package app

import (
	"fmt"
	"log/slog"

	"github.com/billhub/billhub/internal/accounts"
	"github.com/billhub/billhub/internal/billables"
	"github.com/billhub/billhub/internal/documents"
	"github.com/billhub/billhub/internal/inventory"
	"github.com/billhub/billhub/internal/ledger"
	"github.com/billhub/billhub/internal/observability"
	"github.com/billhub/billhub/internal/pricing"
	"github.com/billhub/billhub/internal/returns"
	"github.com/billhub/billhub/internal/sequence"
)

// Services bundles the domain services sharing one ledger store.
type Services struct {
	Documents *documents.Service
	Returns   *returns.Service
	Accounts  *accounts.Service
	Inventory *inventory.Service
	Billables *billables.Service
}

// NewServices wires the domain services from configuration.
func NewServices(cfg *Config, store ledger.Store, metrics *observability.Metrics, logger *slog.Logger) (*Services, error) {
	calc, err := pricing.NewCalculator(cfg.Tax())
	if err != nil {
		return nil, fmt.Errorf("app: pricing: %w", err)
	}
	alloc := sequence.NewAllocator(logger, append(cfg.AllocatorOptions(), sequence.WithRecorder(metrics))...)
	return &Services{
		Documents: documents.NewService(store, alloc, calc, cfg.Series(), logger, metrics),
		Returns:   returns.NewService(store, alloc, calc, cfg.ReturnSeries, logger, metrics, cfg.ReturnOptions()...),
		Accounts:  accounts.NewService(store, logger, metrics),
		Inventory: inventory.NewService(store, logger),
		Billables: billables.NewService(store, logger),
	}, nil
}

// Handlers fills the HTTP handlers of params from the services.
func (s *Services) Handlers(params *RouterParams) {
	params.DocumentsHandler = documents.NewHandler(params.Logger, s.Documents)
	params.ReturnsHandler = returns.NewHandler(params.Logger, s.Returns)
	params.AccountsHandler = accounts.NewHandler(params.Logger, s.Accounts)
	params.InventoryHandler = inventory.NewHandler(params.Logger, s.Inventory)
	params.BillablesHandler = billables.NewHandler(params.Logger, s.Billables)
}
