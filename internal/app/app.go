// Package app assembles the ledger service over the configured store.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/autotopup"
	"github.com/MarkoPoloResearchLab/creditledger/internal/database"
	"github.com/MarkoPoloResearchLab/creditledger/internal/observability"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	StoreGorm = "gorm"
	StorePgx  = "pgx"
)

// Store is what both store implementations offer to the service and the auto top-up controller.
type Store interface {
	ledger.Store
	autotopup.AccountStore
}

// BackendConfig selects the store and seeds the service.
type BackendConfig struct {
	DatabaseURL        string
	StoreKind          string
	DefaultFreeCredits int64
	Plans              ledger.PlanCatalog
	// Now defaults to the UTC wall clock.
	Now func() time.Time
}

// Backend owns the open store and the service built on it.
type Backend struct {
	Service *ledger.Service
	Store   Store
	// Gorm is set for the gorm store only; operator commands use it for account and referral upkeep.
	Gorm    *gormstore.Store
	Metrics *observability.Metrics
	close   func()
}

// Close releases the database connections.
func (backend *Backend) Close() {
	if backend != nil && backend.close != nil {
		backend.close()
	}
}

// Open connects the store, prepares its schema, and wires the service with logging and metrics.
func Open(ctx context.Context, cfg BackendConfig, logger *zap.Logger, registerer prometheus.Registerer) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	backend := &Backend{}
	switch strings.ToLower(strings.TrimSpace(cfg.StoreKind)) {
	case "", StoreGorm:
		handle, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		if err := database.Migrate(handle.DB); err != nil {
			_ = handle.Close()
			return nil, err
		}
		store := gormstore.New(handle.DB)
		backend.Store = store
		backend.Gorm = store
		backend.close = func() { _ = handle.Close() }
	case StorePgx:
		pool, err := database.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		backend.Store = pgstore.New(pool)
		backend.close = pool.Close
	default:
		return nil, fmt.Errorf("unknown store %q (want %s or %s)", cfg.StoreKind, StoreGorm, StorePgx)
	}

	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	backend.Metrics = observability.NewMetrics(registerer)
	options := []ledger.ServiceOption{
		ledger.WithOperationLogger(ledger.OperationLoggers{observability.NewZapOperationLogger(logger), backend.Metrics}),
		ledger.WithDefaultFreeCredits(cfg.DefaultFreeCredits),
	}
	if cfg.Plans != nil {
		options = append(options, ledger.WithPlanCatalog(cfg.Plans))
	}
	service, err := ledger.NewService(backend.Store, now, options...)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	backend.Service = service
	return backend, nil
}
