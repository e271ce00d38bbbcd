package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

// Service contains the domain logic over a Store.
type Service struct {
	store              Store
	nowFn              func() time.Time
	logger             OperationLogger
	plans              PlanCatalog
	defaultFreeCredits int64
	attempts           int
	isConflict         func(error) bool
	grantBackOff       func() backoff.BackOff
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:              store,
		nowFn:              now,
		plans:              flatPlanCatalog{},
		defaultFreeCredits: DefaultFreeCreditsGrant,
		attempts:           DefaultSerializableAttempts,
		isConflict:         IsSerializationConflict,
		grantBackOff:       newGrantBackOff,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Plans exposes the configured plan catalog to collaborators such as the auto top-up controller.
func (service *Service) Plans() PlanCatalog {
	return service.plans
}

// Now returns the service clock reading.
func (service *Service) Now() time.Time {
	return service.nowFn()
}

func (service *Service) runSerializable(ctx context.Context, work TxWork) (int, error) {
	return RunSerializable(ctx, service.store.WithTx, work, service.isConflict, service.attempts)
}

// flatPlanCatalog applies no plan bonus and the default conversion rate.
type flatPlanCatalog struct{}

func (flatPlanCatalog) BaseMonthlyCredits(string) int64 { return 0 }

func (flatPlanCatalog) CentsPerCredit(string) decimal.Decimal { return DefaultCentsPerCredit }
