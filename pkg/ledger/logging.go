package ledger

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	OperationID   OperationID
	GrantType     GrantType
	Amount        int64
	FromPurchased int64
	DebtCreated   int64
	DebtCleared   int64
	Attempts      int
	Status        string
	Error         error
}

// OperationLoggers fans one entry out to several loggers.
type OperationLoggers []OperationLogger

// LogOperation forwards the entry to every non-nil logger.
func (loggers OperationLoggers) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPlanCatalog overrides the plan catalog used for monthly grants and conversion.
func WithPlanCatalog(catalog PlanCatalog) ServiceOption {
	return func(service *Service) {
		if catalog != nil {
			service.plans = catalog
		}
	}
}

// WithDefaultFreeCredits sets the monthly grant used when a user has no expired free grant.
func WithDefaultFreeCredits(credits int64) ServiceOption {
	return func(service *Service) {
		if credits > 0 {
			service.defaultFreeCredits = credits
		}
	}
}

// WithSerializableAttempts bounds the serializable retry loop.
func WithSerializableAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.attempts = attempts
		}
	}
}

// WithConflictClassifier replaces the predicate deciding which errors are retried.
func WithConflictClassifier(isConflict func(error) bool) ServiceOption {
	return func(service *Service) {
		if isConflict != nil {
			service.isConflict = isConflict
		}
	}
}

// WithGrantBackOff replaces the pause policy between ProcessAndGrantCredit attempts.
func WithGrantBackOff(factory func() backoff.BackOff) ServiceOption {
	return func(service *Service) {
		if factory != nil {
			service.grantBackOff = factory
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Error != nil {
		entry.Status = OperationStatusError
	} else if entry.Status == "" {
		entry.Status = OperationStatusOK
	}
	service.logger.LogOperation(ctx, entry)
}
