package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
)

type issueOutcome struct {
	debtCleared int64
	replayed    bool
}

// IssueGrant clears the user's outstanding debt and records the remainder as a new grant.
// Replaying an operation id that already exists is a no-op.
func (service *Service) IssueGrant(ctx context.Context, request GrantRequest) error {
	var outcome issueOutcome
	attempts := 0
	operationError := validateGrantRequest(request)
	if operationError == nil {
		attempts, operationError = service.runSerializable(ctx, func(ctx context.Context, transactionStore Store) error {
			var err error
			outcome, err = service.issueGrantTx(ctx, transactionStore, request)
			return err
		})
		if errors.Is(operationError, ErrDuplicateOperationID) {
			outcome = issueOutcome{replayed: true}
			operationError = nil
		}
	}
	status := ""
	if outcome.replayed {
		status = OperationStatusReplayed
	}
	service.logOperation(ctx, OperationLog{
		Operation:   OperationIssueGrant,
		UserID:      request.UserID,
		OperationID: request.OperationID,
		GrantType:   request.Type,
		Amount:      request.Amount,
		DebtCleared: outcome.debtCleared,
		Attempts:    attempts,
		Status:      status,
		Error:       operationError,
	})
	return operationError
}

func (service *Service) issueGrantTx(ctx context.Context, transactionStore Store, request GrantRequest) (issueOutcome, error) {
	_, err := transactionStore.GetGrant(ctx, request.OperationID)
	if err == nil {
		return issueOutcome{replayed: true}, nil
	}
	if !errors.Is(err, ErrGrantNotFound) {
		return issueOutcome{}, err
	}

	now := service.nowFn()
	grants, err := loadOrderedActiveGrants(ctx, transactionStore, request.UserID, now)
	if err != nil {
		return issueOutcome{}, err
	}
	debted := lo.Filter(grants, func(grant Grant, _ int) bool { return grant.Balance < 0 })
	totalDebt := lo.SumBy(debted, func(grant Grant) int64 { return -grant.Balance })
	for _, grant := range debted {
		if err := transactionStore.UpdateGrantBalance(ctx, grant.OperationID, grant.Balance, 0); err != nil {
			return issueOutcome{}, err
		}
	}

	remaining := max(0, request.Amount-totalDebt)
	outcome := issueOutcome{debtCleared: min(totalDebt, request.Amount)}
	if remaining == 0 {
		return outcome, nil
	}
	description := request.Description
	if totalDebt > 0 {
		description += fmt.Sprintf(debtClearedNoteFormat, outcome.debtCleared)
	}
	err = transactionStore.InsertGrant(ctx, Grant{
		OperationID: request.OperationID,
		UserID:      request.UserID,
		Type:        request.Type,
		Principal:   request.Amount,
		Balance:     remaining,
		Priority:    request.Type.Priority(),
		Description: description,
		CreatedAt:   now,
		ExpiresAt:   request.ExpiresAt,
	})
	if err != nil {
		return issueOutcome{}, err
	}
	return outcome, nil
}

func validateGrantRequest(request GrantRequest) error {
	if request.UserID.String() == "" {
		return WrapError(errorOperationService, errorSubjectGrant, errorCodeInvalid, ErrInvalidUserID)
	}
	if request.OperationID.String() == "" {
		return WrapError(errorOperationService, errorSubjectGrant, errorCodeInvalid, ErrInvalidOperationID)
	}
	if _, err := ParseGrantType(request.Type.String()); err != nil {
		return WrapError(errorOperationService, errorSubjectGrant, errorCodeInvalid, err)
	}
	if request.Amount <= 0 {
		return WrapError(errorOperationService, errorSubjectAmount, errorCodeInvalid, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount))
	}
	return nil
}

// ProcessAndGrantCredit issues a grant with transient-failure retries. When every attempt fails
// the failure is written to the sync-failure log so the grant can be replayed with the same id.
func (service *Service) ProcessAndGrantCredit(ctx context.Context, request GrantRequest) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(service.grantBackOff(), processGrantMaxRetries), ctx)
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := service.IssueGrant(ctx, request)
		if err != nil && errors.Is(err, ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		failure := SyncFailure{
			ID:            request.OperationID.String(),
			Provider:      syncFailureProviderInternal,
			LastError:     err.Error(),
			LastAttemptAt: service.nowFn(),
			Details: map[string]string{
				"user_id":    request.UserID.String(),
				"grant_type": request.Type.String(),
				"amount":     fmt.Sprintf("%d", request.Amount),
			},
		}
		if logErr := service.store.UpsertSyncFailure(ctx, failure); logErr != nil {
			err = errors.Join(err, logErr)
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:   OperationProcessGrant,
		UserID:      request.UserID,
		OperationID: request.OperationID,
		GrantType:   request.Type,
		Amount:      request.Amount,
		Attempts:    attempts,
		Error:       err,
	})
	return err
}

func newGrantBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = 200 * time.Millisecond
	exponential.MaxInterval = 2 * time.Second
	exponential.MaxElapsedTime = 0
	return exponential
}

// RevokeGrant zeroes a grant and records the reason. Grants carrying debt cannot be revoked.
func (service *Service) RevokeGrant(ctx context.Context, operationID OperationID, reason string) error {
	var grant Grant
	attempts, operationError := service.runSerializable(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		grant, err = transactionStore.GetGrant(ctx, operationID)
		if err != nil {
			return err
		}
		if grant.Balance < 0 {
			return WrapError(errorOperationService, errorSubjectGrant, errorCodeNegative, ErrRevokeNegativeBalance)
		}
		description := grant.Description + fmt.Sprintf(revokedNoteFormat, reason)
		return transactionStore.RevokeGrant(ctx, operationID, grant.Balance, description)
	})
	service.logOperation(ctx, OperationLog{
		Operation:   OperationRevokeGrant,
		UserID:      grant.UserID,
		OperationID: operationID,
		GrantType:   grant.Type,
		Amount:      grant.Balance,
		Attempts:    attempts,
		Error:       operationError,
	})
	return operationError
}
