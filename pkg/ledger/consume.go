package ledger

import (
	"context"
	"fmt"
)

// balanceUpdate is a single compare-and-set write produced by a consumption plan.
type balanceUpdate struct {
	operationID OperationID
	from        int64
	to          int64
}

type consumptionPlan struct {
	updates     []balanceUpdate
	result      ConsumptionResult
	debtCreated int64
}

// ConsumeCredits draws amount from the user's active grants and converts any shortfall into debt
// on the last grant in consumption order.
func (service *Service) ConsumeCredits(ctx context.Context, userID UserID, amount int64) (ConsumptionResult, error) {
	var plan consumptionPlan
	attempts := 0
	var operationError error
	if amount <= 0 {
		operationError = WrapError(errorOperationService, errorSubjectAmount, errorCodeInvalid, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount))
	} else {
		attempts, operationError = service.runSerializable(ctx, func(ctx context.Context, transactionStore Store) error {
			grants, err := loadOrderedActiveGrants(ctx, transactionStore, userID, service.nowFn())
			if err != nil {
				return err
			}
			if len(grants) == 0 {
				return WrapError(errorOperationService, errorSubjectGrant, errorCodeNoGrants, ErrNoActiveGrants)
			}
			plan = planConsumption(grants, amount)
			for _, update := range plan.updates {
				if err := transactionStore.UpdateGrantBalance(ctx, update.operationID, update.from, update.to); err != nil {
					return err
				}
			}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:     OperationConsume,
		UserID:        userID,
		Amount:        amount,
		FromPurchased: plan.result.FromPurchased,
		DebtCreated:   plan.debtCreated,
		Attempts:      attempts,
		Error:         operationError,
	})
	if operationError != nil {
		return ConsumptionResult{}, operationError
	}
	return plan.result, nil
}

// planConsumption computes the balance changes for drawing amount from grants, which must
// already be in consumption order. It does not mutate its input.
func planConsumption(grants []Grant, amount int64) consumptionPlan {
	balances := make([]int64, len(grants))
	for index, grant := range grants {
		balances[index] = grant.Balance
	}
	remaining := amount
	var result ConsumptionResult

	// Existing debt is repaid before any positive balance is drawn.
	for index := range grants {
		if remaining <= 0 {
			break
		}
		if balances[index] >= 0 {
			continue
		}
		repaid := min(-balances[index], remaining)
		balances[index] += repaid
		remaining -= repaid
		result.Consumed += repaid
	}

	for index, grant := range grants {
		if remaining <= 0 {
			break
		}
		if balances[index] <= 0 {
			continue
		}
		drawn := min(remaining, balances[index])
		balances[index] -= drawn
		remaining -= drawn
		result.Consumed += drawn
		if grant.Type == GrantTypePurchase {
			result.FromPurchased += drawn
		}
	}

	var debtCreated int64
	if remaining > 0 && len(grants) > 0 {
		last := len(grants) - 1
		balances[last] -= remaining
		result.Consumed += remaining
		debtCreated = remaining
	}

	updates := make([]balanceUpdate, 0, len(grants))
	for index, grant := range grants {
		if balances[index] != grant.Balance {
			updates = append(updates, balanceUpdate{operationID: grant.OperationID, from: grant.Balance, to: balances[index]})
		}
	}
	return consumptionPlan{updates: updates, result: result, debtCreated: debtCreated}
}
