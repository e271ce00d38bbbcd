package ledger

import (
	"context"
	"slices"
	"time"
)

// ActiveGrants returns the user's grants active at asOf in consumption order.
func (service *Service) ActiveGrants(ctx context.Context, userID UserID, asOf time.Time) ([]Grant, error) {
	return loadOrderedActiveGrants(ctx, service.store, userID, asOf)
}

// CalculateUsageAndBalance reports usage since cycleStart and the settled balance of active grants.
// It never writes to the store.
func (service *Service) CalculateUsageAndBalance(ctx context.Context, userID UserID, cycleStart time.Time) (UsageAndBalance, error) {
	grants, err := service.store.ListGrants(ctx, userID)
	if err != nil {
		return UsageAndBalance{}, err
	}
	return summarizeGrants(grants, cycleStart, service.nowFn()), nil
}

func loadOrderedActiveGrants(ctx context.Context, store Store, userID UserID, asOf time.Time) ([]Grant, error) {
	grants, err := store.ListActiveGrants(ctx, userID, asOf)
	if err != nil {
		return nil, err
	}
	active := make([]Grant, 0, len(grants))
	for _, grant := range grants {
		if grant.ActiveAt(asOf) {
			active = append(active, grant)
		}
	}
	sortGrantsForConsumption(active)
	return active, nil
}

// sortGrantsForConsumption orders by expiry (never-expiring last), then priority, then creation time.
func sortGrantsForConsumption(grants []Grant) {
	slices.SortStableFunc(grants, func(left, right Grant) int {
		switch {
		case left.ExpiresAt == nil && right.ExpiresAt != nil:
			return 1
		case left.ExpiresAt != nil && right.ExpiresAt == nil:
			return -1
		case left.ExpiresAt != nil && right.ExpiresAt != nil:
			if comparison := left.ExpiresAt.Compare(*right.ExpiresAt); comparison != 0 {
				return comparison
			}
		}
		if left.Priority != right.Priority {
			if left.Priority < right.Priority {
				return -1
			}
			return 1
		}
		return left.CreatedAt.Compare(right.CreatedAt)
	})
}

func summarizeGrants(grants []Grant, cycleStart time.Time, now time.Time) UsageAndBalance {
	var usageThisCycle int64
	snapshot := balanceSnapshot{
		breakdown:  map[GrantType]int64{},
		principals: map[GrantType]int64{},
	}
	for _, grant := range grants {
		if grant.CreatedAt.After(cycleStart) || grant.ActiveAt(cycleStart) {
			usageThisCycle += grant.Principal - grant.Balance
		}
		if !grant.ActiveAt(now) {
			continue
		}
		switch {
		case grant.Balance > 0:
			snapshot.positive += grant.Balance
			snapshot.breakdown[grant.Type] += grant.Balance
			snapshot.principals[grant.Type] += grant.Principal
		case grant.Balance < 0:
			snapshot.debt += -grant.Balance
		}
	}
	return UsageAndBalance{
		UsageThisCycle: usageThisCycle,
		Balance:        settleBalance(snapshot),
	}
}

type balanceSnapshot struct {
	positive   int64
	debt       int64
	breakdown  map[GrantType]int64
	principals map[GrantType]int64
}

// settleBalance nets debt against positive balance for reporting only.
func settleBalance(snapshot balanceSnapshot) CreditBalance {
	positive := snapshot.positive
	debt := snapshot.debt
	if positive > 0 && debt > 0 {
		settlement := min(positive, debt)
		positive -= settlement
		debt -= settlement
	}
	return CreditBalance{
		TotalRemaining: positive,
		TotalDebt:      debt,
		NetBalance:     positive - debt,
		Breakdown:      snapshot.breakdown,
		Principals:     snapshot.principals,
	}
}
