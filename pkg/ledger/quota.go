package ledger

import (
	"context"
	"time"
)

// CheckQuota reports cycle usage against the credits available in the current cycle.
func (service *Service) CheckQuota(ctx context.Context, userID UserID) (QuotaStatus, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return QuotaStatus{}, err
	}
	cycleEnd := service.nowFn()
	if account.NextQuotaReset != nil {
		cycleEnd = *account.NextQuotaReset
	}
	usage, err := service.CalculateUsageAndBalance(ctx, userID, CycleStart(cycleEnd))
	if err != nil {
		return QuotaStatus{}, err
	}
	return QuotaStatus{
		CreditsUsed:        usage.UsageThisCycle,
		Quota:              usage.UsageThisCycle + usage.Balance.TotalRemaining,
		CycleEnd:           cycleEnd,
		SubscriptionActive: account.StripeCustomerID != "" && account.PlanID != "",
	}, nil
}

// CycleStart returns the start of the billing cycle ending at cycleEnd.
func CycleStart(cycleEnd time.Time) time.Time {
	return cycleEnd.AddDate(0, -1, 0)
}

// AccountCycleStart resolves the start of the account's current cycle.
func AccountCycleStart(account Account, now time.Time) time.Time {
	if account.NextQuotaReset == nil {
		return CycleStart(now)
	}
	return CycleStart(*account.NextQuotaReset)
}
