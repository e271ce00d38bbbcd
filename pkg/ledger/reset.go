package ledger

import (
	"context"
	"fmt"
	"time"
)

// TriggerMonthlyResetAndGrant advances the user's quota reset date and issues the monthly free
// grant, plus a referral grant when the user has referral credits, once the stored date has passed.
// The free amount is the plan's base credits, or the previous expired free grant when the plan
// has none. While the stored date is still in the future it is returned unchanged, so callers may
// invoke this on every request.
func (service *Service) TriggerMonthlyResetAndGrant(ctx context.Context, userID UserID) (time.Time, error) {
	var (
		effectiveReset time.Time
		freeAmount     int64
		referralBonus  int64
		operationID    OperationID
		debtCleared    int64
		granted        bool
	)
	attempts, operationError := service.runSerializable(ctx, func(ctx context.Context, transactionStore Store) error {
		granted = false
		debtCleared = 0
		now := service.nowFn()
		account, err := transactionStore.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		if account.NextQuotaReset != nil && account.NextQuotaReset.After(now) {
			effectiveReset = *account.NextQuotaReset
			return nil
		}

		nextReset := NextQuotaReset(account.NextQuotaReset, now)
		freeAmount = service.plans.BaseMonthlyCredits(account.PlanID)
		if freeAmount <= 0 {
			freeAmount, err = previousFreeGrantAmount(ctx, transactionStore, userID, now, service.defaultFreeCredits)
			if err != nil {
				return err
			}
		}
		referralBonus, err = transactionStore.SumReferralCredits(ctx, userID)
		if err != nil {
			return err
		}

		if err := transactionStore.UpdateNextQuotaReset(ctx, userID, account.NextQuotaReset, nextReset); err != nil {
			return err
		}
		expiresAt := nextReset
		operationID, err = NewOperationID(fmt.Sprintf(monthlyResetIDFormat, userID.String(), nextReset.Unix()))
		if err != nil {
			return err
		}
		outcome, err := service.issueGrantTx(ctx, transactionStore, GrantRequest{
			UserID:      userID,
			OperationID: operationID,
			Type:        GrantTypeFree,
			Amount:      freeAmount,
			Description: monthlyGrantNote,
			ExpiresAt:   &expiresAt,
		})
		if err != nil {
			return err
		}
		debtCleared = outcome.debtCleared

		// The bonus is a separate grant so the free principal carried into next cycle stays unchanged.
		if referralBonus > 0 {
			referralID, err := NewOperationID(fmt.Sprintf(monthlyReferralIDFormat, userID.String(), nextReset.Unix()))
			if err != nil {
				return err
			}
			outcome, err := service.issueGrantTx(ctx, transactionStore, GrantRequest{
				UserID:      userID,
				OperationID: referralID,
				Type:        GrantTypeReferral,
				Amount:      referralBonus,
				Description: monthlyReferralNote,
				ExpiresAt:   &expiresAt,
			})
			if err != nil {
				return err
			}
			debtCleared += outcome.debtCleared
		}
		effectiveReset = nextReset
		granted = true
		return nil
	})
	entry := OperationLog{
		Operation: OperationMonthlyReset,
		UserID:    userID,
		Attempts:  attempts,
		Error:     operationError,
	}
	if granted {
		entry.OperationID = operationID
		entry.GrantType = GrantTypeFree
		entry.Amount = freeAmount + referralBonus
		entry.DebtCleared = debtCleared
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return time.Time{}, operationError
	}
	return effectiveReset, nil
}

// NextQuotaReset advances current month by month until it lies strictly after now.
// A nil current date starts from now. Days past the end of a shorter month clamp to its last day.
func NextQuotaReset(current *time.Time, now time.Time) time.Time {
	anchor := now
	if current != nil {
		anchor = *current
	}
	next := anchor
	for months := 1; !next.After(now); months++ {
		next = addMonthsClamped(anchor, months)
	}
	return next
}

func addMonthsClamped(anchor time.Time, months int) time.Time {
	year, month, day := anchor.Date()
	first := time.Date(year, month+time.Month(months), 1, anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), anchor.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(day, lastDay)-1)
}

// PreviousFreeGrantAmount returns the principal of the user's most recently expired free grant,
// capped at MaxCarriedFreeCredits, or the configured default when none has expired yet.
func (service *Service) PreviousFreeGrantAmount(ctx context.Context, userID UserID) (int64, error) {
	return previousFreeGrantAmount(ctx, service.store, userID, service.nowFn(), service.defaultFreeCredits)
}

// ReferralBonus sums the referral credits the user earned as referrer or referee.
func (service *Service) ReferralBonus(ctx context.Context, userID UserID) (int64, error) {
	return service.store.SumReferralCredits(ctx, userID)
}

func previousFreeGrantAmount(ctx context.Context, store Store, userID UserID, now time.Time, fallback int64) (int64, error) {
	grant, found, err := store.LatestExpiredGrant(ctx, userID, GrantTypeFree, now)
	if err != nil {
		return 0, err
	}
	if !found || grant.Principal <= 0 {
		return fallback, nil
	}
	return min(grant.Principal, MaxCarriedFreeCredits), nil
}
