package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

type stubPlanCatalog struct {
	base map[string]int64
}

func (catalog stubPlanCatalog) BaseMonthlyCredits(planID string) int64 {
	return catalog.base[planID]
}

func (catalog stubPlanCatalog) CentsPerCredit(string) decimal.Decimal {
	return decimal.NewFromInt(2)
}

func TestNextQuotaReset(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		current *time.Time
		now     time.Time
		want    time.Time
	}{
		{name: "unset starts from now", current: nil, want: testNow.AddDate(0, 1, 0)},
		{name: "keeps the billing day", current: timePointer(time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)), want: time.Date(2026, time.April, 5, 0, 0, 0, 0, time.UTC)},
		{name: "boundary equal to now advances", current: timePointer(testNow), want: testNow.AddDate(0, 1, 0)},
		{name: "month end clamps into february", current: timePointer(time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)), now: time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC), want: time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC)},
		{name: "month end keeps the anchor day after february", current: timePointer(time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC)), now: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC), want: time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC)},
		{name: "leap year february", current: timePointer(time.Date(2028, time.January, 30, 0, 0, 0, 0, time.UTC)), now: time.Date(2028, time.February, 1, 0, 0, 0, 0, time.UTC), want: time.Date(2028, time.February, 29, 0, 0, 0, 0, time.UTC)},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			now := testNow
			if !testCase.now.IsZero() {
				now = testCase.now
			}
			got := NextQuotaReset(testCase.current, now)
			if !got.Equal(testCase.want) {
				test.Fatalf(errorMismatchMessage, testCase.want, got)
			}
		})
	}
}

func TestTriggerMonthlyResetAndGrantIssuesOnce(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	userID := mustUserID(test, userIDValue)
	previousReset := testNow.Add(-time.Hour)
	store.seedAccount(test, Account{UserID: userID, PlanID: "pro", NextQuotaReset: &previousReset})
	store.seedGrant(test, newGrant(test, "old-free", GrantTypeFree, 800, 0, testNow.AddDate(0, -1, 0), &previousReset))
	store.referrals[userIDValue] = 250
	service := mustNewService(test, store, WithPlanCatalog(stubPlanCatalog{base: map[string]int64{"pro": 1000}}))

	first, err := service.TriggerMonthlyResetAndGrant(context.Background(), userID)
	if err != nil {
		test.Fatalf("reset failed: %v", err)
	}
	wantReset := previousReset.AddDate(0, 1, 0)
	if !first.Equal(wantReset) {
		test.Fatalf(errorMismatchMessage, wantReset, first)
	}
	second, err := service.TriggerMonthlyResetAndGrant(context.Background(), userID)
	if err != nil {
		test.Fatalf("second reset failed: %v", err)
	}
	if !second.Equal(first) {
		test.Fatalf("expected unchanged reset date, got %v", second)
	}
	if store.grantCount() != 3 {
		test.Fatalf("expected one free and one referral grant, got %d grants", store.grantCount())
	}
	created := store.grant(test, fmt.Sprintf("free-%s-%d", userIDValue, wantReset.Unix()))
	if created.Type != GrantTypeFree || created.Principal != 1000 || created.Balance != 1000 || !created.ExpiresAt.Equal(wantReset) {
		test.Fatalf("unexpected monthly grant: %+v", created)
	}
	referral := store.grant(test, fmt.Sprintf("referral-%s-%d", userIDValue, wantReset.Unix()))
	if referral.Type != GrantTypeReferral || referral.Principal != 250 || !referral.ExpiresAt.Equal(wantReset) {
		test.Fatalf("unexpected referral grant: %+v", referral)
	}
}

func TestTriggerMonthlyResetKeepsFreeAmountFlatAcrossCycles(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		planID   string
		wantFree int64
	}{
		{name: "plan base", planID: "pro", wantFree: 1000},
		{name: "carried default", planID: "", wantFree: 300},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newMemoryStore(test)
			userID := mustUserID(test, userIDValue)
			store.seedAccount(test, Account{UserID: userID, PlanID: testCase.planID})
			store.referrals[userIDValue] = 250
			now := testNow
			service, err := NewService(store, func() time.Time { return now },
				WithGrantBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
				WithPlanCatalog(stubPlanCatalog{base: map[string]int64{"pro": 1000}}),
				WithDefaultFreeCredits(300),
			)
			if err != nil {
				test.Fatalf("service init failed: %v", err)
			}

			for cycle := 0; cycle < 4; cycle++ {
				resetAt, err := service.TriggerMonthlyResetAndGrant(context.Background(), userID)
				if err != nil {
					test.Fatalf("reset %d failed: %v", cycle, err)
				}
				free := store.grant(test, fmt.Sprintf("free-%s-%d", userIDValue, resetAt.Unix()))
				if free.Principal != testCase.wantFree {
					test.Fatalf("cycle %d: expected free principal %d, got %d", cycle, testCase.wantFree, free.Principal)
				}
				referral := store.grant(test, fmt.Sprintf("referral-%s-%d", userIDValue, resetAt.Unix()))
				if referral.Principal != 250 {
					test.Fatalf("cycle %d: expected referral principal 250, got %d", cycle, referral.Principal)
				}
				now = resetAt.Add(time.Hour)
			}
			if store.grantCount() != 8 {
				test.Fatalf("expected 8 grants after 4 cycles, got %d", store.grantCount())
			}
		})
	}
}

func TestTriggerMonthlyResetUsesDefaultWithoutExpiredFreeGrant(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	userID := mustUserID(test, userIDValue)
	store.seedAccount(test, Account{UserID: userID})
	store.seedGrant(test, newGrant(test, "admin-1", GrantTypeAdmin, 100, -40, testNow.Add(-time.Hour), nil))
	service := mustNewService(test, store, WithDefaultFreeCredits(300))

	resetAt, err := service.TriggerMonthlyResetAndGrant(context.Background(), userID)
	if err != nil {
		test.Fatalf("reset failed: %v", err)
	}
	created := store.grant(test, fmt.Sprintf("free-%s-%d", userIDValue, resetAt.Unix()))
	if created.Principal != 300 || created.Balance != 260 {
		test.Fatalf("expected debt cleared from the monthly grant, got %+v", created)
	}
	if got := store.grant(test, "admin-1").Balance; got != 0 {
		test.Fatalf("expected debt zeroed, got %d", got)
	}
}

func TestTriggerMonthlyResetNoopWhileResetInFuture(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	userID := mustUserID(test, userIDValue)
	future := testNow.Add(72 * time.Hour)
	store.seedAccount(test, Account{UserID: userID, NextQuotaReset: &future})
	service := mustNewService(test, store)

	got, err := service.TriggerMonthlyResetAndGrant(context.Background(), userID)
	if err != nil {
		test.Fatalf("reset failed: %v", err)
	}
	if !got.Equal(future) || store.grantCount() != 0 {
		test.Fatalf("expected no-op, got %v with %d grants", got, store.grantCount())
	}
}

func TestTriggerMonthlyResetUnknownAccount(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newMemoryStore(test))
	_, err := service.TriggerMonthlyResetAndGrant(context.Background(), mustUserID(test, "ghost"))
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf(errorMismatchMessage, ErrAccountNotFound, err)
	}
}

func TestPreviousFreeGrantAmountPicksMostRecentExpiry(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	store.seedGrant(test, newGrant(test, "free-jan", GrantTypeFree, 400, 0, testNow.AddDate(0, -3, 0), timePointer(testNow.AddDate(0, -2, 0))))
	store.seedGrant(test, newGrant(test, "free-feb", GrantTypeFree, 650, 0, testNow.AddDate(0, -2, 0), timePointer(testNow.AddDate(0, -1, 0))))
	store.seedGrant(test, newGrant(test, "free-current", GrantTypeFree, 900, 900, testNow.AddDate(0, -1, 0), timePointer(testNow.AddDate(0, 0, 5))))
	service := mustNewService(test, store)

	amount, err := service.PreviousFreeGrantAmount(context.Background(), mustUserID(test, userIDValue))
	if err != nil {
		test.Fatalf("previous amount failed: %v", err)
	}
	if amount != 650 {
		test.Fatalf("expected 650, got %d", amount)
	}
	store.referrals[userIDValue] = 125
	bonus, err := service.ReferralBonus(context.Background(), mustUserID(test, userIDValue))
	if err != nil || bonus != 125 {
		test.Fatalf("expected referral bonus 125, got %d (%v)", bonus, err)
	}
}

func TestPreviousFreeGrantAmountIsCapped(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	store.seedGrant(test, newGrant(test, "free-inflated", GrantTypeFree, 7300, 0, testNow.AddDate(0, -2, 0), timePointer(testNow.AddDate(0, -1, 0))))
	service := mustNewService(test, store)

	amount, err := service.PreviousFreeGrantAmount(context.Background(), mustUserID(test, userIDValue))
	if err != nil {
		test.Fatalf("previous amount failed: %v", err)
	}
	if amount != MaxCarriedFreeCredits {
		test.Fatalf(errorMismatchMessage, MaxCarriedFreeCredits, amount)
	}
}
