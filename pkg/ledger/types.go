package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies a grant owner.
type UserID struct {
	value string
}

// OperationID identifies a grant and doubles as its idempotency key.
type OperationID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewOperationID validates and normalizes an operation id.
func NewOperationID(raw string) (OperationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OperationID{}, fmt.Errorf("%w: empty value", ErrInvalidOperationID)
	}
	return OperationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OperationID) String() string {
	return id.value
}

// GrantType enumerates credit sources.
type GrantType string

const (
	GrantTypeFree     GrantType = "free"
	GrantTypeReferral GrantType = "referral"
	GrantTypeAdmin    GrantType = "admin"
	GrantTypePurchase GrantType = "purchase"
)

// Lower priority values are consumed first.
var grantTypePriorities = map[GrantType]int{
	GrantTypeFree:     20,
	GrantTypeReferral: 40,
	GrantTypeAdmin:    60,
	GrantTypePurchase: 80,
}

// ParseGrantType validates a stored or requested grant type.
func ParseGrantType(raw string) (GrantType, error) {
	grantType := GrantType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := grantTypePriorities[grantType]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidGrantType, raw)
	}
	return grantType, nil
}

// Priority returns the consumption priority of the grant type.
func (grantType GrantType) Priority() int {
	return grantTypePriorities[grantType]
}

// String returns the stored representation.
func (grantType GrantType) String() string {
	return string(grantType)
}

// Grant is one ledger row. Only Balance changes after creation.
type Grant struct {
	OperationID OperationID
	UserID      UserID
	Type        GrantType
	Principal   int64
	Balance     int64
	Priority    int
	Description string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// ActiveAt reports whether the grant can be drawn from at the given instant.
func (grant Grant) ActiveAt(at time.Time) bool {
	return grant.ExpiresAt == nil || grant.ExpiresAt.After(at)
}

// CreditBalance is the settled aggregate over a user's active grants.
type CreditBalance struct {
	TotalRemaining int64
	TotalDebt      int64
	NetBalance     int64
	Breakdown      map[GrantType]int64
	Principals     map[GrantType]int64
}

// UsageAndBalance pairs cycle usage with the current balance.
type UsageAndBalance struct {
	UsageThisCycle int64
	Balance        CreditBalance
}

// ConsumptionResult splits a consumption into its accounting parts.
type ConsumptionResult struct {
	Consumed      int64
	FromPurchased int64
}

// GrantRequest describes a grant to issue.
type GrantRequest struct {
	UserID      UserID
	OperationID OperationID
	Type        GrantType
	Amount      int64
	Description string
	ExpiresAt   *time.Time
}

// AutoTopupSettings holds the user's replenishment preferences.
type AutoTopupSettings struct {
	Enabled       bool
	Threshold     int64
	Amount        int64
	BlockedReason string
}

// Account holds the per-user billing state the ledger reads.
type Account struct {
	UserID           UserID
	PlanID           string
	NextQuotaReset   *time.Time
	StripeCustomerID string
	AutoTopup        AutoTopupSettings
}

// SyncFailure is an entry in the reconciliation log.
type SyncFailure struct {
	ID            string
	Provider      string
	LastError     string
	LastAttemptAt time.Time
	Details       map[string]string
}

// QuotaStatus is the read-only quota view used for usage gating.
type QuotaStatus struct {
	CreditsUsed        int64
	Quota              int64
	CycleEnd           time.Time
	SubscriptionActive bool
}

// PlanCatalog maps a billing plan to its monthly base grant and conversion rate.
type PlanCatalog interface {
	BaseMonthlyCredits(planID string) int64
	CentsPerCredit(planID string) decimal.Decimal
}

// Store is the persistence contract used by Service.
// WithTx must run fn at serializable isolation and report conflicts as ErrSerializationConflict.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	ListGrants(ctx context.Context, userID UserID) ([]Grant, error)
	ListActiveGrants(ctx context.Context, userID UserID, asOf time.Time) ([]Grant, error)
	GetGrant(ctx context.Context, operationID OperationID) (Grant, error)
	InsertGrant(ctx context.Context, grant Grant) error
	UpdateGrantBalance(ctx context.Context, operationID OperationID, from int64, to int64) error
	RevokeGrant(ctx context.Context, operationID OperationID, expectedBalance int64, description string) error
	LatestExpiredGrant(ctx context.Context, userID UserID, grantType GrantType, asOf time.Time) (Grant, bool, error)
	SumReferralCredits(ctx context.Context, userID UserID) (int64, error)
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	UpdateNextQuotaReset(ctx context.Context, userID UserID, from *time.Time, to time.Time) error
	UpsertSyncFailure(ctx context.Context, failure SyncFailure) error
}
