package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditGrant mirrors the credit_grants table.
type CreditGrant struct {
	OperationID string     `gorm:"primaryKey"`
	UserID      string     `gorm:"not null;index:idx_credit_grants_user_expires,priority:1"`
	Principal   int64      `gorm:"not null"`
	Balance     int64      `gorm:"not null"`
	Type        string     `gorm:"not null"`
	Priority    int        `gorm:"not null"`
	Description string     `gorm:"not null;default:''"`
	ExpiresAt   *time.Time `gorm:"index:idx_credit_grants_user_expires,priority:2"`
	CreatedAt   time.Time  `gorm:"not null"`
}

func (CreditGrant) TableName() string { return "credit_grants" }

// Account mirrors the accounts table.
type Account struct {
	UserID                 string `gorm:"primaryKey"`
	PlanID                 string `gorm:"not null;default:''"`
	NextQuotaReset         *time.Time
	StripeCustomerID       string `gorm:"not null;default:''"`
	AutoTopupEnabled       bool   `gorm:"not null;default:false"`
	AutoTopupThreshold     int64  `gorm:"not null;default:0"`
	AutoTopupAmount        int64  `gorm:"not null;default:0"`
	AutoTopupBlockedReason string `gorm:"not null;default:''"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (Account) TableName() string { return "accounts" }

// Referral mirrors the referrals table.
type Referral struct {
	ReferralID string    `gorm:"primaryKey"`
	ReferrerID string    `gorm:"not null;index"`
	ReferredID string    `gorm:"not null;index"`
	Credits    int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (Referral) TableName() string { return "referrals" }

func (referral *Referral) BeforeCreate(tx *gorm.DB) error {
	if referral.ReferralID == "" {
		referral.ReferralID = uuid.NewString()
	}
	return nil
}

// SyncFailure mirrors the sync_failures table.
type SyncFailure struct {
	ID            string         `gorm:"primaryKey"`
	Provider      string         `gorm:"not null"`
	LastError     string         `gorm:"not null"`
	LastAttemptAt time.Time      `gorm:"not null"`
	RetryCount    int            `gorm:"not null;default:1"`
	Details       datatypes.JSON `gorm:"not null"`
}

func (SyncFailure) TableName() string { return "sync_failures" }

// AutoTopupInFlight marks a user whose auto top-up charge is in progress.
type AutoTopupInFlight struct {
	UserID    string    `gorm:"primaryKey"`
	StartedAt time.Time `gorm:"not null"`
}

func (AutoTopupInFlight) TableName() string { return "auto_topup_in_flight" }

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&CreditGrant{}, &Account{}, &Referral{}, &SyncFailure{}, &AutoTopupInFlight{}}
}
