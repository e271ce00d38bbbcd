package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dialectPostgres               = "postgres"
	defaultDetailsJSON            = "{}"
	pgUniqueViolationCode         = "23505"
	pgSerializationFailureCode    = "40001"
	pgDeadlockDetectedCode        = "40P01"
	sqliteBusyCode                = 5
	sqliteLockedCode              = 6
	sqliteConstraintCode          = 19
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectGrant             = "grant"
	errorSubjectReferral          = "referral"
	errorSubjectSyncFailure       = "sync_failure"
	errorSubjectTopup             = "auto_topup"
	errorSubjectTransaction       = "transaction"
	errorCodeConflict             = "conflict"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeSum                  = "sum"
	errorCodeUpdate               = "update"
	errorCodeUpsert               = "upsert"
	errorCodeDelete               = "delete"
	orderGrantsForConsumption     = "expires_at IS NULL, expires_at ASC, priority ASC, created_at ASC"
	orderGrantsByMostRecentExpiry = "expires_at DESC"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db   *gorm.DB
	inTx bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a serializable transaction. SQLite transactions are serializable
// already, so the isolation level is only requested from PostgreSQL.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	var options []*sql.TxOptions
	if store.db.Dialector.Name() == dialectPostgres {
		options = append(options, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, inTx: true})
	}, options...)
	if err == nil || errors.Is(err, ledger.ErrSerializationConflict) {
		return err
	}
	if isSerializationConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeConflict, fmt.Errorf("%w: %w", ledger.ErrSerializationConflict, err))
	}
	return err
}

func (store *Store) ListGrants(ctx context.Context, userID ledger.UserID) ([]ledger.Grant, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return mapGrants(rows)
}

func (store *Store) ListActiveGrants(ctx context.Context, userID ledger.UserID, asOf time.Time) ([]ledger.Grant, error) {
	query := store.db.WithContext(ctx)
	if store.inTx {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []CreditGrant
	err := query.
		Where("user_id = ?", userID.String()).
		Where("(expires_at IS NULL OR expires_at > ?)", asOf.UTC()).
		Order(orderGrantsForConsumption).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return mapGrants(rows)
}

func (store *Store) GetGrant(ctx context.Context, operationID ledger.OperationID) (ledger.Grant, error) {
	var row CreditGrant
	err := store.db.WithContext(ctx).
		Where("operation_id = ?", operationID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, ledger.ErrGrantNotFound)
		}
		return ledger.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
	}
	grant, err := mapGrant(row)
	if err != nil {
		return ledger.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return grant, nil
}

func (store *Store) InsertGrant(ctx context.Context, grant ledger.Grant) error {
	row := CreditGrant{
		OperationID: grant.OperationID.String(),
		UserID:      grant.UserID.String(),
		Principal:   grant.Principal,
		Balance:     grant.Balance,
		Type:        grant.Type.String(),
		Priority:    grant.Priority,
		Description: grant.Description,
		ExpiresAt:   utcPointer(grant.ExpiresAt),
		CreatedAt:   grant.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectGrant, errorCodeDuplicate, ledger.ErrDuplicateOperationID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
	}
	return nil
}

// UpdateGrantBalance is a compare-and-set: a balance that moved since it was read is reported
// as a serialization conflict so the caller's transaction is retried.
func (store *Store) UpdateGrantBalance(ctx context.Context, operationID ledger.OperationID, from int64, to int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditGrant{}).
		Where("operation_id = ? AND balance = ?", operationID.String(), from).
		Update("balance", to)
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeConflict, ledger.ErrSerializationConflict)
	}
	return nil
}

func (store *Store) RevokeGrant(ctx context.Context, operationID ledger.OperationID, expectedBalance int64, description string) error {
	result := store.db.WithContext(ctx).
		Model(&CreditGrant{}).
		Where("operation_id = ? AND balance = ?", operationID.String(), expectedBalance).
		Updates(map[string]any{"principal": 0, "balance": 0, "description": description})
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeConflict, ledger.ErrSerializationConflict)
	}
	return nil
}

func (store *Store) LatestExpiredGrant(ctx context.Context, userID ledger.UserID, grantType ledger.GrantType, asOf time.Time) (ledger.Grant, bool, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND type = ?", userID.String(), grantType.String()).
		Where("expires_at IS NOT NULL AND expires_at <= ?", asOf.UTC()).
		Order(orderGrantsByMostRecentExpiry).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return ledger.Grant{}, false, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	if len(rows) == 0 {
		return ledger.Grant{}, false, nil
	}
	grant, err := mapGrant(rows[0])
	if err != nil {
		return ledger.Grant{}, false, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return grant, true, nil
}

func (store *Store) SumReferralCredits(ctx context.Context, userID ledger.UserID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Referral{}).
		Select("coalesce(sum(credits),0) as total").
		Where("referrer_id = ? OR referred_id = ?", userID.String(), userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectReferral, errorCodeSum, err)
	}
	return sum.Total, nil
}

// AddReferral records a referral bonus shared by referrer and referred user.
func (store *Store) AddReferral(ctx context.Context, referrerID ledger.UserID, referredID ledger.UserID, credits int64) error {
	row := Referral{
		ReferrerID: referrerID.String(),
		ReferredID: referredID.String(),
		Credits:    credits,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectReferral, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	row, err := store.takeAccount(ctx, userID)
	if err != nil {
		return ledger.Account{}, err
	}
	return mapAccount(row)
}

// SaveAccount creates or replaces the user's account settings.
func (store *Store) SaveAccount(ctx context.Context, account ledger.Account) error {
	row := Account{
		UserID:                 account.UserID.String(),
		PlanID:                 account.PlanID,
		NextQuotaReset:         utcPointer(account.NextQuotaReset),
		StripeCustomerID:       account.StripeCustomerID,
		AutoTopupEnabled:       account.AutoTopup.Enabled,
		AutoTopupThreshold:     account.AutoTopup.Threshold,
		AutoTopupAmount:        account.AutoTopup.Amount,
		AutoTopupBlockedReason: account.AutoTopup.BlockedReason,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"plan_id", "next_quota_reset", "stripe_customer_id", "auto_topup_enabled",
				"auto_topup_threshold", "auto_topup_amount", "auto_topup_blocked_reason", "updated_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpsert, err)
	}
	return nil
}

// UpdateNextQuotaReset moves the reset date only while it still holds the value the caller read.
func (store *Store) UpdateNextQuotaReset(ctx context.Context, userID ledger.UserID, from *time.Time, to time.Time) error {
	row, err := store.takeAccount(ctx, userID)
	if err != nil {
		return err
	}
	if !sameInstant(row.NextQuotaReset, from) {
		return wrapStoreError(errorSubjectAccount, errorCodeConflict, ledger.ErrSerializationConflict)
	}
	err = store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Update("next_quota_reset", to.UTC()).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return nil
}

// DisableAutoTopup clears the enabled flag and records why.
func (store *Store) DisableAutoTopup(ctx context.Context, userID ledger.UserID, reason string) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]any{"auto_topup_enabled": false, "auto_topup_blocked_reason": reason})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

// TryMarkTopupInFlight claims the user's top-up slot. Markers started before staleBefore are
// treated as abandoned and replaced.
func (store *Store) TryMarkTopupInFlight(ctx context.Context, userID ledger.UserID, startedAt time.Time, staleBefore time.Time) (bool, error) {
	acquired := false
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		err := transaction.
			Where("user_id = ? AND started_at < ?", userID.String(), staleBefore.UTC()).
			Delete(&AutoTopupInFlight{}).Error
		if err != nil {
			return err
		}
		result := transaction.
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&AutoTopupInFlight{UserID: userID.String(), StartedAt: startedAt.UTC()})
		if result.Error != nil {
			return result.Error
		}
		acquired = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, wrapStoreError(errorSubjectTopup, errorCodeInsert, err)
	}
	return acquired, nil
}

// ClearTopupInFlight releases the user's top-up slot.
func (store *Store) ClearTopupInFlight(ctx context.Context, userID ledger.UserID) error {
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Delete(&AutoTopupInFlight{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectTopup, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) UpsertSyncFailure(ctx context.Context, failure ledger.SyncFailure) error {
	details, err := json.Marshal(failure.Details)
	if err != nil || failure.Details == nil {
		details = []byte(defaultDetailsJSON)
	}
	row := SyncFailure{
		ID:            failure.ID,
		Provider:      failure.Provider,
		LastError:     failure.LastError,
		LastAttemptAt: failure.LastAttemptAt.UTC(),
		RetryCount:    1,
		Details:       datatypes.JSON(details),
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"provider":        failure.Provider,
				"last_error":      failure.LastError,
				"last_attempt_at": row.LastAttemptAt,
				"details":         row.Details,
				"retry_count":     gorm.Expr("sync_failures.retry_count + 1"),
			}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectSyncFailure, errorCodeUpsert, err)
	}
	return nil
}

// SyncFailures lists reconciliation entries, most recent attempt first.
func (store *Store) SyncFailures(ctx context.Context, limit int) ([]SyncFailure, error) {
	var rows []SyncFailure
	err := store.db.WithContext(ctx).
		Order("last_attempt_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSyncFailure, errorCodeList, err)
	}
	return rows, nil
}

func (store *Store) takeAccount(ctx context.Context, userID ledger.UserID) (Account, error) {
	var row Account
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return row, nil
}

func mapGrants(rows []CreditGrant) ([]ledger.Grant, error) {
	grants := make([]ledger.Grant, 0, len(rows))
	for _, row := range rows {
		grant, err := mapGrant(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

func mapGrant(row CreditGrant) (ledger.Grant, error) {
	operationID, err := ledger.NewOperationID(row.OperationID)
	if err != nil {
		return ledger.Grant{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Grant{}, err
	}
	grantType, err := ledger.ParseGrantType(row.Type)
	if err != nil {
		return ledger.Grant{}, err
	}
	return ledger.Grant{
		OperationID: operationID,
		UserID:      userID,
		Type:        grantType,
		Principal:   row.Principal,
		Balance:     row.Balance,
		Priority:    row.Priority,
		Description: row.Description,
		CreatedAt:   row.CreatedAt.UTC(),
		ExpiresAt:   utcPointer(row.ExpiresAt),
	}, nil
}

func mapAccount(row Account) (ledger.Account, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		UserID:           userID,
		PlanID:           row.PlanID,
		NextQuotaReset:   utcPointer(row.NextQuotaReset),
		StripeCustomerID: row.StripeCustomerID,
		AutoTopup: ledger.AutoTopupSettings{
			Enabled:       row.AutoTopupEnabled,
			Threshold:     row.AutoTopupThreshold,
			Amount:        row.AutoTopupAmount,
			BlockedReason: row.AutoTopupBlockedReason,
		},
	}, nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func sameInstant(left *time.Time, right *time.Time) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return left.Equal(*right)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
