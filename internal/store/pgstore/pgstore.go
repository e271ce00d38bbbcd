package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintGrantPrimary     = "credit_grants_pkey"
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectGrant          = "grant"
	errorSubjectReferral       = "referral"
	errorSubjectSchema         = "schema"
	errorSubjectSyncFailure    = "sync_failure"
	errorSubjectTopup          = "auto_topup"
	errorSubjectTransaction    = "transaction"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeConflict          = "conflict"
	errorCodeDelete            = "delete"
	errorCodeDuplicate         = "duplicate"
	errorCodeEnsure            = "ensure"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeSum               = "sum"
	errorCodeUpdate            = "update"
	errorCodeUpsert            = "upsert"

	grantColumns = `operation_id, user_id, type, principal, balance, priority, description, created_at, expires_at`

	sqlListGrants = `
		select ` + grantColumns + `
		from credit_grants
		where user_id = $1
		order by created_at asc
	`

	sqlListActiveGrants = `
		select ` + grantColumns + `
		from credit_grants
		where user_id = $1 and (expires_at is null or expires_at > $2)
		order by expires_at asc nulls last, priority asc, created_at asc
	`

	sqlLockRows = `for update`

	sqlSelectGrant = `
		select ` + grantColumns + `
		from credit_grants
		where operation_id = $1
	`

	sqlInsertGrant = `
		insert into credit_grants(` + grantColumns + `)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	sqlUpdateGrantBalance = `
		update credit_grants set balance = $3
		where operation_id = $1 and balance = $2
	`

	sqlRevokeGrant = `
		update credit_grants set principal = 0, balance = 0, description = $3
		where operation_id = $1 and balance = $2
	`

	sqlLatestExpiredGrant = `
		select ` + grantColumns + `
		from credit_grants
		where user_id = $1 and type = $2 and expires_at is not null and expires_at <= $3
		order by expires_at desc
		limit 1
	`

	sqlSumReferralCredits = `
		select coalesce(sum(credits),0) from referrals
		where referrer_id = $1 or referred_id = $1
	`

	sqlSelectAccount = `
		select user_id, plan_id, next_quota_reset, stripe_customer_id,
			auto_topup_enabled, auto_topup_threshold, auto_topup_amount, auto_topup_blocked_reason
		from accounts
		where user_id = $1
	`

	sqlUpdateNextQuotaReset = `
		update accounts set next_quota_reset = $3, updated_at = now()
		where user_id = $1 and next_quota_reset is not distinct from $2
	`

	sqlDisableAutoTopup = `
		update accounts set auto_topup_enabled = false, auto_topup_blocked_reason = $2, updated_at = now()
		where user_id = $1
	`

	sqlMarkTopupInFlight = `
		insert into auto_topup_in_flight(user_id, started_at) values ($1, $2)
		on conflict (user_id) do update set started_at = excluded.started_at
		where auto_topup_in_flight.started_at < $3
	`

	sqlClearTopupInFlight = `delete from auto_topup_in_flight where user_id = $1`

	sqlUpsertSyncFailure = `
		insert into sync_failures(id, provider, last_error, last_attempt_at, retry_count, details)
		values ($1, $2, $3, $4, 1, $5::jsonb)
		on conflict (id) do update set
			provider = excluded.provider,
			last_error = excluded.last_error,
			last_attempt_at = excluded.last_attempt_at,
			details = excluded.details,
			retry_count = sync_failures.retry_count + 1
	`
)

// Schema creates the tables used by both store implementations.
const Schema = `
create table if not exists credit_grants (
	operation_id text primary key,
	user_id text not null,
	principal bigint not null,
	balance bigint not null,
	type text not null,
	priority integer not null,
	description text not null default '',
	expires_at timestamptz,
	created_at timestamptz not null
);
create index if not exists idx_credit_grants_user_expires on credit_grants(user_id, expires_at);

create table if not exists accounts (
	user_id text primary key,
	plan_id text not null default '',
	next_quota_reset timestamptz,
	stripe_customer_id text not null default '',
	auto_topup_enabled boolean not null default false,
	auto_topup_threshold bigint not null default 0,
	auto_topup_amount bigint not null default 0,
	auto_topup_blocked_reason text not null default '',
	created_at timestamptz,
	updated_at timestamptz
);

create table if not exists referrals (
	referral_id text primary key,
	referrer_id text not null,
	referred_id text not null,
	credits bigint not null,
	created_at timestamptz not null
);
create index if not exists idx_referrals_referrer_id on referrals(referrer_id);
create index if not exists idx_referrals_referred_id on referrals(referred_id);

create table if not exists sync_failures (
	id text primary key,
	provider text not null,
	last_error text not null,
	last_attempt_at timestamptz not null,
	retry_count integer not null default 1,
	details jsonb not null
);

create table if not exists auto_topup_in_flight (
	user_id text primary key,
	started_at timestamptz not null
);
`

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// queries holds the statements shared by Store and TxStore. Row locks are only taken inside a transaction.
type queries struct {
	db       querier
	lockRows bool
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

// WithTx runs fn in a SERIALIZABLE transaction. Serialization failures surface as
// ledger.ErrSerializationConflict so the caller can retry the whole unit.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx, lockRows: true}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return classifyTxError(errorCodeConflict, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyTxError(errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (q queries) ListGrants(ctx context.Context, userID ledger.UserID) ([]ledger.Grant, error) {
	rows, err := q.db.Query(ctx, sqlListGrants, userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	defer rows.Close()
	grants, err := scanGrants(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return grants, nil
}

func (q queries) ListActiveGrants(ctx context.Context, userID ledger.UserID, asOf time.Time) ([]ledger.Grant, error) {
	rows, err := q.db.Query(ctx, q.activeGrantsQuery(), userID.String(), asOf.UTC())
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	defer rows.Close()
	grants, err := scanGrants(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return grants, nil
}

func (q queries) activeGrantsQuery() string {
	if q.lockRows {
		return sqlListActiveGrants + sqlLockRows
	}
	return sqlListActiveGrants
}

func (q queries) GetGrant(ctx context.Context, operationID ledger.OperationID) (ledger.Grant, error) {
	grant, err := scanGrant(q.db.QueryRow(ctx, sqlSelectGrant, operationID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, ledger.ErrGrantNotFound)
		}
		return ledger.Grant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
	}
	return grant, nil
}

func (q queries) InsertGrant(ctx context.Context, grant ledger.Grant) error {
	var expiresAt *time.Time
	if grant.ExpiresAt != nil {
		utc := grant.ExpiresAt.UTC()
		expiresAt = &utc
	}
	_, err := q.db.Exec(ctx, sqlInsertGrant,
		grant.OperationID.String(),
		grant.UserID.String(),
		grant.Type.String(),
		grant.Principal,
		grant.Balance,
		grant.Priority,
		grant.Description,
		grant.CreatedAt.UTC(),
		expiresAt,
	)
	if isDuplicateGrant(err) {
		return wrapStoreError(errorSubjectGrant, errorCodeDuplicate, ledger.ErrDuplicateOperationID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
	}
	return nil
}

func (q queries) UpdateGrantBalance(ctx context.Context, operationID ledger.OperationID, from int64, to int64) error {
	tag, err := q.db.Exec(ctx, sqlUpdateGrantBalance, operationID.String(), from, to)
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeConflict, ledger.ErrSerializationConflict)
	}
	return nil
}

func (q queries) RevokeGrant(ctx context.Context, operationID ledger.OperationID, expectedBalance int64, description string) error {
	tag, err := q.db.Exec(ctx, sqlRevokeGrant, operationID.String(), expectedBalance, description)
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeConflict, ledger.ErrSerializationConflict)
	}
	return nil
}

func (q queries) LatestExpiredGrant(ctx context.Context, userID ledger.UserID, grantType ledger.GrantType, asOf time.Time) (ledger.Grant, bool, error) {
	grant, err := scanGrant(q.db.QueryRow(ctx, sqlLatestExpiredGrant, userID.String(), grantType.String(), asOf.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Grant{}, false, nil
	}
	if err != nil {
		return ledger.Grant{}, false, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
	}
	return grant, true, nil
}

func (q queries) SumReferralCredits(ctx context.Context, userID ledger.UserID) (int64, error) {
	var sum int64
	if err := q.db.QueryRow(ctx, sqlSumReferralCredits, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectReferral, errorCodeSum, err)
	}
	return sum, nil
}

func (q queries) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var (
		userValue string
		account   ledger.Account
	)
	err := q.db.QueryRow(ctx, sqlSelectAccount, userID.String()).Scan(
		&userValue,
		&account.PlanID,
		&account.NextQuotaReset,
		&account.StripeCustomerID,
		&account.AutoTopup.Enabled,
		&account.AutoTopup.Threshold,
		&account.AutoTopup.Amount,
		&account.AutoTopup.BlockedReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	parsedUserID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account.UserID = parsedUserID
	if account.NextQuotaReset != nil {
		utc := account.NextQuotaReset.UTC()
		account.NextQuotaReset = &utc
	}
	return account, nil
}

func (q queries) UpdateNextQuotaReset(ctx context.Context, userID ledger.UserID, from *time.Time, to time.Time) error {
	tag, err := q.db.Exec(ctx, sqlUpdateNextQuotaReset, userID.String(), from, to.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeConflict, ledger.ErrSerializationConflict)
	}
	return nil
}

func (q queries) DisableAutoTopup(ctx context.Context, userID ledger.UserID, reason string) error {
	tag, err := q.db.Exec(ctx, sqlDisableAutoTopup, userID.String(), reason)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (q queries) TryMarkTopupInFlight(ctx context.Context, userID ledger.UserID, startedAt time.Time, staleBefore time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, sqlMarkTopupInFlight, userID.String(), startedAt.UTC(), staleBefore.UTC())
	if err != nil {
		return false, wrapStoreError(errorSubjectTopup, errorCodeInsert, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) ClearTopupInFlight(ctx context.Context, userID ledger.UserID) error {
	if _, err := q.db.Exec(ctx, sqlClearTopupInFlight, userID.String()); err != nil {
		return wrapStoreError(errorSubjectTopup, errorCodeDelete, err)
	}
	return nil
}

func (q queries) UpsertSyncFailure(ctx context.Context, failure ledger.SyncFailure) error {
	details, err := encodeDetails(failure.Details)
	if err != nil {
		return wrapStoreError(errorSubjectSyncFailure, errorCodeInvalid, err)
	}
	_, err = q.db.Exec(ctx, sqlUpsertSyncFailure,
		failure.ID,
		failure.Provider,
		failure.LastError,
		failure.LastAttemptAt.UTC(),
		details,
	)
	if err != nil {
		return wrapStoreError(errorSubjectSyncFailure, errorCodeUpsert, err)
	}
	return nil
}

func encodeDetails(details map[string]string) (string, error) {
	if details == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode details: %w", err)
	}
	return string(encoded), nil
}

func scanGrants(rows pgx.Rows) ([]ledger.Grant, error) {
	grants := make([]ledger.Grant, 0, 8)
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func scanGrant(row pgx.Row) (ledger.Grant, error) {
	var (
		operationValue string
		userValue      string
		typeValue      string
		grant          ledger.Grant
	)
	if err := row.Scan(
		&operationValue,
		&userValue,
		&typeValue,
		&grant.Principal,
		&grant.Balance,
		&grant.Priority,
		&grant.Description,
		&grant.CreatedAt,
		&grant.ExpiresAt,
	); err != nil {
		return ledger.Grant{}, err
	}
	operationID, err := ledger.NewOperationID(operationValue)
	if err != nil {
		return ledger.Grant{}, err
	}
	userID, err := ledger.NewUserID(userValue)
	if err != nil {
		return ledger.Grant{}, err
	}
	grantType, err := ledger.ParseGrantType(typeValue)
	if err != nil {
		return ledger.Grant{}, err
	}
	grant.OperationID = operationID
	grant.UserID = userID
	grant.Type = grantType
	grant.CreatedAt = grant.CreatedAt.UTC()
	if grant.ExpiresAt != nil {
		utc := grant.ExpiresAt.UTC()
		grant.ExpiresAt = &utc
	}
	return grant, nil
}

func classifyTxError(code string, err error) error {
	if errors.Is(err, ledger.ErrSerializationConflict) {
		return err
	}
	if isSerializationConflict(err) {
		return wrapStoreError(errorSubjectTransaction, code, fmt.Errorf("%w: %w", ledger.ErrSerializationConflict, err))
	}
	if code == errorCodeCommit {
		return wrapStoreError(errorSubjectTransaction, code, err)
	}
	return err
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isDuplicateGrant(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintGrantPrimary
	}
	return false
}

func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	return false
}
