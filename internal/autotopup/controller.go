// Package autotopup charges a user's stored card when their credit balance runs low and routes
// the purchase through the ledger.
package autotopup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/ids"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Outcome is the terminal state of one CheckAndTrigger run.
type Outcome string

const (
	OutcomeIdle         Outcome = "idle"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeInFlight     Outcome = "in_flight"
	OutcomeBelowMinimum Outcome = "below_minimum"
	OutcomeGranted      Outcome = "granted"
	OutcomeGrantFailed  Outcome = "grant_failed"
	OutcomeDisabled     Outcome = "disabled"
	OutcomeUnknown      Outcome = "unknown"
)

const (
	DefaultMinimumCredits = int64(500)
	DefaultChargeTimeout  = 20 * time.Second
	DefaultStaleAfter     = 2 * time.Minute
	DefaultCurrency       = "usd"

	reasonMissingCustomer      = "no billing customer on file"
	reasonIncompleteSettings   = "auto top-up threshold and amount must be positive"
	reasonNoPaymentMethod      = "no valid payment method on file"
	reasonDeclinedFallback     = "payment declined"
	grantDescriptionFormat     = "Auto top-up of %d credits"
	metadataTypeAutoTopup      = "auto-topup"
	detailUserID               = "user_id"
	detailCredits              = "credits"
	detailAmountCents          = "amount_cents"
	detailPaymentMethodID      = "payment_method_id"
	metadataUserID             = "userId"
	metadataCredits            = "credits"
	metadataOperationID        = "operationId"
	metadataGrantType          = "grantType"
	metadataType               = "type"
	logFieldOutcome            = "outcome"
	logFieldIdempotencyKey     = "idempotency_key"
	logFieldCredits            = "credits"
	logFieldAmountCents        = "amount_cents"
	logFieldReason             = "reason"
	logFieldUserID             = "user_id"
	logFieldMinimumCredits     = "minimum_credits"
	logFieldTotalRemaining     = "total_remaining"
	logFieldTotalDebt          = "total_debt"
	logMessageBlocked          = "auto top-up blocked"
	logMessageDisabled         = "auto top-up disabled after payment failure"
	logMessageBelowMinimum     = "auto top-up amount below minimum purchase"
	logMessageUnknown          = "auto top-up charge outcome unknown"
	logMessageGranted          = "auto top-up granted"
	logMessageGrantFailed      = "auto top-up charged but grant failed"
	logMessageReleaseFailed    = "auto top-up release in-flight marker failed"
	logMessageSyncFailureWrite = "auto top-up sync failure write failed"
)

// AccountStore persists auto top-up state.
type AccountStore interface {
	GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error)
	DisableAutoTopup(ctx context.Context, userID ledger.UserID, reason string) error
	TryMarkTopupInFlight(ctx context.Context, userID ledger.UserID, startedAt time.Time, staleBefore time.Time) (bool, error)
	ClearTopupInFlight(ctx context.Context, userID ledger.UserID) error
	UpsertSyncFailure(ctx context.Context, failure ledger.SyncFailure) error
}

// Ledger is the subset of *ledger.Service the controller drives.
type Ledger interface {
	CalculateUsageAndBalance(ctx context.Context, userID ledger.UserID, cycleStart time.Time) (ledger.UsageAndBalance, error)
	ProcessAndGrantCredit(ctx context.Context, request ledger.GrantRequest) error
	Plans() ledger.PlanCatalog
	Now() time.Time
}

// OutcomeRecorder observes every terminal outcome.
type OutcomeRecorder interface {
	RecordTopupOutcome(outcome string)
}

// Config holds the controller limits.
type Config struct {
	MinimumCredits int64
	ChargeTimeout  time.Duration
	StaleAfter     time.Duration
	Currency       string
}

func (config Config) withDefaults() Config {
	if config.MinimumCredits <= 0 {
		config.MinimumCredits = DefaultMinimumCredits
	}
	if config.ChargeTimeout <= 0 {
		config.ChargeTimeout = DefaultChargeTimeout
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.Currency == "" {
		config.Currency = DefaultCurrency
	}
	return config
}

// Option configures a Controller.
type Option func(*Controller)

// WithOutcomeRecorder reports outcomes, typically to metrics.
func WithOutcomeRecorder(recorder OutcomeRecorder) Option {
	return func(controller *Controller) {
		controller.recorder = recorder
	}
}

// WithKeyGenerator replaces the idempotency key source.
func WithKeyGenerator(generate func(userID string) (string, error)) Option {
	return func(controller *Controller) {
		if generate != nil {
			controller.newKey = generate
		}
	}
}

// Controller runs the auto top-up state machine.
type Controller struct {
	accounts AccountStore
	ledger   Ledger
	payments PaymentProcessor
	logger   *zap.Logger
	config   Config
	recorder OutcomeRecorder
	newKey   func(userID string) (string, error)
}

// NewController validates dependencies and applies defaults.
func NewController(accounts AccountStore, ledgerService Ledger, payments PaymentProcessor, logger *zap.Logger, config Config, options ...Option) (*Controller, error) {
	if accounts == nil || ledgerService == nil || payments == nil {
		return nil, errors.Mark(errors.New("auto top-up controller requires accounts, ledger and payments"), ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	controller := &Controller{
		accounts: accounts,
		ledger:   ledgerService,
		payments: payments,
		logger:   logger,
		config:   config.withDefaults(),
		newKey:   ids.AutoTopupKey,
	}
	for _, option := range options {
		if option != nil {
			option(controller)
		}
	}
	return controller, nil
}

// CheckAndTrigger charges the user's card when auto top-up is enabled and the balance is below
// the threshold or in debt. Payment declines disable the feature and return an ErrPayment error;
// unknown charge outcomes keep it enabled and return ErrPaymentOutcomeUnknown.
func (controller *Controller) CheckAndTrigger(ctx context.Context, userID ledger.UserID) (Outcome, error) {
	outcome, err := controller.run(ctx, userID)
	if controller.recorder != nil {
		controller.recorder.RecordTopupOutcome(string(outcome))
	}
	return outcome, err
}

func (controller *Controller) run(ctx context.Context, userID ledger.UserID) (Outcome, error) {
	account, err := controller.accounts.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return OutcomeIdle, errors.Mark(errors.Wrap(err, "load auto top-up account"), ledger.ErrValidation)
		}
		return OutcomeIdle, errors.Wrap(err, "load auto top-up account")
	}
	settings := account.AutoTopup
	if !settings.Enabled {
		return OutcomeIdle, nil
	}
	if account.StripeCustomerID == "" {
		return controller.block(ctx, userID, reasonMissingCustomer)
	}
	if settings.Threshold <= 0 || settings.Amount <= 0 {
		return controller.block(ctx, userID, reasonIncompleteSettings)
	}

	now := controller.ledger.Now()
	methods, err := controller.payments.ListPaymentMethods(ctx, account.StripeCustomerID)
	if err != nil {
		return OutcomeIdle, errors.Wrap(err, "list payment methods")
	}
	method, found := firstUsableMethod(methods, now)
	if !found {
		return controller.block(ctx, userID, reasonNoPaymentMethod)
	}

	acquired, err := controller.accounts.TryMarkTopupInFlight(ctx, userID, now, now.Add(-controller.config.StaleAfter))
	if err != nil {
		return OutcomeIdle, errors.Wrap(err, "mark auto top-up in flight")
	}
	if !acquired {
		return OutcomeInFlight, nil
	}
	defer controller.release(context.WithoutCancel(ctx), userID)

	usage, err := controller.ledger.CalculateUsageAndBalance(ctx, userID, ledger.AccountCycleStart(account, now))
	if err != nil {
		return OutcomeIdle, errors.Wrap(err, "read balance for auto top-up")
	}
	balance := usage.Balance
	if balance.TotalRemaining >= settings.Threshold && balance.TotalDebt == 0 {
		return OutcomeIdle, nil
	}

	credits := settings.Amount
	if balance.TotalDebt > 0 {
		credits = max(settings.Amount, balance.TotalDebt)
	}
	if credits < controller.config.MinimumCredits {
		controller.logger.Warn(logMessageBelowMinimum,
			zap.String(logFieldUserID, userID.String()),
			zap.Int64(logFieldCredits, credits),
			zap.Int64(logFieldMinimumCredits, controller.config.MinimumCredits),
		)
		return OutcomeBelowMinimum, nil
	}

	amountCents, err := ledger.ConvertCreditsToCents(credits, controller.ledger.Plans().CentsPerCredit(account.PlanID))
	if err != nil {
		return OutcomeIdle, errors.Wrap(err, "price auto top-up")
	}
	key, err := controller.newKey(userID.String())
	if err != nil {
		return OutcomeIdle, errors.Wrap(err, "generate auto top-up key")
	}

	chargeCtx, cancel := context.WithTimeout(ctx, controller.config.ChargeTimeout)
	result, chargeErr := controller.payments.ChargeOffSession(chargeCtx, ChargeRequest{
		CustomerID:      account.StripeCustomerID,
		PaymentMethodID: method.ID,
		AmountCents:     amountCents,
		Currency:        controller.config.Currency,
		IdempotencyKey:  key,
		Metadata: map[string]string{
			metadataUserID:      userID.String(),
			metadataCredits:     strconv.FormatInt(credits, 10),
			metadataOperationID: key,
			metadataGrantType:   ledger.GrantTypePurchase.String(),
			metadataType:        metadataTypeAutoTopup,
		},
	})
	cancel()

	logFields := []zap.Field{
		zap.String(logFieldUserID, userID.String()),
		zap.String(logFieldIdempotencyKey, key),
		zap.Int64(logFieldCredits, credits),
		zap.Int64(logFieldAmountCents, amountCents),
		zap.Int64(logFieldTotalRemaining, balance.TotalRemaining),
		zap.Int64(logFieldTotalDebt, balance.TotalDebt),
	}
	if chargeErr != nil {
		controller.logger.Error(logMessageUnknown, append(logFields, zap.Error(chargeErr))...)
		controller.recordUnknownCharge(ctx, userID, key, method.ID, credits, amountCents, chargeErr, now)
		return OutcomeUnknown, errors.WithSafeDetails(
			errors.Mark(errors.Wrap(chargeErr, "auto top-up charge"), ledger.ErrPaymentOutcomeUnknown),
			"idempotency_key=%s", errors.Safe(key),
		)
	}
	if result.Status != ChargeStatusSucceeded {
		reason := result.FailureReason
		if reason == "" {
			reason = reasonDeclinedFallback
		}
		if err := controller.accounts.DisableAutoTopup(ctx, userID, reason); err != nil {
			return OutcomeDisabled, errors.Wrap(err, "disable auto top-up")
		}
		controller.logger.Warn(logMessageDisabled, append(logFields, zap.String(logFieldReason, reason))...)
		return OutcomeDisabled, errors.WithHint(
			errors.Mark(errors.Newf("auto top-up payment failed: %s", reason), ledger.ErrPayment),
			"Update the payment method to re-enable auto top-up",
		)
	}

	operationID, err := ledger.NewOperationID(key)
	if err != nil {
		return OutcomeGrantFailed, errors.Wrap(err, "auto top-up operation id")
	}
	err = controller.ledger.ProcessAndGrantCredit(ctx, ledger.GrantRequest{
		UserID:      userID,
		OperationID: operationID,
		Type:        ledger.GrantTypePurchase,
		Amount:      credits,
		Description: fmt.Sprintf(grantDescriptionFormat, credits),
	})
	if err != nil {
		controller.logger.Error(logMessageGrantFailed, append(logFields, zap.Error(err))...)
		return OutcomeGrantFailed, errors.Wrap(err, "grant auto top-up credits")
	}
	controller.logger.Info(logMessageGranted, logFields...)
	return OutcomeGranted, nil
}

func (controller *Controller) block(ctx context.Context, userID ledger.UserID, reason string) (Outcome, error) {
	if err := controller.accounts.DisableAutoTopup(ctx, userID, reason); err != nil {
		return OutcomeBlocked, errors.Wrap(err, "disable auto top-up")
	}
	controller.logger.Warn(logMessageBlocked,
		zap.String(logFieldUserID, userID.String()),
		zap.String(logFieldReason, reason),
	)
	return OutcomeBlocked, errors.WithHint(
		errors.Mark(errors.Newf("auto top-up blocked: %s", reason), ledger.ErrValidation),
		"Add a valid payment method and top-up settings to re-enable auto top-up",
	)
}

func (controller *Controller) release(ctx context.Context, userID ledger.UserID) {
	if err := controller.accounts.ClearTopupInFlight(ctx, userID); err != nil {
		controller.logger.Error(logMessageReleaseFailed, zap.String(logFieldUserID, userID.String()), zap.Error(err))
	}
}

func (controller *Controller) recordUnknownCharge(ctx context.Context, userID ledger.UserID, key string, methodID string, credits int64, amountCents int64, chargeErr error, now time.Time) {
	failure := ledger.SyncFailure{
		ID:            key,
		Provider:      controller.payments.Provider(),
		LastError:     chargeErr.Error(),
		LastAttemptAt: now,
		Details: map[string]string{
			detailUserID:          userID.String(),
			detailCredits:         strconv.FormatInt(credits, 10),
			detailAmountCents:     strconv.FormatInt(amountCents, 10),
			detailPaymentMethodID: methodID,
		},
	}
	if err := controller.accounts.UpsertSyncFailure(context.WithoutCancel(ctx), failure); err != nil {
		controller.logger.Error(logMessageSyncFailureWrite, zap.String(logFieldIdempotencyKey, key), zap.Error(err))
	}
}

func firstUsableMethod(methods []PaymentMethod, now time.Time) (PaymentMethod, bool) {
	for _, method := range methods {
		if method.UsableAt(now) {
			return method, true
		}
	}
	return PaymentMethod{}, false
}
