// Package stripeprocessor charges stored cards through Stripe for auto top-up.
package stripeprocessor

import (
	"context"
	"net/http"

	"github.com/MarkoPoloResearchLab/creditledger/internal/autotopup"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

const (
	providerName            = "stripe"
	paymentMethodTypeCard   = "card"
	reasonNeedsAuth         = "payment requires authentication"
	reasonPaymentFailed     = "payment failed"
	logMessageListFailed    = "failed to list payment methods"
	logMessageChargeFailed  = "stripe charge failed"
	logMessageChargeOutcome = "stripe charge completed"
)

type (
	listMethodsFunc  func(ctx context.Context, params *stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error)
	createIntentFunc func(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
)

// Processor implements autotopup.PaymentProcessor.
type Processor struct {
	listMethods  listMethodsFunc
	createIntent createIntentFunc
	logger       *zap.Logger
}

// New builds a Processor for the given secret key.
func New(secretKey string, logger *zap.Logger) (*Processor, error) {
	if secretKey == "" {
		return nil, errors.WithHint(
			errors.Mark(errors.New("stripe secret key is required"), ledger.ErrInvalidServiceConfig),
			"Set stripe-secret-key to enable auto top-up",
		)
	}
	client := stripe.NewClient(secretKey, nil)
	return newProcessor(
		func(ctx context.Context, params *stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error) {
			var methods []*stripe.PaymentMethod
			var listErr error
			client.V1PaymentMethods.List(ctx, params)(func(method *stripe.PaymentMethod, err error) bool {
				if err != nil {
					listErr = err
					return false
				}
				methods = append(methods, method)
				return true
			})
			if listErr != nil {
				return nil, listErr
			}
			return methods, nil
		},
		func(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
			return client.V1PaymentIntents.Create(ctx, params)
		},
		logger,
	), nil
}

func newProcessor(listMethods listMethodsFunc, createIntent createIntentFunc, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{listMethods: listMethods, createIntent: createIntent, logger: logger}
}

// Provider names the processor in sync failure entries.
func (processor *Processor) Provider() string {
	return providerName
}

// ListPaymentMethods returns the customer's cards.
func (processor *Processor) ListPaymentMethods(ctx context.Context, customerID string) ([]autotopup.PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(paymentMethodTypeCard),
	}
	methods, err := processor.listMethods(ctx, params)
	if err != nil {
		processor.logger.Error(logMessageListFailed, zap.String("customer_id", customerID), zap.Error(err))
		return nil, errors.WithSafeDetails(errors.Wrap(err, "list stripe payment methods"), "customer_id=%s", errors.Safe(customerID))
	}
	result := make([]autotopup.PaymentMethod, 0, len(methods))
	for _, method := range methods {
		if method == nil || method.Card == nil {
			continue
		}
		result = append(result, autotopup.PaymentMethod{
			ID:       method.ID,
			Brand:    string(method.Card.Brand),
			Last4:    method.Card.Last4,
			ExpMonth: method.Card.ExpMonth,
			ExpYear:  method.Card.ExpYear,
		})
	}
	return result, nil
}

// ChargeOffSession confirms a PaymentIntent against a saved card. Definite declines are returned
// as a declined result; transport failures, server errors and pending intents are returned as
// errors marked ledger.ErrPaymentOutcomeUnknown.
func (processor *Processor) ChargeOffSession(ctx context.Context, request autotopup.ChargeRequest) (autotopup.ChargeResult, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:        stripe.Int64(request.AmountCents),
		Currency:      stripe.String(request.Currency),
		Customer:      stripe.String(request.CustomerID),
		PaymentMethod: stripe.String(request.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Metadata:      request.Metadata,
	}
	params.SetIdempotencyKey(request.IdempotencyKey)

	intent, err := processor.createIntent(ctx, params)
	if err != nil {
		processor.logger.Warn(logMessageChargeFailed,
			zap.String("idempotency_key", request.IdempotencyKey),
			zap.Error(err),
		)
		return classifyChargeError(err)
	}
	processor.logger.Info(logMessageChargeOutcome,
		zap.String("idempotency_key", request.IdempotencyKey),
		zap.String("payment_intent_id", intent.ID),
		zap.String("status", string(intent.Status)),
	)
	return classifyIntent(intent)
}

func classifyChargeError(err error) (autotopup.ChargeResult, error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && isDefiniteFailure(stripeErr) {
		result := autotopup.ChargeResult{Status: autotopup.ChargeStatusDeclined, FailureReason: stripeErr.Msg}
		if stripeErr.PaymentIntent != nil {
			result.PaymentID = stripeErr.PaymentIntent.ID
		}
		switch {
		case stripeErr.Code == stripe.ErrorCodeAuthenticationRequired:
			result.FailureReason = reasonNeedsAuth
		case result.FailureReason == "":
			result.FailureReason = reasonPaymentFailed
		}
		return result, nil
	}
	return autotopup.ChargeResult{}, errors.Mark(errors.Wrap(err, "create stripe payment intent"), ledger.ErrPaymentOutcomeUnknown)
}

func isDefiniteFailure(stripeErr *stripe.Error) bool {
	if stripeErr.Type == stripe.ErrorTypeIdempotency {
		return false
	}
	if stripeErr.Type == stripe.ErrorTypeCard || stripeErr.Code == stripe.ErrorCodeCardDeclined {
		return true
	}
	return stripeErr.HTTPStatusCode == http.StatusBadRequest || stripeErr.HTTPStatusCode == http.StatusPaymentRequired
}

func classifyIntent(intent *stripe.PaymentIntent) (autotopup.ChargeResult, error) {
	result := autotopup.ChargeResult{PaymentID: intent.ID}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		result.Status = autotopup.ChargeStatusSucceeded
		return result, nil
	case stripe.PaymentIntentStatusRequiresAction:
		result.Status = autotopup.ChargeStatusDeclined
		result.FailureReason = reasonNeedsAuth
		return result, nil
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		result.Status = autotopup.ChargeStatusDeclined
		result.FailureReason = reasonPaymentFailed
		if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
			result.FailureReason = intent.LastPaymentError.Msg
		}
		return result, nil
	default:
		return autotopup.ChargeResult{}, errors.WithSafeDetails(
			errors.Mark(errors.Newf("payment intent %s is %s", intent.ID, intent.Status), ledger.ErrPaymentOutcomeUnknown),
			"payment_intent_id=%s", errors.Safe(intent.ID),
		)
	}
}
