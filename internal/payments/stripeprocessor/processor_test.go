package stripeprocessor

import (
	"context"
	"net/http"
	"testing"

	"github.com/MarkoPoloResearchLab/creditledger/internal/autotopup"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func TestNewRequiresSecretKey(t *testing.T) {
	_, err := New("", nil)
	assert.True(t, errors.Is(err, ledger.ErrInvalidServiceConfig))
}

func TestListPaymentMethodsMapsCards(t *testing.T) {
	var captured *stripe.PaymentMethodListParams
	processor := newProcessor(func(_ context.Context, params *stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error) {
		captured = params
		return []*stripe.PaymentMethod{
			{ID: "pm_1", Card: &stripe.PaymentMethodCard{Brand: "visa", Last4: "4242", ExpMonth: 4, ExpYear: 2030}},
			{ID: "pm_bank"},
		}, nil
	}, nil, nil)

	methods, err := processor.ListPaymentMethods(context.Background(), "cus_123")
	require.NoError(t, err)
	assert.Equal(t, "cus_123", *captured.Customer)
	assert.Equal(t, "card", *captured.Type)
	assert.Equal(t, []autotopup.PaymentMethod{{ID: "pm_1", Brand: "visa", Last4: "4242", ExpMonth: 4, ExpYear: 2030}}, methods)
}

func TestListPaymentMethodsWrapsErrors(t *testing.T) {
	failure := errors.New("network down")
	processor := newProcessor(func(context.Context, *stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error) {
		return nil, failure
	}, nil, nil)

	_, err := processor.ListPaymentMethods(context.Background(), "cus_123")
	assert.True(t, errors.Is(err, failure))
}

func TestChargeOffSessionBuildsIntent(t *testing.T) {
	var captured *stripe.PaymentIntentCreateParams
	processor := newProcessor(nil, func(_ context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error) {
		captured = params
		return &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded}, nil
	}, nil)

	result, err := processor.ChargeOffSession(context.Background(), autotopup.ChargeRequest{
		CustomerID:      "cus_123",
		PaymentMethodID: "pm_1",
		AmountCents:     1250,
		Currency:        "usd",
		IdempotencyKey:  "auto-topup-user-1-abc",
		Metadata:        map[string]string{"type": "auto-topup"},
	})
	require.NoError(t, err)
	assert.Equal(t, autotopup.ChargeResult{PaymentID: "pi_1", Status: autotopup.ChargeStatusSucceeded}, result)
	assert.Equal(t, int64(1250), *captured.Amount)
	assert.Equal(t, "usd", *captured.Currency)
	assert.Equal(t, "cus_123", *captured.Customer)
	assert.Equal(t, "pm_1", *captured.PaymentMethod)
	assert.True(t, *captured.OffSession)
	assert.True(t, *captured.Confirm)
	assert.Equal(t, "auto-topup-user-1-abc", *captured.IdempotencyKey)
	assert.Equal(t, "auto-topup", captured.Metadata["type"])
}

func TestClassifyChargeError(t *testing.T) {
	testCases := []struct {
		name        string
		err         error
		wantStatus  autotopup.ChargeStatus
		wantReason  string
		wantUnknown bool
	}{
		{
			name:       "card declined",
			err:        &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, Msg: "Your card was declined.", HTTPStatusCode: http.StatusPaymentRequired},
			wantStatus: autotopup.ChargeStatusDeclined,
			wantReason: "Your card was declined.",
		},
		{
			name:       "authentication required",
			err:        &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeAuthenticationRequired, HTTPStatusCode: http.StatusPaymentRequired},
			wantStatus: autotopup.ChargeStatusDeclined,
			wantReason: "payment requires authentication",
		},
		{
			name:       "invalid request",
			err:        &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusBadRequest},
			wantStatus: autotopup.ChargeStatusDeclined,
			wantReason: "payment failed",
		},
		{
			name:        "idempotency conflict",
			err:         &stripe.Error{Type: stripe.ErrorTypeIdempotency, HTTPStatusCode: http.StatusBadRequest},
			wantUnknown: true,
		},
		{
			name:        "server error",
			err:         &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: http.StatusInternalServerError},
			wantUnknown: true,
		},
		{
			name:        "timeout",
			err:         context.DeadlineExceeded,
			wantUnknown: true,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			result, err := classifyChargeError(testCase.err)
			if testCase.wantUnknown {
				assert.True(t, errors.Is(err, ledger.ErrPaymentOutcomeUnknown))
				assert.True(t, errors.Is(err, testCase.err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.wantStatus, result.Status)
			assert.Equal(t, testCase.wantReason, result.FailureReason)
		})
	}
}

func TestClassifyIntent(t *testing.T) {
	testCases := []struct {
		name        string
		intent      *stripe.PaymentIntent
		wantStatus  autotopup.ChargeStatus
		wantReason  string
		wantUnknown bool
	}{
		{name: "succeeded", intent: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded}, wantStatus: autotopup.ChargeStatusSucceeded},
		{name: "requires action", intent: &stripe.PaymentIntent{ID: "pi_2", Status: stripe.PaymentIntentStatusRequiresAction}, wantStatus: autotopup.ChargeStatusDeclined, wantReason: "payment requires authentication"},
		{
			name:       "requires payment method",
			intent:     &stripe.PaymentIntent{ID: "pi_3", Status: stripe.PaymentIntentStatusRequiresPaymentMethod, LastPaymentError: &stripe.Error{Msg: "Insufficient funds."}},
			wantStatus: autotopup.ChargeStatusDeclined,
			wantReason: "Insufficient funds.",
		},
		{name: "processing", intent: &stripe.PaymentIntent{ID: "pi_4", Status: stripe.PaymentIntentStatusProcessing}, wantUnknown: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			result, err := classifyIntent(testCase.intent)
			if testCase.wantUnknown {
				assert.True(t, errors.Is(err, ledger.ErrPaymentOutcomeUnknown))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.intent.ID, result.PaymentID)
			assert.Equal(t, testCase.wantStatus, result.Status)
			assert.Equal(t, testCase.wantReason, result.FailureReason)
		})
	}
}
