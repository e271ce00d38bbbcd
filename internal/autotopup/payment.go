package autotopup

import (
	"context"
	"time"
)

// ChargeStatus is the definite result of an off-session charge.
type ChargeStatus string

const (
	ChargeStatusSucceeded ChargeStatus = "succeeded"
	ChargeStatusDeclined  ChargeStatus = "declined"
)

// PaymentMethod is a stored card.
type PaymentMethod struct {
	ID       string
	Brand    string
	Last4    string
	ExpMonth int64
	ExpYear  int64
}

// UsableAt reports whether the card has not expired at now. Cards stay valid through the last
// day of their expiry month.
func (method PaymentMethod) UsableAt(now time.Time) bool {
	if method.ExpYear <= 0 || method.ExpMonth < 1 || method.ExpMonth > 12 {
		return false
	}
	expiresAt := time.Date(int(method.ExpYear), time.Month(method.ExpMonth)+1, 1, 0, 0, 0, 0, time.UTC)
	return now.Before(expiresAt)
}

// ChargeRequest describes one off-session charge.
type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
	IdempotencyKey  string
	Metadata        map[string]string
}

// ChargeResult is returned for charges the processor answered definitively.
type ChargeResult struct {
	PaymentID     string
	Status        ChargeStatus
	FailureReason string
}

// PaymentProcessor charges stored payment methods. ChargeOffSession returns an error only when
// the outcome is unknown (timeouts, transport failures); declines come back as a result.
type PaymentProcessor interface {
	Provider() string
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	ChargeOffSession(ctx context.Context, request ChargeRequest) (ChargeResult, error)
}
