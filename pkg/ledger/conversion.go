package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultCentsPerCredit is the rate used when no plan overrides it.
var DefaultCentsPerCredit = decimal.NewFromInt(1)

// ConvertCreditsToCents prices credits at the given rate, rounding up to a whole cent.
func ConvertCreditsToCents(credits int64, centsPerCredit decimal.Decimal) (int64, error) {
	if credits < 0 {
		return 0, fmt.Errorf("%w: credits must not be negative", ErrInvalidAmount)
	}
	if !centsPerCredit.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidRate, centsPerCredit.String())
	}
	return decimal.NewFromInt(credits).Mul(centsPerCredit).Ceil().IntPart(), nil
}

// ConvertCentsToCredits returns how many whole credits the cents buy at the given rate.
func ConvertCentsToCredits(cents int64, centsPerCredit decimal.Decimal) (int64, error) {
	if cents < 0 {
		return 0, fmt.Errorf("%w: cents must not be negative", ErrInvalidAmount)
	}
	if !centsPerCredit.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidRate, centsPerCredit.String())
	}
	return decimal.NewFromInt(cents).Div(centsPerCredit).Floor().IntPart(), nil
}
