package plancatalog

import (
	"bytes"
	"testing"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plansYAML = `
plans:
  Pro:
    base-credits: 1000
    cents-per-credit: "0.8"
  team:
    base-credits: 5000
    cents-per-credit: 0.5
  starter:
    base-credits: 100
`

func TestFromViperLoadsPlans(t *testing.T) {
	configuration := viper.New()
	configuration.SetConfigType("yaml")
	require.NoError(t, configuration.ReadConfig(bytes.NewBufferString(plansYAML)))

	catalog, err := FromViper(configuration, "plans")
	require.NoError(t, err)

	assert.Equal(t, int64(1000), catalog.BaseMonthlyCredits("pro"))
	assert.True(t, catalog.CentsPerCredit(" PRO ").Equal(decimal.RequireFromString("0.8")))
	assert.True(t, catalog.CentsPerCredit("team").Equal(decimal.RequireFromString("0.5")))
	assert.True(t, catalog.CentsPerCredit("starter").Equal(ledger.DefaultCentsPerCredit))
	assert.Zero(t, catalog.BaseMonthlyCredits("enterprise"))
	assert.True(t, catalog.CentsPerCredit("enterprise").Equal(ledger.DefaultCentsPerCredit))
	assert.ElementsMatch(t, []string{"pro", "team", "starter"}, catalog.PlanIDs())
}

func TestFromViperWithoutPlans(t *testing.T) {
	catalog, err := FromViper(viper.New(), "plans")
	require.NoError(t, err)
	assert.Empty(t, catalog.PlanIDs())
}

func TestNewRejectsInvalidPlans(t *testing.T) {
	testCases := []struct {
		name    string
		plans   map[string]Plan
		rate    decimal.Decimal
		wantErr error
	}{
		{name: "negative base", plans: map[string]Plan{"pro": {BaseMonthlyCredits: -1}}, rate: decimal.NewFromInt(1), wantErr: ledger.ErrInvalidAmount},
		{name: "negative rate", plans: map[string]Plan{"pro": {CentsPerCredit: decimal.NewFromInt(-2)}}, rate: decimal.NewFromInt(1), wantErr: ledger.ErrInvalidRate},
		{name: "zero default rate", plans: nil, rate: decimal.Zero, wantErr: ledger.ErrInvalidRate},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := New(testCase.plans, testCase.rate)
			assert.ErrorIs(t, err, testCase.wantErr)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestCatalogDrivesConversion(t *testing.T) {
	catalog, err := New(map[string]Plan{"pro": {CentsPerCredit: decimal.RequireFromString("0.75")}}, ledger.DefaultCentsPerCredit)
	require.NoError(t, err)
	cents, err := ledger.ConvertCreditsToCents(1001, catalog.CentsPerCredit("pro"))
	require.NoError(t, err)
	assert.Equal(t, int64(751), cents)
}
