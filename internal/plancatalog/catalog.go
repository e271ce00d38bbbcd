// Package plancatalog resolves subscription plans to monthly credit allowances and prices.
package plancatalog

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Plan describes one subscription plan.
type Plan struct {
	BaseMonthlyCredits int64
	CentsPerCredit     decimal.Decimal
}

// Catalog implements ledger.PlanCatalog. Unknown plans get no monthly bonus and the default rate.
type Catalog struct {
	plans       map[string]Plan
	defaultRate decimal.Decimal
}

type planConfig struct {
	BaseCredits    int64  `mapstructure:"base-credits"`
	CentsPerCredit string `mapstructure:"cents-per-credit"`
}

// New returns a Catalog over the given plans.
func New(plans map[string]Plan, defaultRate decimal.Decimal) (*Catalog, error) {
	if !defaultRate.IsPositive() {
		return nil, fmt.Errorf("%w: default rate %s", ledger.ErrInvalidRate, defaultRate.String())
	}
	normalized := make(map[string]Plan, len(plans))
	for id, plan := range plans {
		if plan.BaseMonthlyCredits < 0 {
			return nil, fmt.Errorf("%w: plan %s base credits", ledger.ErrInvalidAmount, id)
		}
		if plan.CentsPerCredit.IsZero() {
			plan.CentsPerCredit = defaultRate
		}
		if !plan.CentsPerCredit.IsPositive() {
			return nil, fmt.Errorf("%w: plan %s rate %s", ledger.ErrInvalidRate, id, plan.CentsPerCredit.String())
		}
		normalized[normalizeID(id)] = plan
	}
	return &Catalog{plans: normalized, defaultRate: defaultRate}, nil
}

// FromViper loads plans stored under key, e.g.
//
//	plans:
//	  pro:
//	    base-credits: 1000
//	    cents-per-credit: "0.8"
func FromViper(configuration *viper.Viper, key string) (*Catalog, error) {
	raw := map[string]planConfig{}
	if configuration.IsSet(key) {
		if err := configuration.UnmarshalKey(key, &raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	plans := make(map[string]Plan, len(raw))
	for id, config := range raw {
		plan := Plan{BaseMonthlyCredits: config.BaseCredits}
		if strings.TrimSpace(config.CentsPerCredit) != "" {
			rate, err := decimal.NewFromString(strings.TrimSpace(config.CentsPerCredit))
			if err != nil {
				return nil, fmt.Errorf("%w: plan %s: %v", ledger.ErrInvalidRate, id, err)
			}
			plan.CentsPerCredit = rate
		}
		plans[id] = plan
	}
	return New(plans, ledger.DefaultCentsPerCredit)
}

func (catalog *Catalog) BaseMonthlyCredits(planID string) int64 {
	return catalog.plans[normalizeID(planID)].BaseMonthlyCredits
}

func (catalog *Catalog) CentsPerCredit(planID string) decimal.Decimal {
	plan, ok := catalog.plans[normalizeID(planID)]
	if !ok {
		return catalog.defaultRate
	}
	return plan.CentsPerCredit
}

// PlanIDs lists the configured plan ids.
func (catalog *Catalog) PlanIDs() []string {
	ids := make([]string, 0, len(catalog.plans))
	for id := range catalog.plans {
		ids = append(ids, id)
	}
	return ids
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
