package billing

import (
	"fmt"
	"log"
	"strings"

	"github.com/everkeep/everkeep/internal/pkg/entitlements"
	"github.com/everkeep/everkeep/internal/pkg/env"
)

// PriceTable maps the paid plans to the provider price identifiers and back.
// One price per plan; configuration, not data.
type PriceTable struct {
	prices map[entitlements.Plan]string
}

// NewPriceTable builds a price table from explicit values.
func NewPriceTable(personal, premium, ultimate string) *PriceTable {
	return &PriceTable{prices: map[entitlements.Plan]string{
		entitlements.PlanPersonal: strings.TrimSpace(personal),
		entitlements.PlanPremium:  strings.TrimSpace(premium),
		entitlements.PlanUltimate: strings.TrimSpace(ultimate),
	}}
}

// NewPriceTableFromEnv reads the per-plan price identifiers from the
// environment.
func NewPriceTableFromEnv() *PriceTable {
	return NewPriceTable(
		env.GetEnv("STRIPE_PRICE_PERSONAL", ""),
		env.GetEnv("STRIPE_PRICE_PREMIUM", ""),
		env.GetEnv("STRIPE_PRICE_ULTIMATE", ""),
	)
}

// PriceForPlan returns the provider price identifier for a paid plan.
func (t *PriceTable) PriceForPlan(plan entitlements.Plan) (string, error) {
	price := t.prices[plan]
	if price == "" {
		return "", fmt.Errorf("no price configured for plan %q", plan)
	}
	return price, nil
}

// PlanForPrice inversely maps a provider price identifier to a plan. Unknown
// prices default to personal with a warning so a checkout for an unknown
// price never silently entitles the top tier.
func (t *PriceTable) PlanForPrice(priceID string) entitlements.Plan {
	priceID = strings.TrimSpace(priceID)
	for plan, price := range t.prices {
		if price != "" && price == priceID {
			return plan
		}
	}
	log.Printf("billing: unknown price id %q, defaulting to personal", priceID)
	return entitlements.PlanPersonal
}
