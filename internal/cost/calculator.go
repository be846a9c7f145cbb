// Package cost computes landed cost and profitability for sourced offers.
package cost

import (
	"github.com/shopspring/decimal"

	"github.com/sells-group/sourcing-cli/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Rates holds the tax defaults applied when an input omits them.
// Percentages are expressed as 10 for 10%.
type Rates struct {
	VATPct     decimal.Decimal `yaml:"vat_pct" mapstructure:"vat_pct"`
	CustomsPct decimal.Decimal `yaml:"customs_pct" mapstructure:"customs_pct"`
}

// DefaultRates returns the standard VAT of 12% and no customs duty.
func DefaultRates() Rates {
	return Rates{
		VATPct:     decimal.NewFromInt(12),
		CustomsPct: decimal.Zero,
	}
}

// Input describes a single landed cost calculation. WeightKg is the total
// shipment weight, not the per-unit weight.
type Input struct {
	ItemCostUSD    decimal.Decimal
	Quantity       int
	WeightKg       decimal.Decimal
	ProviderID     string
	CustomsRatePct *decimal.Decimal
	VATRatePct     *decimal.Decimal
	USDRate        decimal.Decimal
	SellPriceLocal *decimal.Decimal
}

// Calculator computes landed cost snapshots. It has no side effects and is
// safe for concurrent use.
type Calculator struct {
	rates     Rates
	providers *Registry
}

// NewCalculator creates a Calculator with the given rates and provider registry.
func NewCalculator(rates Rates, providers *Registry) *Calculator {
	return &Calculator{rates: rates, providers: providers}
}

// Providers returns the registry the calculator resolves provider ids against.
func (c *Calculator) Providers() *Registry {
	return c.providers
}

// Calculate computes the landed cost breakdown for in.
//
//	effective_weight = max(weight, provider.min_weight or 0)
//	cargo            = effective_weight * rate_per_kg
//	customs          = (items + cargo) * customs%
//	vat              = (items + cargo + customs) * vat%
//	landed           = items + cargo + customs + vat
//
// Margin and ROI are per unit and may be negative.
func (c *Calculator) Calculate(in Input) (model.CargoSnapshot, error) {
	if err := c.validate(in); err != nil {
		return model.CargoSnapshot{}, err
	}

	provider, ok := c.providers.Get(in.ProviderID)
	if !ok {
		return model.CargoSnapshot{}, model.Invalid("provider_id", "unknown provider "+in.ProviderID)
	}

	customsPct := c.rates.CustomsPct
	if in.CustomsRatePct != nil {
		customsPct = *in.CustomsRatePct
	}
	vatPct := c.rates.VATPct
	if in.VATRatePct != nil {
		vatPct = *in.VATRatePct
	}

	weight := in.WeightKg
	if provider.MinWeightKg != nil && provider.MinWeightKg.GreaterThan(weight) {
		weight = *provider.MinWeightKg
	}

	qty := decimal.NewFromInt(int64(in.Quantity))
	items := in.ItemCostUSD.Mul(qty)
	cargo := weight.Mul(provider.RatePerKg)
	customs := items.Add(cargo).Mul(customsPct).Div(hundred)
	vat := items.Add(cargo).Add(customs).Mul(vatPct).Div(hundred)
	landedUSD := items.Add(cargo).Add(customs).Add(vat)
	landedLocal := landedUSD.Mul(in.USDRate)
	perUnit := landedLocal.Div(qty)

	snap := model.CargoSnapshot{
		CargoCostUSD:           money(cargo),
		CustomsUSD:             money(customs),
		VATUSD:                 money(vat),
		TotalItemCostUSD:       money(items),
		LandedCostUSD:          money(landedUSD),
		LandedCostLocal:        money(landedLocal),
		LandedCostPerUnitLocal: money(perUnit),
		ProviderID:             provider.ID,
		ProviderName:           provider.Name,
		DeliveryDays:           provider.DeliveryDays,
	}

	if in.SellPriceLocal != nil {
		sell := *in.SellPriceLocal
		profit := sell.Sub(perUnit)
		margin := money(profit.Div(sell).Mul(hundred))
		roi := money(profit.Div(perUnit).Mul(hundred))
		p := money(profit)
		snap.ProfitLocal = &p
		snap.MarginPct = &margin
		snap.ROIPct = &roi
	}

	return snap, nil
}

func (c *Calculator) validate(in Input) error {
	switch {
	case in.Quantity <= 0:
		return model.Invalid("quantity", "must be positive")
	case in.WeightKg.IsNegative():
		return model.Invalid("weight_kg", "must not be negative")
	case !in.ItemCostUSD.IsPositive():
		return model.Invalid("item_cost_usd", "must be positive")
	case !in.USDRate.IsPositive():
		return model.Invalid("usd_rate", "must be positive")
	case in.ProviderID == "":
		return model.Invalid("provider_id", "is required")
	}
	if in.CustomsRatePct != nil && in.CustomsRatePct.IsNegative() {
		return model.Invalid("customs_rate", "must not be negative")
	}
	if in.VATRatePct != nil && in.VATRatePct.IsNegative() {
		return model.Invalid("vat_rate", "must not be negative")
	}
	if in.SellPriceLocal != nil && !in.SellPriceLocal.IsPositive() {
		return model.Invalid("sell_price_local", "must be positive")
	}
	return nil
}

func money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
