package model

import "github.com/shopspring/decimal"

// ShippingMethod is the freight mode of a cargo provider.
type ShippingMethod string

const (
	MethodAvia   ShippingMethod = "AVIA"
	MethodCargo  ShippingMethod = "CARGO"
	MethodRail   ShippingMethod = "RAIL"
	MethodAuto   ShippingMethod = "AUTO"
	MethodTurkey ShippingMethod = "TURKEY"
)

// Valid reports whether m is a known shipping method.
func (m ShippingMethod) Valid() bool {
	switch m {
	case MethodAvia, MethodCargo, MethodRail, MethodAuto, MethodTurkey:
		return true
	}
	return false
}

// CargoProvider is a named freight route with a per-kilogram rate.
type CargoProvider struct {
	ID           string           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	Origin       string           `json:"origin" yaml:"origin"`
	Method       ShippingMethod   `json:"method" yaml:"method"`
	RatePerKg    decimal.Decimal  `json:"rate_per_kg" yaml:"rate_per_kg"`
	DeliveryDays int              `json:"delivery_days" yaml:"delivery_days"`
	MinWeightKg  *decimal.Decimal `json:"min_weight_kg" yaml:"min_weight_kg"`
}

// CargoSnapshot is the landed cost breakdown computed for one offer.
type CargoSnapshot struct {
	CargoCostUSD           decimal.Decimal  `json:"cargo_cost_usd"`
	CustomsUSD             decimal.Decimal  `json:"customs_usd"`
	VATUSD                 decimal.Decimal  `json:"vat_usd"`
	TotalItemCostUSD       decimal.Decimal  `json:"total_item_cost_usd"`
	LandedCostUSD          decimal.Decimal  `json:"landed_cost_usd"`
	LandedCostLocal        decimal.Decimal  `json:"landed_cost_local"`
	LandedCostPerUnitLocal decimal.Decimal  `json:"landed_cost_per_unit_local"`
	ProfitLocal            *decimal.Decimal `json:"profit_local,omitempty"`
	MarginPct              *decimal.Decimal `json:"margin_pct"`
	ROIPct                 *decimal.Decimal `json:"roi_pct"`
	ProviderID             string           `json:"provider_id"`
	ProviderName           string           `json:"provider_name"`
	DeliveryDays           int              `json:"delivery_days"`
}
