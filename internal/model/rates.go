package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyRateSnapshot holds local currency units per one unit of each
// foreign currency.
type CurrencyRateSnapshot struct {
	USD       decimal.Decimal `json:"usd"`
	CNY       decimal.Decimal `json:"cny"`
	EUR       decimal.Decimal `json:"eur"`
	FetchedAt time.Time       `json:"fetched_at"`
	Source    string          `json:"source"`
	Stale     bool            `json:"stale"`
}

// Valid reports whether every rate is strictly positive.
func (s CurrencyRateSnapshot) Valid() bool {
	return s.USD.IsPositive() && s.CNY.IsPositive() && s.EUR.IsPositive()
}

// Rate returns the local rate for a currency code (USD, CNY or EUR).
func (s CurrencyRateSnapshot) Rate(code string) (decimal.Decimal, bool) {
	switch code {
	case "USD":
		return s.USD, true
	case "CNY":
		return s.CNY, true
	case "EUR":
		return s.EUR, true
	}
	return decimal.Zero, false
}
