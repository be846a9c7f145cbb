package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ProductOffer is a marketplace listing normalized into the common schema.
type ProductOffer struct {
	PlatformCode string           `json:"platform_code"`
	PlatformName string           `json:"platform_name"`
	Country      string           `json:"country"`
	Title        string           `json:"title"`
	PriceUSD     decimal.Decimal  `json:"price_usd"`
	PriceLocal   *decimal.Decimal `json:"price_local,omitempty"`
	Currency     string           `json:"currency"`
	URL          string           `json:"url"`
	ImageURL     string           `json:"image_url,omitempty"`
	SellerName   string           `json:"seller_name,omitempty"`
	SellerRating *float64         `json:"seller_rating,omitempty"`
	MinOrderQty  *int             `json:"min_order_qty,omitempty"`
	ShippingDays *int             `json:"shipping_days,omitempty"`
	ExternalID   string           `json:"external_id,omitempty"`
}

// Usable reports whether the offer satisfies the listing invariant:
// a non-empty title and a strictly positive USD price.
func (o ProductOffer) Usable() bool {
	return strings.TrimSpace(o.Title) != "" && o.PriceUSD.IsPositive()
}
