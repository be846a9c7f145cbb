package platform

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
)

// Banggood searches the Banggood open product-list API.
type Banggood struct {
	*base
}

// NewBanggood creates a Banggood adapter. It is available when enabled and
// an api key is configured.
func NewBanggood(cfg config.PlatformConfig, conv Converter, opts ...Option) *Banggood {
	if cfg.Country == "" {
		cfg.Country = "CN"
	}
	return &Banggood{base: newBase("banggood", "Banggood", cfg, conv, opts)}
}

func (b *Banggood) Available() bool {
	return b.cfg.Enabled && b.cfg.Key != ""
}

func (b *Banggood) Search(ctx context.Context, query string) Result {
	return b.run(ctx, b.Available(), func(ctx context.Context) ([]model.ProductOffer, int, error) {
		params := url.Values{}
		params.Set("api_key", b.cfg.Key)
		params.Set("keyword", query)
		params.Set("lang", "en")
		params.Set("currency", "USD")
		params.Set("page", "1")

		var resp banggoodResponse
		endpoint := strings.TrimSuffix(b.cfg.BaseURL, "/") + "/product/getProductList"
		if err := b.getJSON(ctx, endpoint, params, nil, &resp); err != nil {
			return nil, 0, err
		}
		if resp.Code != 0 {
			msg := strings.ToLower(resp.Msg)
			return nil, 0, &apiError{
				Code: strconv.Itoa(resp.Code),
				Msg:  resp.Msg,
				Auth: strings.Contains(msg, "api_key") || strings.Contains(msg, "token"),
			}
		}

		var (
			offers  []model.ProductOffer
			dropped int
		)
		for _, raw := range resp.ProductList {
			o, err := mapBanggood(raw)
			if err != nil {
				dropped++
				continue
			}
			offers = append(offers, o)
		}
		return offers, dropped, nil
	})
}

type banggoodResponse struct {
	Code        int               `json:"code"`
	Msg         string            `json:"msg"`
	ProductList []banggoodProduct `json:"product_list"`
}

type banggoodProduct struct {
	ProductID   flexString `json:"product_id"`
	ProductName string     `json:"product_name"`
	Price       flexString `json:"price"`
	Currency    string     `json:"currency"`
	Image       string     `json:"img"`
	ProductURL  string     `json:"product_url"`
	ShipDays    flexString `json:"ship_days"`
	Rating      flexString `json:"reviews_rating"`
	MinQty      flexString `json:"min_qty"`
}

func mapBanggood(p banggoodProduct) (model.ProductOffer, error) {
	price, err := parsePrice(p.Price.String())
	if err != nil {
		return model.ProductOffer{}, eris.Wrapf(err, "banggood: product %s", p.ProductID)
	}

	o := model.ProductOffer{
		Title:      strings.TrimSpace(p.ProductName),
		URL:        absoluteURL(p.ProductURL),
		ImageURL:   absoluteURL(p.Image),
		SellerName: "Banggood",
		ExternalID: p.ProductID.String(),
	}
	localPrice(&o, price, p.Currency)
	if d, ok := parseUpperInt(p.ShipDays.String()); ok {
		o.ShippingDays = intPtr(d)
	}
	if r, err := strconv.ParseFloat(p.Rating.String(), 64); err == nil && r > 0 && r <= 5 {
		o.SellerRating = floatPtr(r / 5)
	}
	if q, ok := parseUpperInt(p.MinQty.String()); ok && q > 1 {
		o.MinOrderQty = intPtr(q)
	}
	return o, nil
}
