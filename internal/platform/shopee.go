package platform

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
)

// shopeePriceScale is the divisor for Shopee's integer prices.
var shopeePriceScale = decimal.NewFromInt(100000)

// Shopee searches the public Shopee storefront search endpoint.
type Shopee struct {
	*base
}

// NewShopee creates a Shopee adapter for the configured country. Prices
// arrive in the country's currency and are converted to USD.
func NewShopee(cfg config.PlatformConfig, conv Converter, opts ...Option) *Shopee {
	if cfg.Country == "" {
		cfg.Country = "MY"
	}
	if cfg.Currency == "" {
		cfg.Currency = "MYR"
	}
	return &Shopee{base: newBase("shopee", "Shopee", cfg, conv, opts)}
}

// Available needs no credentials.
func (s *Shopee) Available() bool {
	return s.cfg.Enabled && s.cfg.BaseURL != ""
}

func (s *Shopee) Search(ctx context.Context, query string) Result {
	return s.run(ctx, s.Available(), func(ctx context.Context) ([]model.ProductOffer, int, error) {
		params := url.Values{}
		params.Set("by", "relevancy")
		params.Set("keyword", query)
		params.Set("limit", strconv.Itoa(s.cfg.MaxResults))
		params.Set("newest", "0")
		params.Set("order", "desc")
		params.Set("page_type", "search")

		root := strings.TrimSuffix(s.cfg.BaseURL, "/")
		var resp shopeeResponse
		if err := s.getJSON(ctx, root+"/api/v4/search/search_items", params, nil, &resp); err != nil {
			return nil, 0, err
		}
		if resp.Error != nil && *resp.Error != 0 {
			return nil, 0, &apiError{Code: strconv.FormatInt(*resp.Error, 10), Msg: resp.ErrorMsg}
		}

		var (
			offers  []model.ProductOffer
			dropped int
		)
		for _, raw := range resp.Items {
			o, err := mapShopee(raw.ItemBasic, root, s.cfg.Currency)
			if err != nil {
				dropped++
				continue
			}
			offers = append(offers, o)
		}
		return offers, dropped, nil
	})
}

type shopeeResponse struct {
	Error    *int64 `json:"error"`
	ErrorMsg string `json:"error_msg"`
	Items    []struct {
		ItemBasic shopeeItem `json:"item_basic"`
	} `json:"items"`
}

type shopeeItem struct {
	ItemID     int64  `json:"itemid"`
	ShopID     int64  `json:"shopid"`
	Name       string `json:"name"`
	Price      int64  `json:"price"`
	PriceMin   int64  `json:"price_min"`
	Currency   string `json:"currency"`
	Image      string `json:"image"`
	ShopName   string `json:"shop_name"`
	ItemRating struct {
		RatingStar float64 `json:"rating_star"`
	} `json:"item_rating"`
}

func mapShopee(it shopeeItem, baseURL, currency string) (model.ProductOffer, error) {
	micro := it.Price
	if it.PriceMin > 0 && (micro <= 0 || it.PriceMin < micro) {
		micro = it.PriceMin
	}
	if micro <= 0 {
		return model.ProductOffer{}, eris.Errorf("shopee: item %d has no price", it.ItemID)
	}
	if it.Currency != "" {
		currency = it.Currency
	}

	o := model.ProductOffer{
		Title:      strings.TrimSpace(it.Name),
		URL:        fmt.Sprintf("%s/product/%d/%d", baseURL, it.ShopID, it.ItemID),
		SellerName: strings.TrimSpace(it.ShopName),
		ExternalID: strconv.FormatInt(it.ItemID, 10),
	}
	if it.Image != "" {
		o.ImageURL = "https://down-my.img.susercontent.com/file/" + it.Image
	}
	localPrice(&o, decimal.NewFromInt(micro).Div(shopeePriceScale), currency)
	if r := it.ItemRating.RatingStar; r > 0 && r <= 5 {
		o.SellerRating = floatPtr(r / 5)
	}
	return o, nil
}
