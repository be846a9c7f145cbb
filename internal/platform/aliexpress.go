package platform

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
)

const aliexpressMethod = "aliexpress.affiliate.product.query"

// AliExpress searches the AliExpress affiliate API.
type AliExpress struct {
	*base
	now func() time.Time
}

// NewAliExpress creates an AliExpress adapter. It is available when enabled
// and both app key and secret are configured.
func NewAliExpress(cfg config.PlatformConfig, conv Converter, opts ...Option) *AliExpress {
	if cfg.Country == "" {
		cfg.Country = "CN"
	}
	return &AliExpress{
		base: newBase("aliexpress", "AliExpress", cfg, conv, opts),
		now:  time.Now,
	}
}

func (a *AliExpress) Available() bool {
	return a.cfg.Enabled && a.cfg.Key != "" && a.cfg.Secret != ""
}

func (a *AliExpress) Search(ctx context.Context, query string) Result {
	return a.run(ctx, a.Available(), func(ctx context.Context) ([]model.ProductOffer, int, error) {
		params := url.Values{}
		params.Set("app_key", a.cfg.Key)
		params.Set("method", aliexpressMethod)
		params.Set("sign_method", "sha256")
		params.Set("timestamp", strconv.FormatInt(a.now().UnixMilli(), 10))
		params.Set("keywords", query)
		params.Set("page_no", "1")
		params.Set("page_size", strconv.Itoa(a.cfg.MaxResults))
		params.Set("target_currency", "USD")
		params.Set("target_language", "EN")
		params.Set("sign", signAliExpress(params, a.cfg.Secret))

		var resp aliexpressResponse
		if err := a.getJSON(ctx, a.cfg.BaseURL, params, nil, &resp); err != nil {
			return nil, 0, err
		}
		if resp.Error != nil {
			return nil, 0, &apiError{
				Code: resp.Error.Code,
				Msg:  resp.Error.Msg,
				Auth: aliexpressAuthCodes[resp.Error.Code],
			}
		}
		if resp.Query == nil {
			return nil, 0, &decodeError{err: eris.New("missing query response")}
		}
		rr := resp.Query.RespResult
		switch rr.RespCode {
		case 200:
		case 405:
			// No products matched.
			return nil, 0, nil
		default:
			return nil, 0, &apiError{Code: strconv.Itoa(rr.RespCode), Msg: rr.RespMsg}
		}

		var (
			offers  []model.ProductOffer
			dropped int
		)
		for _, raw := range rr.Result.Products.Product {
			o, err := mapAliExpress(raw)
			if err != nil {
				dropped++
				continue
			}
			offers = append(offers, o)
		}
		return offers, dropped, nil
	})
}

var aliexpressAuthCodes = map[string]bool{
	"IncompleteSignature":    true,
	"InvalidSignature":       true,
	"InvalidApiKey":          true,
	"AppKeyNotExist":         true,
	"InsufficientPermission": true,
}

// signAliExpress computes the system-interface signature: keys sorted,
// concatenated as key+value, HMAC-SHA256 with the app secret, upper hex.
func signAliExpress(params url.Values, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "sign" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(params.Get(k))
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sb.String()))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

type aliexpressResponse struct {
	Error *struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error_response"`
	Query *struct {
		RespResult struct {
			RespCode int    `json:"resp_code"`
			RespMsg  string `json:"resp_msg"`
			Result   struct {
				Products struct {
					Product []aliexpressProduct `json:"product"`
				} `json:"products"`
			} `json:"result"`
		} `json:"resp_result"`
	} `json:"aliexpress_affiliate_product_query_response"`
}

type aliexpressProduct struct {
	ProductID     flexString `json:"product_id"`
	Title         string     `json:"product_title"`
	SalePrice     flexString `json:"target_sale_price"`
	SaleCurrency  string     `json:"target_sale_price_currency"`
	OriginalPrice flexString `json:"target_original_price"`
	DetailURL     string     `json:"product_detail_url"`
	PromotionLink string     `json:"promotion_link"`
	ImageURL      string     `json:"product_main_image_url"`
	ShopName      string     `json:"shop_name"`
	EvaluateRate  string     `json:"evaluate_rate"`
	ShipToDays    flexString `json:"ship_to_days"`
}

func mapAliExpress(p aliexpressProduct) (model.ProductOffer, error) {
	raw := p.SalePrice.String()
	if raw == "" {
		raw = p.OriginalPrice.String()
	}
	price, err := parsePrice(raw)
	if err != nil {
		return model.ProductOffer{}, eris.Wrapf(err, "aliexpress: product %s", p.ProductID)
	}

	o := model.ProductOffer{
		Title:      strings.TrimSpace(p.Title),
		URL:        absoluteURL(p.DetailURL),
		ImageURL:   absoluteURL(p.ImageURL),
		SellerName: strings.TrimSpace(p.ShopName),
		ExternalID: p.ProductID.String(),
	}
	if o.URL == "" {
		o.URL = absoluteURL(p.PromotionLink)
	}
	localPrice(&o, price, p.SaleCurrency)
	if r, ok := parseRatio(p.EvaluateRate); ok {
		o.SellerRating = floatPtr(r)
	}
	if d, ok := parseUpperInt(p.ShipToDays.String()); ok {
		o.ShippingDays = intPtr(d)
	}
	return o, nil
}
