package platform

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
)

// Alibaba searches Alibaba.com through a RapidAPI data hub.
type Alibaba struct {
	*base
}

// NewAlibaba creates an Alibaba adapter. It is available when enabled and
// a RapidAPI key is configured.
func NewAlibaba(cfg config.PlatformConfig, conv Converter, opts ...Option) *Alibaba {
	if cfg.Country == "" {
		cfg.Country = "CN"
	}
	return &Alibaba{base: newBase("alibaba", "Alibaba", cfg, conv, opts)}
}

func (a *Alibaba) Available() bool {
	return a.cfg.Enabled && a.cfg.Key != ""
}

func (a *Alibaba) Search(ctx context.Context, query string) Result {
	return a.run(ctx, a.Available(), func(ctx context.Context) ([]model.ProductOffer, int, error) {
		params := url.Values{}
		params.Set("q", query)
		params.Set("page", "1")

		header := http.Header{}
		header.Set("X-RapidAPI-Key", a.cfg.Key)
		if a.cfg.Host != "" {
			header.Set("X-RapidAPI-Host", a.cfg.Host)
		}

		var resp alibabaResponse
		endpoint := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/item_search"
		if err := a.getJSON(ctx, endpoint, params, header, &resp); err != nil {
			return nil, 0, err
		}
		if st := resp.Result.Status; st.Code != 0 && st.Code != 200 {
			return nil, 0, &apiError{
				Code: strconv.Itoa(st.Code),
				Msg:  st.Msg,
				Auth: st.Code == 401 || st.Code == 403,
			}
		}

		var (
			offers  []model.ProductOffer
			dropped int
		)
		for _, raw := range resp.Result.ResultList {
			o, err := mapAlibaba(raw)
			if err != nil {
				dropped++
				continue
			}
			offers = append(offers, o)
		}
		return offers, dropped, nil
	})
}

type alibabaResponse struct {
	Result struct {
		Status struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"status"`
		ResultList []alibabaEntry `json:"resultList"`
	} `json:"result"`
}

type alibabaEntry struct {
	Item struct {
		ItemID  flexString `json:"itemId"`
		Title   string     `json:"title"`
		ItemURL string     `json:"itemUrl"`
		Image   string     `json:"image"`
		SKU     struct {
			Def struct {
				Price          string `json:"price"`
				PromotionPrice string `json:"promotionPrice"`
			} `json:"def"`
		} `json:"sku"`
		MOQ      flexString `json:"moq"`
		Currency string     `json:"currency"`
	} `json:"item"`
	Seller struct {
		CompanyName string     `json:"companyName"`
		StoreName   string     `json:"storeName"`
		Rating      flexString `json:"storeRating"`
	} `json:"seller"`
}

func mapAlibaba(e alibabaEntry) (model.ProductOffer, error) {
	raw := e.Item.SKU.Def.PromotionPrice
	if strings.TrimSpace(raw) == "" {
		raw = e.Item.SKU.Def.Price
	}
	price, err := parsePrice(raw)
	if err != nil {
		return model.ProductOffer{}, eris.Wrapf(err, "alibaba: item %s", e.Item.ItemID)
	}

	o := model.ProductOffer{
		Title:      strings.TrimSpace(e.Item.Title),
		URL:        absoluteURL(e.Item.ItemURL),
		ImageURL:   absoluteURL(e.Item.Image),
		SellerName: strings.TrimSpace(e.Seller.CompanyName),
		ExternalID: e.Item.ItemID.String(),
	}
	if o.SellerName == "" {
		o.SellerName = strings.TrimSpace(e.Seller.StoreName)
	}
	localPrice(&o, price, e.Item.Currency)
	if moq, ok := parseUpperInt(e.Item.MOQ.String()); ok && moq > 0 {
		o.MinOrderQty = intPtr(moq)
	}
	if r, err := strconv.ParseFloat(e.Seller.Rating.String(), 64); err == nil && r > 0 && r <= 5 {
		o.SellerRating = floatPtr(r / 5)
	}
	return o, nil
}
