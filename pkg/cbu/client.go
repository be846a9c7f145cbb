// Package cbu provides a client for the Central Bank of Uzbekistan exchange
// rate feed.
package cbu

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Client fetches the daily rate table.
type Client interface {
	// Latest returns UZS per one unit of each listed currency.
	Latest(ctx context.Context) (*RateTable, error)
}

// RateTable is the parsed feed.
type RateTable struct {
	Date  time.Time
	Rates map[string]decimal.Decimal
}

// entry is one row of the feed. Numbers arrive as strings.
type entry struct {
	Ccy     string `json:"Ccy"`
	Nominal string `json:"Nominal"`
	Rate    string `json:"Rate"`
	Date    string `json:"Date"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom feed URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a feed client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://cbu.uz/uz/arkhiv-kursov-valyut/json/",
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "cbu: unexpected status " + http.StatusText(e.StatusCode)
}

func (c *httpClient) Latest(ctx context.Context) (*RateTable, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "cbu: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "cbu: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "cbu: read response body")
	}

	var entries []entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, eris.Wrap(err, "cbu: unmarshal response")
	}
	return parse(entries)
}

func parse(entries []entry) (*RateTable, error) {
	table := &RateTable{Rates: make(map[string]decimal.Decimal, len(entries))}
	for _, e := range entries {
		code := strings.ToUpper(strings.TrimSpace(e.Ccy))
		if code == "" {
			continue
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(e.Rate))
		if err != nil {
			return nil, eris.Wrapf(err, "cbu: parse rate for %s", code)
		}
		nominal := decimal.NewFromInt(1)
		if n := strings.TrimSpace(e.Nominal); n != "" {
			if nominal, err = decimal.NewFromString(n); err != nil || !nominal.IsPositive() {
				return nil, eris.Errorf("cbu: bad nominal %q for %s", e.Nominal, code)
			}
		}
		table.Rates[code] = rate.Div(nominal)

		if table.Date.IsZero() && e.Date != "" {
			if d, err := time.Parse("02.01.2006", e.Date); err == nil {
				table.Date = d
			}
		}
	}
	if len(table.Rates) == 0 {
		return nil, eris.New("cbu: empty rate table")
	}
	return table, nil
}
