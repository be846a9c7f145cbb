package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/metrics"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/resilience"
)

const (
	userAgent       = "sourcing-cli/1.0"
	maxResponseSize = 4 << 20
)

// Option customizes an adapter.
type Option func(*base)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) { b.client = c }
}

// WithPolicy overrides the retry and circuit breaker policy.
func WithPolicy(p *resilience.Policy) Option {
	return func(b *base) { b.policy = p }
}

// base carries the plumbing shared by every adapter: rate limiting,
// retries, circuit breaking, result filtering and bookkeeping.
type base struct {
	code    string
	name    string
	cfg     config.PlatformConfig
	client  *http.Client
	limiter *AdaptiveLimiter
	policy  *resilience.Policy
	conv    Converter

	mu    sync.Mutex
	stats Stats
}

func newBase(code, name string, cfg config.PlatformConfig, conv Converter, opts []Option) *base {
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 15
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	b := &base{
		code:    code,
		name:    name,
		cfg:     cfg,
		limiter: NewAdaptiveLimiter(code, cfg.RatePerSec, 2),
		conv:    conv,
	}
	for _, o := range opts {
		o(b)
	}
	if b.client == nil {
		b.client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if b.policy == nil {
		b.policy = resilience.NewPolicy(cfg.MaxAttempts, 5, 30*time.Second)
		b.policy.Retry.OnRetry = resilience.RetryLogger(code, "search")
	}
	return b
}

func (b *base) Code() string    { return b.code }
func (b *base) Name() string    { return b.name }
func (b *base) Country() string { return b.cfg.Country }

func (b *base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	if b.policy.Breaker != nil {
		s.Circuit = b.policy.Breaker.State().String()
	}
	return s
}

// fetchFunc performs one search and returns mapped offers plus the number
// of raw items that could not be mapped.
type fetchFunc func(ctx context.Context) ([]model.ProductOffer, int, error)

// run applies the adapter contract around fetch: skip when unavailable,
// bound the call by the platform timeout, convert local prices, drop
// unusable offers, cap the result count and classify errors.
func (b *base) run(ctx context.Context, available bool, fetch fetchFunc) (res Result) {
	res.Platform = b.code
	if !available {
		res.Skipped = true
		b.record(res)
		return res
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res.Offers = nil
			res.Duration = time.Since(start)
			res.Err = &AdapterError{Platform: b.code, Kind: KindMalformed, Err: fmt.Errorf("panic: %v", r)}
			b.record(res)
		}
	}()

	offers, dropped, err := fetch(callCtx)
	if err == nil {
		err = b.convert(callCtx, offers)
	}
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = classify(b.code, err)
		if res.Err.Kind == KindNetwork && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res.Err.Kind = KindTimeout
		}
		b.record(res)
		return res
	}

	kept := make([]model.ProductOffer, 0, len(offers))
	for _, o := range offers {
		if !o.Usable() {
			dropped++
			continue
		}
		o.PlatformCode = b.code
		o.PlatformName = b.name
		if o.Country == "" {
			o.Country = b.cfg.Country
		}
		kept = append(kept, o)
	}
	if len(kept) > b.cfg.MaxResults {
		kept = kept[:b.cfg.MaxResults]
	}
	res.Offers = kept
	res.Dropped = dropped
	b.record(res)
	return res
}

// convert fills PriceUSD for offers priced in another currency.
func (b *base) convert(ctx context.Context, offers []model.ProductOffer) error {
	for i := range offers {
		o := &offers[i]
		cur := strings.ToUpper(strings.TrimSpace(o.Currency))
		if cur == "" {
			cur = "USD"
		}
		o.Currency = cur
		if cur == "USD" || o.PriceLocal == nil || !o.PriceLocal.IsPositive() {
			continue
		}
		if b.conv == nil {
			return &conversionError{err: eris.Errorf("no converter for %s", cur)}
		}
		usd, err := b.conv.ToUSD(ctx, *o.PriceLocal, cur)
		if err != nil {
			return &conversionError{err: err}
		}
		o.PriceUSD = usd.Round(4)
	}
	return nil
}

// localPrice records a non-USD price for later conversion, or sets the
// USD price directly.
func localPrice(o *model.ProductOffer, amount decimal.Decimal, currency string) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" || currency == "USD" {
		o.PriceUSD = amount
		o.Currency = "USD"
		return
	}
	o.PriceLocal = decPtr(amount)
	o.Currency = currency
}

func (b *base) record(res Result) {
	label := "ok"
	switch {
	case res.Skipped:
		label = "skipped"
	case res.Err != nil:
		label = string(res.Err.Kind)
	}
	metrics.RecordAdapterCall(b.code, label, res.Duration, res.Dropped)

	b.mu.Lock()
	if res.Skipped {
		b.stats.Skipped++
	} else {
		b.stats.Calls++
		b.stats.LastDuration = res.Duration
		b.stats.LastCallAt = time.Now()
		if res.Err != nil {
			b.stats.Failures++
			b.stats.LastError = res.Err.Error()
		}
	}
	b.mu.Unlock()

	log := zap.L().With(zap.String("platform", b.code), zap.Duration("duration", res.Duration))
	switch {
	case res.Skipped:
		log.Debug("platform: adapter unavailable, skipped")
	case res.Err != nil:
		log.Warn("platform: search failed",
			zap.String("kind", string(res.Err.Kind)),
			zap.Error(res.Err.Err),
		)
	default:
		log.Info("platform: search complete",
			zap.Int("offers", len(res.Offers)),
			zap.Int("dropped", res.Dropped),
		)
	}
}

// getJSON issues a GET through the limiter and resilience policy and
// decodes a 200 response into out.
func (b *base) getJSON(ctx context.Context, endpoint string, params url.Values, header http.Header, out any) error {
	_, err := resilience.Call(ctx, b.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.doJSON(ctx, endpoint, params, header, out)
	})
	return err
}

func (b *base) doJSON(ctx context.Context, endpoint string, params url.Values, header http.Header, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "%s: rate limiter wait", b.code)
	}

	u := endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrapf(err, "%s: create request", b.code)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "%s: request", b.code)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return eris.Wrapf(err, "%s: read body", b.code)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		b.limiter.OnRateLimit()
	}
	if resp.StatusCode != http.StatusOK {
		return resilience.NewStatusError(b.code, resp.StatusCode, body)
	}
	b.limiter.OnSuccess()

	if err := json.Unmarshal(body, out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}
