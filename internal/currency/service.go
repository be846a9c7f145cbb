// Package currency maintains the cached exchange-rate table used for
// landed cost conversion.
package currency

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/resilience"
)

// ErrNoRates is returned when no snapshot was ever obtained.
var ErrNoRates = eris.New("currency: no exchange rates available")

// Persister stores the last good snapshot across restarts.
type Persister interface {
	SaveRates(ctx context.Context, snap model.CurrencyRateSnapshot) error
	LatestRates(ctx context.Context) (*model.CurrencyRateSnapshot, error)
}

// Options configures a Service.
type Options struct {
	TTL           time.Duration
	FetchTimeout  time.Duration
	LocalCurrency string
	// ExtraUSDRates maps a currency code to USD per one unit, for
	// marketplace currencies outside the rate table.
	ExtraUSDRates map[string]float64
	Retry         resilience.RetryConfig
}

// Service serves the current rate snapshot, refreshing lazily when it
// expires. Concurrent refreshes collapse into one upstream fetch.
type Service struct {
	fetcher Fetcher
	persist Persister
	opts    Options
	extra   map[string]decimal.Decimal
	log     *zap.Logger

	mu      sync.RWMutex
	current *model.CurrencyRateSnapshot
	warmed  bool

	group singleflight.Group
	now   func() time.Time
}

// NewService creates a rate service. persist may be nil.
func NewService(fetcher Fetcher, persist Persister, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.LocalCurrency == "" {
		opts.LocalCurrency = "UZS"
	}
	opts.LocalCurrency = strings.ToUpper(opts.LocalCurrency)

	extra := make(map[string]decimal.Decimal, len(opts.ExtraUSDRates))
	for code, rate := range opts.ExtraUSDRates {
		if rate > 0 {
			extra[strings.ToUpper(code)] = decimal.NewFromFloat(rate)
		}
	}

	return &Service{
		fetcher: fetcher,
		persist: persist,
		opts:    opts,
		extra:   extra,
		log:     zap.L().With(zap.String("component", "currency")),
		now:     time.Now,
	}
}

// GetRates returns the cached snapshot, refreshing it when older than the
// TTL. If the refresh fails the last good snapshot is returned with Stale
// set. ErrNoRates is returned only when nothing was ever obtained.
func (s *Service) GetRates(ctx context.Context) (model.CurrencyRateSnapshot, error) {
	s.warm(ctx)

	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur != nil && s.now().Sub(cur.FetchedAt) < s.opts.TTL {
		return *cur, nil
	}

	return s.refreshOrStale(ctx)
}

// Refresh forces an upstream fetch. All concurrent callers share the same
// in-flight fetch and receive the same snapshot.
func (s *Service) Refresh(ctx context.Context) (model.CurrencyRateSnapshot, error) {
	s.warm(ctx)
	return s.refreshOrStale(ctx)
}

// USDRate returns local currency units per USD.
func (s *Service) USDRate(ctx context.Context) (decimal.Decimal, error) {
	snap, err := s.GetRates(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.USD, nil
}

// ToUSD converts amount in the given currency to USD. USD, CNY, EUR and the
// local currency go through the rate table; other codes use the configured
// static USD rates.
func (s *Service) ToUSD(ctx context.Context, amount decimal.Decimal, code string) (decimal.Decimal, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "USD" {
		return amount, nil
	}
	if rate, ok := s.extra[code]; ok {
		return amount.Mul(rate), nil
	}

	snap, err := s.GetRates(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if code == s.opts.LocalCurrency {
		return amount.Div(snap.USD), nil
	}
	local, ok := snap.Rate(code)
	if !ok {
		return decimal.Zero, eris.Errorf("currency: no rate for %s", code)
	}
	return amount.Mul(local).Div(snap.USD), nil
}

func (s *Service) refreshOrStale(ctx context.Context) (model.CurrencyRateSnapshot, error) {
	snap, err := s.refresh(ctx)
	if err == nil {
		return snap, nil
	}

	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur == nil {
		return model.CurrencyRateSnapshot{}, eris.Wrap(ErrNoRates, err.Error())
	}

	s.log.Warn("currency: refresh failed, serving last good snapshot",
		zap.Time("fetched_at", cur.FetchedAt),
		zap.Error(err),
	)
	stale := *cur
	stale.Stale = true
	return stale, nil
}

func (s *Service) refresh(ctx context.Context) (model.CurrencyRateSnapshot, error) {
	ch := s.group.DoChan("refresh", func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FetchTimeout)
		defer cancel()
		return s.fetchAndStore(fctx)
	})

	select {
	case <-ctx.Done():
		return model.CurrencyRateSnapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.CurrencyRateSnapshot{}, res.Err
		}
		return res.Val.(model.CurrencyRateSnapshot), nil
	}
}

func (s *Service) fetchAndStore(ctx context.Context) (model.CurrencyRateSnapshot, error) {
	retry := s.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("currency", s.fetcher.Source())
	}
	snap, err := resilience.DoVal(ctx, retry, s.fetcher.Fetch)
	if err != nil {
		return model.CurrencyRateSnapshot{}, eris.Wrap(err, "currency: fetch")
	}
	if !snap.Valid() {
		return model.CurrencyRateSnapshot{}, eris.Errorf("currency: %s returned non-positive rates", snap.Source)
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = s.now().UTC()
	}
	snap.Stale = false

	s.mu.Lock()
	// Never replace a newer snapshot with an older one.
	if s.current == nil || !snap.FetchedAt.Before(s.current.FetchedAt) {
		s.current = &snap
	}
	out := *s.current
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveRates(ctx, out); err != nil {
			s.log.Warn("currency: persist snapshot failed", zap.Error(err))
		}
	}

	s.log.Info("currency: rates refreshed",
		zap.String("source", out.Source),
		zap.String("usd", out.USD.String()),
		zap.String("cny", out.CNY.String()),
		zap.String("eur", out.EUR.String()),
	)
	return out, nil
}

// warm loads the persisted snapshot once so a restart starts with the last
// good rates.
func (s *Service) warm(ctx context.Context) {
	s.mu.RLock()
	done := s.warmed
	s.mu.RUnlock()
	if done || s.persist == nil {
		return
	}

	snap, err := s.persist.LatestRates(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warmed {
		return
	}
	s.warmed = true
	if err != nil {
		s.log.Warn("currency: load persisted snapshot failed", zap.Error(err))
		return
	}
	if snap != nil && snap.Valid() && s.current == nil {
		snap.Stale = false
		s.current = snap
	}
}
