package currency

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/resilience"
	"github.com/sells-group/sourcing-cli/pkg/cbu"
)

// Fetcher retrieves a fresh rate snapshot from an upstream source.
type Fetcher interface {
	Fetch(ctx context.Context) (model.CurrencyRateSnapshot, error)
	Source() string
}

// StaticFetcher serves fixed rates from configuration.
type StaticFetcher struct {
	rates config.StaticRates
	now   func() time.Time
}

// NewStaticFetcher creates a fetcher over fixed rates.
func NewStaticFetcher(rates config.StaticRates) *StaticFetcher {
	return &StaticFetcher{rates: rates, now: time.Now}
}

func (f *StaticFetcher) Source() string { return "static" }

func (f *StaticFetcher) Fetch(_ context.Context) (model.CurrencyRateSnapshot, error) {
	return model.CurrencyRateSnapshot{
		USD:       decimal.NewFromFloat(f.rates.USD),
		CNY:       decimal.NewFromFloat(f.rates.CNY),
		EUR:       decimal.NewFromFloat(f.rates.EUR),
		FetchedAt: f.now().UTC(),
		Source:    f.Source(),
	}, nil
}

// CBUFetcher reads rates from the central bank feed.
type CBUFetcher struct {
	client cbu.Client
	now    func() time.Time
}

// NewCBUFetcher creates a fetcher backed by the central bank feed.
func NewCBUFetcher(client cbu.Client) *CBUFetcher {
	return &CBUFetcher{client: client, now: time.Now}
}

func (f *CBUFetcher) Source() string { return "cbu" }

func (f *CBUFetcher) Fetch(ctx context.Context) (model.CurrencyRateSnapshot, error) {
	table, err := f.client.Latest(ctx)
	if err != nil {
		var se *cbu.StatusError
		if errors.As(err, &se) {
			return model.CurrencyRateSnapshot{}, resilience.NewStatusError("cbu", se.StatusCode, nil)
		}
		return model.CurrencyRateSnapshot{}, err
	}

	snap := model.CurrencyRateSnapshot{
		FetchedAt: f.now().UTC(),
		Source:    f.Source(),
	}
	var ok bool
	for code, dst := range map[string]*decimal.Decimal{"USD": &snap.USD, "CNY": &snap.CNY, "EUR": &snap.EUR} {
		if *dst, ok = table.Rates[code]; !ok {
			return model.CurrencyRateSnapshot{}, eris.Errorf("currency: cbu feed missing %s", code)
		}
	}
	return snap, nil
}
