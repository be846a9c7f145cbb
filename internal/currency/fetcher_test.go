package currency

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/resilience"
	"github.com/sells-group/sourcing-cli/pkg/cbu"
)

type stubCBU struct {
	table *cbu.RateTable
	err   error
}

func (s stubCBU) Latest(context.Context) (*cbu.RateTable, error) { return s.table, s.err }

func TestCBUFetcher(t *testing.T) {
	f := NewCBUFetcher(stubCBU{table: &cbu.RateTable{Rates: map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(12900),
		"CNY": decimal.NewFromInt(1780),
		"EUR": decimal.NewFromInt(14000),
		"RUB": decimal.NewFromInt(160),
	}}})

	snap, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cbu", snap.Source)
	assert.Equal(t, "12900", snap.USD.String())
	assert.Equal(t, "1780", snap.CNY.String())
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestCBUFetcher_MissingCurrency(t *testing.T) {
	f := NewCBUFetcher(stubCBU{table: &cbu.RateTable{Rates: map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(12900),
	}}})
	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cbu feed missing")
}

func TestCBUFetcher_StatusIsRetryable(t *testing.T) {
	f := NewCBUFetcher(stubCBU{err: &cbu.StatusError{StatusCode: 503}})
	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestStaticFetcher(t *testing.T) {
	f := NewStaticFetcher(config.StaticRates{USD: 12900, CNY: 1780, EUR: 14000})
	snap, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Valid())
	assert.Equal(t, "static", snap.Source)
}
