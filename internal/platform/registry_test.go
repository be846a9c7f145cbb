package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
)

type stubAdapter struct {
	code      string
	available bool
}

func (s stubAdapter) Code() string    { return s.code }
func (s stubAdapter) Name() string    { return s.code }
func (s stubAdapter) Country() string { return "CN" }
func (s stubAdapter) Available() bool { return s.available }
func (s stubAdapter) Stats() Stats    { return Stats{} }

func (s stubAdapter) Search(context.Context, string) Result {
	return Result{Platform: s.code}
}

func TestRegistry_Select(t *testing.T) {
	r := NewRegistry(
		stubAdapter{code: "shopee", available: true},
		stubAdapter{code: "aliexpress", available: true},
		stubAdapter{code: "banggood", available: false},
	)

	all, err := r.Select(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"shopee", "aliexpress"}, Codes(all))

	sel, err := r.Select([]string{"Shopee", "aliexpress", "shopee", "banggood"})
	require.NoError(t, err)
	assert.Equal(t, []string{"aliexpress", "banggood", "shopee"}, Codes(sel))

	_, err = r.Select([]string{"ebay"})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	_, err = r.Select([]string{"banggood"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no selected platform is available")
}

func TestRegistry_NothingAvailable(t *testing.T) {
	r := NewRegistry(stubAdapter{code: "banggood"})
	_, err := r.Select(nil)
	assert.True(t, model.IsValidation(err))
}

func TestNewAdapters_FromConfig(t *testing.T) {
	cfg := config.PlatformsConfig{
		AliExpress: config.PlatformConfig{Enabled: true, Key: "k", Secret: "s"},
		Alibaba:    config.PlatformConfig{Enabled: true},
		Banggood:   config.PlatformConfig{Enabled: false, Key: "k"},
		Shopee:     config.PlatformConfig{Enabled: true, BaseURL: "https://shopee.com.my"},
	}
	r := NewRegistry(NewAdapters(cfg, nil)...)

	assert.Equal(t, []string{"aliexpress", "alibaba", "banggood", "shopee"}, Codes(r.All()))
	assert.Equal(t, []string{"aliexpress", "shopee"}, Codes(r.Available()))

	s, ok := r.Get("shopee")
	require.True(t, ok)
	assert.Equal(t, "MY", s.Country())
}
