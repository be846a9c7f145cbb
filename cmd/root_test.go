package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
)

func subcommandNames(c *cobra.Command) map[string]bool {
	names := make(map[string]bool)
	for _, sub := range c.Commands() {
		names[sub.Name()] = true
	}
	return names
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := subcommandNames(rootCmd)
	for _, name := range []string{"serve", "migrate", "jobs", "cargo", "rates", "stats"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "sourcing-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestGroupCommands_HaveSubcommands(t *testing.T) {
	tests := []struct {
		cmd  *cobra.Command
		want []string
	}{
		{jobsCmd, []string{"create", "get", "list", "export"}},
		{cargoCmd, []string{"calc", "providers"}},
		{ratesCmd, []string{"show", "refresh"}},
	}
	for _, tt := range tests {
		names := subcommandNames(tt.cmd)
		for _, name := range tt.want {
			assert.True(t, names[name], "%s: expected subcommand %q", tt.cmd.Name(), name)
		}
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestJobsCreateCommand_Flags(t *testing.T) {
	for _, name := range []string{"product-id", "title", "platform", "quantity", "weight", "customs", "sell-price", "provider", "wait", "poll-interval"} {
		assert.NotNil(t, jobsCreateCmd.Flags().Lookup(name), "jobs create should have --%s", name)
	}
	assert.Equal(t, "false", jobsCreateCmd.Flags().Lookup("wait").DefValue)
}

func TestJobsListCommand_Flags(t *testing.T) {
	flag := jobsListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "20", flag.DefValue)
}

func TestRootCmd_PersistentPreRunE_WithValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configContent := `
store:
  driver: sqlite
log:
  level: info
  format: console
sourcing:
  debounce_secs: 30
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte(configContent), 0o644))
	t.Chdir(tmpDir)

	oldCfg := cfg
	cfg = nil
	defer func() { cfg = oldCfg }()

	require.NoError(t, rootCmd.PersistentPreRunE(rootCmd, nil))
	require.NotNil(t, cfg)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 30, cfg.Sourcing.DebounceSecs)
}

func TestCreateRequestFromFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(jobsCreateCmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{
		"--product-id", "p-9",
		"--title", "USB fan",
		"--platform", "aliexpress,shopee",
		"--quantity", "20",
		"--weight", "7.5",
		"--customs", "10",
		"--sell-price", "95000",
	}))

	req, err := createRequestFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, "p-9", req.ProductID)
	assert.Equal(t, "USB fan", req.Title)
	assert.Equal(t, []string{"aliexpress", "shopee"}, req.Platforms)
	assert.Equal(t, 20, req.Params.Quantity)
	assert.Equal(t, "7.5", req.Params.WeightKg.String())
	assert.Equal(t, "10", req.Params.CustomsRatePct.String())
	require.NotNil(t, req.Params.SellPriceLocal)
	assert.Equal(t, "95000", req.Params.SellPriceLocal.String())
}

func TestCreateRequestFromFlags_BadDecimal(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("weight", "", "")
	cmd.Flags().String("customs", "", "")
	cmd.Flags().String("sell-price", "", "")
	cmd.Flags().String("product-id", "", "")
	cmd.Flags().String("title", "", "")
	cmd.Flags().StringSlice("platform", nil, "")
	cmd.Flags().Int("quantity", 0, "")
	cmd.Flags().String("provider", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--weight", "heavy"}))

	_, err := createRequestFromFlags(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --weight")
}

func TestFormatJobsList(t *testing.T) {
	var buf bytes.Buffer
	formatJobsList(&buf, []model.SourcingJob{{
		ID:         "job-1",
		Status:     model.JobStatusFailed,
		ProductID:  "p-1",
		Query:      "usb fan",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		FailReason: "all platforms failed: shopee: timeout",
	}})

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "shopee: timeout")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestWaitForJob_Terminal(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	env := newTestEngine(t, func(c *config.Config) {
		c.Platforms.Banggood = config.PlatformConfig{
			Enabled:     true,
			Key:         "test-key",
			BaseURL:     upstream.URL,
			Country:     "CN",
			TimeoutSecs: 1,
			MaxAttempts: 1,
		}
	})
	res, err := env.Sourcing.CreateJob(context.Background(), createReq("p-wait"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	view, err := waitForJob(ctx, env.Sourcing, res.JobID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, view.Status.IsTerminal())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "test.db"),
		},
		Currency: config.CurrencyConfig{
			Source:        "static",
			LocalCurrency: "UZS",
			Static:        config.StaticRates{USD: 12500, CNY: 1720, EUR: 13600},
		},
		Cargo: config.CargoConfig{
			DefaultProvider: "cn-cargo",
			VATPct:          12,
		},
		Sourcing: config.SourcingConfig{
			JobBudgetSecs:    2,
			MatchReserveSecs: 1,
			DebounceSecs:     60,
			Debouncer:        "memory",
			DefaultQuantity:  1,
			DefaultWeightKg:  1,
			StaleAfterMins:   10,
		},
		Matcher: config.MatcherConfig{RankThreshold: 0.3},
		Server:  config.ServerConfig{ShutdownTimeout: 5},
	}
}
