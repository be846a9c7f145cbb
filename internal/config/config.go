package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Matcher    MatcherConfig    `yaml:"matcher" mapstructure:"matcher"`
	Currency   CurrencyConfig   `yaml:"currency" mapstructure:"currency"`
	Cargo      CargoConfig      `yaml:"cargo" mapstructure:"cargo"`
	Sourcing   SourcingConfig   `yaml:"sourcing" mapstructure:"sourcing"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Platforms  PlatformsConfig  `yaml:"platforms" mapstructure:"platforms"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the optional Redis connection used for job
// debouncing and refresh hints. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// ServerConfig configures the REST server.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	APIKey          string   `yaml:"api_key" mapstructure:"api_key"`
	CORSOrigins     []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AnthropicConfig holds Anthropic API settings for the match scorer.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// MatcherConfig configures offer scoring and ranking.
type MatcherConfig struct {
	UseLLM        bool    `yaml:"use_llm" mapstructure:"use_llm"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RankThreshold float64 `yaml:"rank_threshold" mapstructure:"rank_threshold"`
}

// CurrencyConfig configures the exchange-rate service.
type CurrencyConfig struct {
	Source        string             `yaml:"source" mapstructure:"source"` // "cbu" or "static"
	BaseURL       string             `yaml:"base_url" mapstructure:"base_url"`
	TTLHours      int                `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	FetchTimeout  int                `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	RefreshCron   string             `yaml:"refresh_cron" mapstructure:"refresh_cron"`
	LocalCurrency string             `yaml:"local_currency" mapstructure:"local_currency"`
	Static        StaticRates        `yaml:"static" mapstructure:"static"`
	ExtraUSDRates map[string]float64 `yaml:"extra_usd_rates" mapstructure:"extra_usd_rates"`
}

// StaticRates are fixed local rates used by the static source.
type StaticRates struct {
	USD float64 `yaml:"usd" mapstructure:"usd"`
	CNY float64 `yaml:"cny" mapstructure:"cny"`
	EUR float64 `yaml:"eur" mapstructure:"eur"`
}

// CargoConfig configures the landed cost engine.
type CargoConfig struct {
	ProvidersPath     string  `yaml:"providers_path" mapstructure:"providers_path"`
	DefaultProvider   string  `yaml:"default_provider" mapstructure:"default_provider"`
	DefaultCustomsPct float64 `yaml:"default_customs_pct" mapstructure:"default_customs_pct"`
	VATPct            float64 `yaml:"vat_pct" mapstructure:"vat_pct"`
}

// SourcingConfig configures job orchestration.
type SourcingConfig struct {
	JobBudgetSecs    int     `yaml:"job_budget_secs" mapstructure:"job_budget_secs"`
	MatchReserveSecs int     `yaml:"match_reserve_secs" mapstructure:"match_reserve_secs"`
	DebounceSecs     int     `yaml:"debounce_secs" mapstructure:"debounce_secs"`
	Debouncer        string  `yaml:"debouncer" mapstructure:"debouncer"` // "memory" or "redis"
	DefaultQuantity  int     `yaml:"default_quantity" mapstructure:"default_quantity"`
	DefaultWeightKg  float64 `yaml:"default_weight_kg" mapstructure:"default_weight_kg"`
	StaleAfterMins   int     `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	ReaperCron       string  `yaml:"reaper_cron" mapstructure:"reaper_cron"`
}

// NotifyConfig configures refresh hints sent after jobs finish.
type NotifyConfig struct {
	Channel string `yaml:"channel" mapstructure:"channel"`
}

// PlatformsConfig holds per-marketplace adapter settings.
type PlatformsConfig struct {
	AliExpress PlatformConfig `yaml:"aliexpress" mapstructure:"aliexpress"`
	Alibaba    PlatformConfig `yaml:"alibaba" mapstructure:"alibaba"`
	Banggood   PlatformConfig `yaml:"banggood" mapstructure:"banggood"`
	Shopee     PlatformConfig `yaml:"shopee" mapstructure:"shopee"`
}

// PlatformConfig configures one marketplace adapter.
type PlatformConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Key         string  `yaml:"key" mapstructure:"key"`
	Secret      string  `yaml:"secret" mapstructure:"secret"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Host        string  `yaml:"host" mapstructure:"host"`
	Country     string  `yaml:"country" mapstructure:"country"`
	Currency    string  `yaml:"currency" mapstructure:"currency"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxResults  int     `yaml:"max_results" mapstructure:"max_results"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// Timeout returns the per-call timeout.
func (p PlatformConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// MonitoringConfig configures job health alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckCron            string  `yaml:"check_cron" mapstructure:"check_cron"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StuckJobThreshold    int     `yaml:"stuck_job_threshold" mapstructure:"stuck_job_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SOURCING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "sourcing.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.db", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("matcher.use_llm", true)
	v.SetDefault("matcher.timeout_secs", 10)
	v.SetDefault("matcher.rank_threshold", 0.3)
	v.SetDefault("currency.source", "cbu")
	v.SetDefault("currency.base_url", "https://cbu.uz/uz/arkhiv-kursov-valyut/json/")
	v.SetDefault("currency.ttl_hours", 24)
	v.SetDefault("currency.fetch_timeout_secs", 10)
	v.SetDefault("currency.refresh_cron", "0 9 * * *")
	v.SetDefault("currency.local_currency", "UZS")
	v.SetDefault("currency.static.usd", 12900)
	v.SetDefault("currency.static.cny", 1780)
	v.SetDefault("currency.static.eur", 14000)
	v.SetDefault("currency.extra_usd_rates", map[string]float64{
		"MYR": 0.21, "SGD": 0.74, "THB": 0.028, "IDR": 0.000063, "VND": 0.000040, "PHP": 0.018, "TRY": 0.031,
	})
	v.SetDefault("cargo.default_provider", "cn-cargo")
	v.SetDefault("cargo.default_customs_pct", 0)
	v.SetDefault("cargo.vat_pct", 12)
	v.SetDefault("sourcing.job_budget_secs", 60)
	v.SetDefault("sourcing.match_reserve_secs", 10)
	v.SetDefault("sourcing.debounce_secs", 120)
	v.SetDefault("sourcing.debouncer", "memory")
	v.SetDefault("sourcing.default_quantity", 1)
	v.SetDefault("sourcing.default_weight_kg", 1)
	v.SetDefault("sourcing.stale_after_mins", 10)
	v.SetDefault("sourcing.reaper_cron", "@every 5m")
	v.SetDefault("notify.channel", "sourcing:refresh")

	v.SetDefault("platforms.aliexpress.enabled", true)
	v.SetDefault("platforms.aliexpress.base_url", "https://api-sg.aliexpress.com/sync")
	v.SetDefault("platforms.aliexpress.country", "CN")
	v.SetDefault("platforms.alibaba.enabled", true)
	v.SetDefault("platforms.alibaba.base_url", "https://alibaba-datahub.p.rapidapi.com")
	v.SetDefault("platforms.alibaba.host", "alibaba-datahub.p.rapidapi.com")
	v.SetDefault("platforms.alibaba.country", "CN")
	v.SetDefault("platforms.banggood.enabled", true)
	v.SetDefault("platforms.banggood.base_url", "https://api.banggood.com")
	v.SetDefault("platforms.banggood.country", "CN")
	v.SetDefault("platforms.shopee.enabled", true)
	v.SetDefault("platforms.shopee.base_url", "https://shopee.com.my")
	v.SetDefault("platforms.shopee.country", "MY")
	v.SetDefault("platforms.shopee.currency", "MYR")
	for _, p := range []string{"aliexpress", "alibaba", "banggood", "shopee"} {
		v.SetDefault("platforms."+p+".timeout_secs", 15)
		v.SetDefault("platforms."+p+".max_results", 10)
		v.SetDefault("platforms."+p+".rate_per_sec", 2)
		v.SetDefault("platforms."+p+".max_attempts", 2)
	}

	v.SetDefault("monitoring.check_cron", "@every 5m")
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.stuck_job_threshold", 5)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required for postgres (SOURCING_STORE_DATABASE_URL)")
	}
	if c.Sourcing.JobBudgetSecs <= c.Sourcing.MatchReserveSecs {
		return eris.Errorf("config: sourcing.job_budget_secs (%d) must exceed match_reserve_secs (%d)",
			c.Sourcing.JobBudgetSecs, c.Sourcing.MatchReserveSecs)
	}
	switch c.Sourcing.Debouncer {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return eris.New("config: redis debouncer requires redis.addr (SOURCING_REDIS_ADDR)")
		}
	default:
		return eris.Errorf("config: unknown debouncer %q", c.Sourcing.Debouncer)
	}
	switch c.Currency.Source {
	case "cbu", "static":
	default:
		return eris.Errorf("config: unknown currency source %q", c.Currency.Source)
	}
	if c.Matcher.RankThreshold < 0 || c.Matcher.RankThreshold > 1 {
		return eris.Errorf("config: matcher.rank_threshold %.2f outside [0,1]", c.Matcher.RankThreshold)
	}
	if c.Cargo.VATPct < 0 || c.Cargo.DefaultCustomsPct < 0 {
		return eris.New("config: cargo percentages must not be negative")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
