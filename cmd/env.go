package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/currency"
	"github.com/sells-group/sourcing-cli/internal/matcher"
	"github.com/sells-group/sourcing-cli/internal/monitoring"
	"github.com/sells-group/sourcing-cli/internal/platform"
	"github.com/sells-group/sourcing-cli/internal/sourcing"
	"github.com/sells-group/sourcing-cli/internal/store"
	anthropicpkg "github.com/sells-group/sourcing-cli/pkg/anthropic"
	"github.com/sells-group/sourcing-cli/pkg/cbu"
)

// engineEnv holds the initialized store, clients and services shared by
// the serve and jobs commands.
type engineEnv struct {
	Store      store.Store
	Redis      *redis.Client // may be nil
	Rates      *currency.Service
	Calculator *cost.Calculator
	Platforms  *platform.Registry
	Matcher    *matcher.Matcher
	Sourcing   *sourcing.Service
	Collector  *monitoring.Collector
}

// Close releases resources held by the environment. In-flight jobs must
// be drained with Sourcing.Shutdown first.
func (e *engineEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "sourcing.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initRedis(ctx context.Context) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrapf(err, "ping redis %s", cfg.Redis.Addr)
	}
	return rdb, nil
}

func initRates(st store.Store) *currency.Service {
	var fetcher currency.Fetcher
	switch cfg.Currency.Source {
	case "static":
		fetcher = currency.NewStaticFetcher(cfg.Currency.Static)
	default:
		fetcher = currency.NewCBUFetcher(cbu.NewClient(cbu.WithBaseURL(cfg.Currency.BaseURL)))
	}
	return currency.NewService(fetcher, st, currency.Options{
		TTL:           time.Duration(cfg.Currency.TTLHours) * time.Hour,
		FetchTimeout:  time.Duration(cfg.Currency.FetchTimeout) * time.Second,
		LocalCurrency: cfg.Currency.LocalCurrency,
		ExtraUSDRates: cfg.Currency.ExtraUSDRates,
	})
}

func initCalculator() (*cost.Calculator, error) {
	var (
		providers *cost.Registry
		err       error
	)
	if cfg.Cargo.ProvidersPath != "" {
		providers, err = cost.LoadRegistry(cfg.Cargo.ProvidersPath, cfg.Cargo.DefaultProvider)
	} else {
		providers, err = cost.NewRegistry(cost.DefaultProviders(), cfg.Cargo.DefaultProvider)
	}
	if err != nil {
		return nil, err
	}
	return cost.NewCalculator(cost.Rates{
		VATPct:     decimal.NewFromFloat(cfg.Cargo.VATPct),
		CustomsPct: decimal.NewFromFloat(cfg.Cargo.DefaultCustomsPct),
	}, providers), nil
}

func initMatcher() *matcher.Matcher {
	timeout := time.Duration(cfg.Matcher.TimeoutSecs) * time.Second
	if !cfg.Matcher.UseLLM || cfg.Anthropic.Key == "" {
		zap.L().Info("matcher: using heuristic scorer only")
		return matcher.New(nil, timeout, cfg.Matcher.RankThreshold)
	}
	client := anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL)
	scorer := matcher.NewLLMScorer(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
	return matcher.New(scorer, timeout, cfg.Matcher.RankThreshold)
}

// initEngine builds every service the engine needs. Callers should defer
// env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st}

	if cfg.Redis.Addr != "" {
		rdb, err := initRedis(ctx)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Redis = rdb
	}

	env.Calculator, err = initCalculator()
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Rates = initRates(st)
	env.Platforms = platform.NewRegistry(platform.NewAdapters(cfg.Platforms, env.Rates)...)
	env.Matcher = initMatcher()

	var (
		debouncer sourcing.Debouncer = sourcing.NewMemoryDebouncer()
		notifier  sourcing.Notifier  = sourcing.NopNotifier{}
	)
	if env.Redis != nil {
		notifier = sourcing.NewRedisNotifier(env.Redis, cfg.Notify.Channel)
		if cfg.Sourcing.Debouncer == "redis" {
			debouncer = sourcing.NewRedisDebouncer(env.Redis)
		}
	}

	env.Sourcing = sourcing.NewService(sourcing.Deps{
		Store:      st,
		Platforms:  env.Platforms,
		Rates:      env.Rates,
		Calculator: env.Calculator,
		Matcher:    env.Matcher,
		Debouncer:  debouncer,
		Notifier:   notifier,
	}, sourcing.Options{
		JobBudget:         time.Duration(cfg.Sourcing.JobBudgetSecs) * time.Second,
		MatchReserve:      time.Duration(cfg.Sourcing.MatchReserveSecs) * time.Second,
		DebounceWindow:    time.Duration(cfg.Sourcing.DebounceSecs) * time.Second,
		StaleAfter:        time.Duration(cfg.Sourcing.StaleAfterMins) * time.Minute,
		DefaultQuantity:   cfg.Sourcing.DefaultQuantity,
		DefaultWeightKg:   decimal.NewFromFloat(cfg.Sourcing.DefaultWeightKg),
		DefaultCustomsPct: decimal.NewFromFloat(cfg.Cargo.DefaultCustomsPct),
	})
	env.Collector = monitoring.NewCollector(st, env.Platforms, time.Duration(cfg.Sourcing.StaleAfterMins)*time.Minute)

	zap.L().Info("engine initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("redis", env.Redis != nil),
		zap.Strings("platforms", platform.Codes(env.Platforms.Available())),
	)
	return env, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
