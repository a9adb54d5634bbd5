// Package config loads the ledger engine configuration from an optional
// TOML file and the process environment.
//
// Precedence, lowest first: built-in defaults, the TOML file, environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Quote provider names.
const (
	ProviderStatic  = "static"
	ProviderFinnhub = "finnhub"
	ProviderAlpaca  = "alpaca"
)

type Config struct {
	Server struct {
		Port            string        `toml:"port"`
		ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
		RequestTimeout  time.Duration `toml:"request_timeout"`
	} `toml:"server"`

	Store struct {
		DatabaseURL string        `toml:"database_url"`
		SQLitePath  string        `toml:"sqlite_path"`
		RedisURL    string        `toml:"redis_url"`
		CacheTTL    time.Duration `toml:"cache_ttl"`
	} `toml:"store"`

	Ledger struct {
		// DefaultCashBalance must be quoted in TOML ("100000.00").
		DefaultCashBalance      decimal.Decimal `toml:"default_cash_balance"`
		SnapshotIntervalMinutes int             `toml:"snapshot_interval_minutes"`
	} `toml:"ledger"`

	Quotes struct {
		Provider        string        `toml:"provider"`
		Timeout         time.Duration `toml:"timeout"`
		CacheTTL        time.Duration `toml:"cache_ttl"`
		Concurrency     int           `toml:"concurrency"`
		FinnhubAPIKey   string        `toml:"finnhub_api_key"`
		FinnhubBaseURL  string        `toml:"finnhub_base_url"`
		AlpacaAPIKey    string        `toml:"alpaca_api_key"`
		AlpacaAPISecret string        `toml:"alpaca_api_secret"`
		AlpacaBaseURL   string        `toml:"alpaca_base_url"`
	} `toml:"quotes"`

	Auth struct {
		JWTSecret string `toml:"jwt_secret"`
	} `toml:"auth"`
}

// SnapshotInterval returns the snapshot throttle as a duration.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Ledger.SnapshotIntervalMinutes) * time.Minute
}

// Load reads path (skipped when empty), applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Store.CacheTTL <= 0 {
		cfg.Store.CacheTTL = 30 * time.Second
	}
	if cfg.Ledger.DefaultCashBalance.IsZero() {
		cfg.Ledger.DefaultCashBalance = decimal.NewFromInt(100000)
	}
	if cfg.Ledger.SnapshotIntervalMinutes <= 0 {
		cfg.Ledger.SnapshotIntervalMinutes = 60
	}
	if cfg.Quotes.Timeout <= 0 {
		cfg.Quotes.Timeout = 5 * time.Second
	}
	if cfg.Quotes.CacheTTL <= 0 {
		cfg.Quotes.CacheTTL = 15 * time.Second
	}
	if cfg.Quotes.Concurrency <= 0 {
		cfg.Quotes.Concurrency = 8
	}
}

// applyEnv overrides fields from environment variables. lookup is
// os.LookupEnv outside tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PORT", &cfg.Server.Port)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	str("SQLITE_PATH", &cfg.Store.SQLitePath)
	str("REDIS_URL", &cfg.Store.RedisURL)
	str("QUOTE_PROVIDER", &cfg.Quotes.Provider)
	str("FINNHUB_API_KEY", &cfg.Quotes.FinnhubAPIKey)
	str("ALPACA_API_KEY", &cfg.Quotes.AlpacaAPIKey)
	str("ALPACA_API_SECRET", &cfg.Quotes.AlpacaAPISecret)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)

	if v, ok := lookup("DEFAULT_CASH_BALANCE"); ok && v != "" {
		cash, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("DEFAULT_CASH_BALANCE %q: %w", v, err)
		}
		cfg.Ledger.DefaultCashBalance = cash
	}
	if v, ok := lookup("SNAPSHOT_INTERVAL_MINUTES"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("SNAPSHOT_INTERVAL_MINUTES %q: %w", v, err)
		}
		cfg.Ledger.SnapshotIntervalMinutes = n
	}
	if v, ok := lookup("QUOTE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("QUOTE_TIMEOUT %q: %w", v, err)
		}
		cfg.Quotes.Timeout = d
	}
	return nil
}

func validate(cfg *Config) error {
	if _, err := strconv.Atoi(cfg.Server.Port); err != nil {
		return fmt.Errorf("server.port %q is not a number", cfg.Server.Port)
	}

	cash := cfg.Ledger.DefaultCashBalance
	if cash.IsNegative() {
		return errors.New("ledger.default_cash_balance must not be negative")
	}
	if !cash.Equal(cash.Round(2)) {
		return errors.New("ledger.default_cash_balance has more than 2 decimal places")
	}
	if cfg.Ledger.SnapshotIntervalMinutes <= 0 {
		return errors.New("ledger.snapshot_interval_minutes must be positive")
	}
	if cfg.Quotes.Timeout <= 0 {
		return errors.New("quotes.timeout must be positive")
	}

	cfg.Quotes.Provider = strings.ToLower(strings.TrimSpace(cfg.Quotes.Provider))
	if cfg.Quotes.Provider == "" {
		cfg.Quotes.Provider = inferProvider(cfg)
	}
	switch cfg.Quotes.Provider {
	case ProviderStatic:
	case ProviderFinnhub:
		if cfg.Quotes.FinnhubAPIKey == "" {
			return errors.New("quotes.provider finnhub requires finnhub_api_key")
		}
	case ProviderAlpaca:
		if cfg.Quotes.AlpacaAPIKey == "" || cfg.Quotes.AlpacaAPISecret == "" {
			return errors.New("quotes.provider alpaca requires alpaca_api_key and alpaca_api_secret")
		}
	default:
		return fmt.Errorf("quotes.provider %q unknown", cfg.Quotes.Provider)
	}
	return nil
}

// inferProvider picks a provider from whichever credentials are present.
func inferProvider(cfg *Config) string {
	switch {
	case cfg.Quotes.FinnhubAPIKey != "":
		return ProviderFinnhub
	case cfg.Quotes.AlpacaAPIKey != "" && cfg.Quotes.AlpacaAPISecret != "":
		return ProviderAlpaca
	default:
		return ProviderStatic
	}
}
