// Package config loads server configuration from a TOML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/token"
)

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig       `toml:"server"`
	Database DatabaseConfig     `toml:"database"`
	Redis    RedisConfig        `toml:"redis"`
	Engine   EngineConfig       `toml:"engine"`
	Tokens   []token.Definition `toml:"tokens"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	MetricsAddr     string   `toml:"metrics_addr"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection settings. An empty URL
// selects the in-memory store, which is what tests and local development
// use.
type DatabaseConfig struct {
	URL      string `toml:"url"`
	MaxConns int32  `toml:"max_conns"`
	MinConns int32  `toml:"min_conns"`
}

// RedisConfig holds the read-cache settings. An empty address disables
// caching entirely.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	TTL      duration `toml:"ttl"`
}

// EngineConfig holds market-engine tunables.
type EngineConfig struct {
	AdminWalletID string          `toml:"admin_wallet_id"`
	FeeRate       decimal.Decimal `toml:"fee_rate"`
	FeeRebate     decimal.Decimal `toml:"fee_rebate"`
	ExpirySweep   duration        `toml:"expiry_sweep"`
}

// duration wraps time.Duration for TOML decoding from strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Default returns the baseline configuration: in-memory store, no cache,
// one USD-like base token with two decimals.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{30 * time.Second},
			ShutdownTimeout: duration{15 * time.Second},
		},
		Database: DatabaseConfig{
			MaxConns: 16,
			MinConns: 2,
		},
		Redis: RedisConfig{
			TTL: duration{30 * time.Second},
		},
		Engine: EngineConfig{
			FeeRate:     decimal.NewFromFloat(0.01),
			FeeRebate:   decimal.NewFromFloat(0.5),
			ExpirySweep: duration{time.Minute},
		},
		Tokens: []token.Definition{
			{Symbol: "USD", Decimals: 2, StepSize: decimal.New(1, -2)},
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; the defaults
// plus environment win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-specific settings from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MARKETCORE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MARKETCORE_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("MARKETCORE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MARKETCORE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MARKETCORE_ADMIN_WALLET_ID"); v != "" {
		cfg.Engine.AdminWalletID = v
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Engine.FeeRate.IsNegative() || c.Engine.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: engine.fee_rate must be in [0, 1)")
	}
	if c.Engine.FeeRebate.IsNegative() || c.Engine.FeeRebate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: engine.fee_rebate must be in [0, 1]")
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("config: at least one base token definition is required")
	}
	for _, d := range c.Tokens {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}
