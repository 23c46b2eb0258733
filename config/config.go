/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults below
  2. .env in the working directory, if present (godotenv)
  3. Process environment (viper AutomaticEnv)
  4. Command-line flags, applied by cmd/server

CAPS:
  DAILY_EARN_LIMIT and MONTHLY_REDEEM_LIMIT are per deployment. A value
  <= 0 disables the cap. Windows are calendar days and months in
  CAP_TIMEZONE (an IANA name).
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/zeroprint/healcoin/ledger"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

// Config holds application configuration.
type Config struct {
	Port         string
	IsProduction bool

	StoreDriver string
	SQLitePath  string
	BoltPath    string
	DatabaseURL string

	DailyEarnLimit     int64
	MonthlyRedeemLimit int64
	CapLocation        *time.Location

	ReconcileInterval time.Duration
	ReconcilePageSize int

	JWTSecret     string
	RateLimit     string
	RetryAttempts int
	CORSOrigins   []string
	SeedFile      string
}

// Caps returns the ledger cap configuration.
func (c *Config) Caps() ledger.CapConfig {
	return ledger.CapConfig{
		DailyEarnLimit:     c.DailyEarnLimit,
		MonthlyRedeemLimit: c.MonthlyRedeemLimit,
		Location:           c.CapLocation,
	}
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return load(viper.New())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("IS_PRODUCTION", false)
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "healcoin.db")
	v.SetDefault("BOLT_PATH", "healcoin.bolt")
	v.SetDefault("PGSQL_URL", "")
	v.SetDefault("DAILY_EARN_LIMIT", 100)
	v.SetDefault("MONTHLY_REDEEM_LIMIT", 1000)
	v.SetDefault("CAP_TIMEZONE", "UTC")
	v.SetDefault("RECONCILE_INTERVAL", "1h")
	v.SetDefault("RECONCILE_PAGE_SIZE", ledger.DefaultReconcilePageSize)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("RATE_LIMIT", "")
	v.SetDefault("RETRY_ATTEMPTS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("SEED_FILE", "")
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Port:               v.GetString("PORT"),
		IsProduction:       v.GetBool("IS_PRODUCTION"),
		StoreDriver:        strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		SQLitePath:         v.GetString("SQLITE_PATH"),
		BoltPath:           v.GetString("BOLT_PATH"),
		DatabaseURL:        v.GetString("PGSQL_URL"),
		DailyEarnLimit:     v.GetInt64("DAILY_EARN_LIMIT"),
		MonthlyRedeemLimit: v.GetInt64("MONTHLY_REDEEM_LIMIT"),
		ReconcilePageSize:  v.GetInt("RECONCILE_PAGE_SIZE"),
		JWTSecret:          v.GetString("JWT_SECRET"),
		RateLimit:          strings.TrimSpace(v.GetString("RATE_LIMIT")),
		RetryAttempts:      v.GetInt("RETRY_ATTEMPTS"),
		CORSOrigins:        splitList(v.GetString("CORS_ORIGINS")),
		SeedFile:           v.GetString("SEED_FILE"),
	}

	loc, err := time.LoadLocation(v.GetString("CAP_TIMEZONE"))
	if err != nil {
		return nil, fmt.Errorf("CAP_TIMEZONE: %w", err)
	}
	cfg.CapLocation = loc

	interval, err := time.ParseDuration(v.GetString("RECONCILE_INTERVAL"))
	if err != nil {
		return nil, fmt.Errorf("RECONCILE_INTERVAL: %w", err)
	}
	cfg.ReconcileInterval = interval

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that Load cannot default away.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required for the bolt driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("PGSQL_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.IsProduction && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when IS_PRODUCTION is set")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
