package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultAddr         = ":8080"
	defaultTickInterval = 25 * time.Second
	defaultSeedAccounts = "A:100,B:0"
	defaultSQLitePath   = "scheduled-ledger.db"
	defaultMaxBodyBytes = 64 << 10
)

// AccountSeed is an account created on first start.
type AccountSeed struct {
	ID      string
	Balance decimal.Decimal
}

// Config holds the application configuration.
type Config struct {
	Environment  string
	Addr         string
	TickInterval time.Duration
	SeedAccounts []AccountSeed

	StorageDriver string
	SQLitePath    string
	DatabaseURL   string

	RedisAddr             string
	RateLimitCapacity     int
	RateLimitRefillPerSec float64
	MaxBodyBytes          int64

	TLSCert string
	TLSKey  string
	TLSCA   string
}

// Load reads the configuration from environment variables, applying defaults, and
// validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   getenv("APP_ENV", "development"),
		Addr:          getenv("API_ADDR", defaultAddr),
		StorageDriver: getenv("STORAGE_DRIVER", "memory"),
		SQLitePath:    getenv("SQLITE_PATH", defaultSQLitePath),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		TLSCert:       os.Getenv("API_TLS_CERT"),
		TLSKey:        os.Getenv("API_TLS_KEY"),
		TLSCA:         os.Getenv("API_TLS_CA"),
	}

	var errs []error
	var err error
	if cfg.TickInterval, err = getenvDuration("TICK_INTERVAL", defaultTickInterval); err != nil {
		errs = append(errs, err)
	}
	if cfg.SeedAccounts, err = ParseSeedAccounts(getenv("SEED_ACCOUNTS", defaultSeedAccounts)); err != nil {
		errs = append(errs, err)
	}
	if cfg.RateLimitCapacity, err = getenvInt("API_RATE_LIMIT_CAPACITY", 20); err != nil {
		errs = append(errs, err)
	}
	if cfg.RateLimitRefillPerSec, err = getenvFloat("API_RATE_LIMIT_REFILL_PER_SEC", 10); err != nil {
		errs = append(errs, err)
	}
	maxBody, err := getenvInt("API_MAX_BODY_BYTES", defaultMaxBodyBytes)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.MaxBodyBytes = int64(maxBody)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 || c.TickInterval >= time.Minute {
		return fmt.Errorf("TICK_INTERVAL must be positive and shorter than one minute, got %s", c.TickInterval)
	}
	if len(c.SeedAccounts) == 0 {
		return errors.New("SEED_ACCOUNTS must name at least one account")
	}

	switch c.StorageDriver {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be memory, sqlite or postgres, got %q", c.StorageDriver)
	}

	if c.Environment == "production" || c.Environment == "staging" {
		if c.StorageDriver == "memory" {
			return errors.New("STORAGE_DRIVER must be durable for " + c.Environment)
		}
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("API_TLS_CERT and API_TLS_KEY must be set together")
	}
	if c.TLSCA != "" && c.TLSCert == "" {
		return errors.New("API_TLS_CA requires API_TLS_CERT and API_TLS_KEY")
	}

	if c.RateLimitCapacity < 0 || c.RateLimitRefillPerSec < 0 {
		return errors.New("rate limit settings must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("API_MAX_BODY_BYTES must be positive")
	}
	return nil
}

// ParseSeedAccounts reads "id:balance,id:balance".
func ParseSeedAccounts(raw string) ([]AccountSeed, error) {
	var out []AccountSeed
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, balance, ok := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("SEED_ACCOUNTS entry %q must be id:balance", part)
		}
		if seen[id] {
			return nil, fmt.Errorf("SEED_ACCOUNTS lists %q twice", id)
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(balance))
		if err != nil {
			return nil, fmt.Errorf("SEED_ACCOUNTS balance for %q is not numeric: %w", id, err)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("SEED_ACCOUNTS balance for %q is negative", id)
		}
		seen[id] = true
		out = append(out, AccountSeed{ID: id, Balance: amount})
	}
	return out, nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return i, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
