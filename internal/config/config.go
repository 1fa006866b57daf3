// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Custody backends.
const (
	CustodyBook  = "book"
	CustodyERC20 = "erc20"
)

// Base Sepolia defaults
const (
	DefaultRPCURL  = "https://sepolia.base.org"
	DefaultChainID = 84532
	DefaultPort    = "8080"
	DefaultEnv     = "development"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // development, staging, production
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Ledger storage. In-memory when empty.
	DatabaseURL string `env:"DATABASE_URL"`

	// Initial role holders. Bootstrap only grants; it never revokes.
	AdminAddress  string `env:"ADMIN_ADDRESS"`
	BridgeAddress string `env:"BRIDGE_ADDRESS"`
	PauserAddress string `env:"PAUSER_ADDRESS"`
	// BootstrapAdminKey is registered as an API key for AdminAddress on
	// startup, so the first operator can authenticate.
	BootstrapAdminKey string `env:"BOOTSTRAP_ADMIN_KEY"`

	// DisputeFallbackAddress receives a resolution payout when the chosen
	// party's address is unusable.
	DisputeFallbackAddress string `env:"DISPUTE_FALLBACK_ADDRESS"`

	// Custody rail
	CustodyBackend      string        `env:"CUSTODY_BACKEND" envDefault:"book"`
	RPCURL              string        `env:"RPC_URL" envDefault:"https://sepolia.base.org"`
	ChainID             int64         `env:"CHAIN_ID" envDefault:"84532"`
	CustodyPrivateKey   string        `env:"CUSTODY_PRIVATE_KEY"`
	ConfirmationTimeout time.Duration `env:"CONFIRMATION_TIMEOUT" envDefault:"2m"`

	// Bridge webhooks
	WebhookURLs   string `env:"WEBHOOK_URLS"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	// HTTP hardening
	CORSOrigins    string `env:"CORS_ORIGINS"`
	RateLimitRPM   int    `env:"RATE_LIMIT_RPM" envDefault:"600"`
	RateLimitBurst int    `env:"RATE_LIMIT_BURST" envDefault:"50"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
// Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.AdminAddress == "" {
		errs = append(errs, errors.New("ADMIN_ADDRESS is required"))
	}
	for key, addr := range map[string]string{
		"ADMIN_ADDRESS":            c.AdminAddress,
		"BRIDGE_ADDRESS":           c.BridgeAddress,
		"PAUSER_ADDRESS":           c.PauserAddress,
		"DISPUTE_FALLBACK_ADDRESS": c.DisputeFallbackAddress,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("%s is not a valid address", key))
		}
	}
	if k := c.BootstrapAdminKey; k != "" && (!strings.HasPrefix(k, "sk_") || len(k) < len("sk_")+32) {
		errs = append(errs, errors.New("BOOTSTRAP_ADMIN_KEY must be sk_ followed by at least 32 characters"))
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}

	switch c.CustodyBackend {
	case CustodyBook:
		if c.IsProduction() {
			errs = append(errs, errors.New("CUSTODY_BACKEND=book is not allowed in production"))
		}
	case CustodyERC20:
		if c.RPCURL == "" {
			errs = append(errs, errors.New("RPC_URL is required for erc20 custody"))
		}
		if c.ChainID <= 0 {
			errs = append(errs, errors.New("CHAIN_ID must be positive"))
		}
		key := strings.TrimPrefix(c.CustodyPrivateKey, "0x")
		if len(key) != 64 {
			errs = append(errs, errors.New("CUSTODY_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)"))
		}
		if c.ConfirmationTimeout <= 0 {
			errs = append(errs, errors.New("CONFIRMATION_TIMEOUT must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("CUSTODY_BACKEND must be %s or %s, got %q", CustodyBook, CustodyERC20, c.CustodyBackend))
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required in production"))
	}
	if c.WebhookURLs != "" && c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required when WEBHOOK_URLS is set"))
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
