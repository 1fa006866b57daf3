package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdmin = "0x1234567890123456789012345678901234567890"
	testKey   = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL",
	"ADMIN_ADDRESS", "BRIDGE_ADDRESS", "PAUSER_ADDRESS", "BOOTSTRAP_ADMIN_KEY",
	"DISPUTE_FALLBACK_ADDRESS", "CUSTODY_BACKEND", "RPC_URL", "CHAIN_ID",
	"CUSTODY_PRIVATE_KEY", "CONFIRMATION_TIMEOUT", "WEBHOOK_URLS", "WEBHOOK_SECRET",
	"RECONCILE_INTERVAL", "SHUTDOWN_TIMEOUT", "CORS_ORIGINS", "RATE_LIMIT_RPM", "RATE_LIMIT_BURST", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// clearEnv unsets every config key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "") // registers restore
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_ADDRESS", testAdmin)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, CustodyBook, cfg.CustodyBackend)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmationTimeout)
	assert.Equal(t, 600, cfg.RateLimitRPM)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_ADDRESS", testAdmin)
	t.Setenv("PORT", "9090")
	t.Setenv("CUSTODY_BACKEND", "erc20")
	t.Setenv("CUSTODY_PRIVATE_KEY", "0x"+testKey)
	t.Setenv("CHAIN_ID", "8453")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("WEBHOOK_URLS", "https://bridge.example/hook")
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, CustodyERC20, cfg.CustodyBackend)
	assert.Equal(t, int64(8453), cfg.ChainID)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, "https://bridge.example/hook", cfg.WebhookURLs)
}

func TestLoad_ParseError(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_ADDRESS", testAdmin)
	t.Setenv("CHAIN_ID", "not_a_number")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MissingAdmin(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_ADDRESS is required")
}

func validConfig() Config {
	return Config{
		Env:               "development",
		LogFormat:         "json",
		AdminAddress:      testAdmin,
		CustodyBackend:    CustodyBook,
		RPCURL:            DefaultRPCURL,
		ChainID:           DefaultChainID,
		ReconcileInterval: time.Minute,
		RateLimitRPM:      600,
		RateLimitBurst:    50,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "bad bridge address",
			mutate:  func(c *Config) { c.BridgeAddress = "0xnothex" },
			wantErr: "BRIDGE_ADDRESS is not a valid address",
		},
		{
			name:    "bad fallback address",
			mutate:  func(c *Config) { c.DisputeFallbackAddress = "nope" },
			wantErr: "DISPUTE_FALLBACK_ADDRESS",
		},
		{
			name:    "short bootstrap key",
			mutate:  func(c *Config) { c.BootstrapAdminKey = "short" },
			wantErr: "BOOTSTRAP_ADMIN_KEY",
		},
		{
			name:    "bootstrap key without prefix",
			mutate:  func(c *Config) { c.BootstrapAdminKey = strings.Repeat("a", 40) },
			wantErr: "BOOTSTRAP_ADMIN_KEY",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "LOG_FORMAT",
		},
		{
			name:    "unknown custody backend",
			mutate:  func(c *Config) { c.CustodyBackend = "vault" },
			wantErr: "CUSTODY_BACKEND must be",
		},
		{
			name: "erc20 without key",
			mutate: func(c *Config) {
				c.CustodyBackend = CustodyERC20
				c.ConfirmationTimeout = time.Minute
			},
			wantErr: "64 hex characters",
		},
		{
			name: "erc20 valid",
			mutate: func(c *Config) {
				c.CustodyBackend = CustodyERC20
				c.CustodyPrivateKey = testKey
				c.ConfirmationTimeout = time.Minute
			},
		},
		{
			name: "erc20 missing rpc",
			mutate: func(c *Config) {
				c.CustodyBackend = CustodyERC20
				c.CustodyPrivateKey = testKey
				c.ConfirmationTimeout = time.Minute
				c.RPCURL = ""
			},
			wantErr: "RPC_URL is required",
		},
		{
			name:    "production needs database",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "DATABASE_URL is required in production",
		},
		{
			name: "production forbids book custody",
			mutate: func(c *Config) {
				c.Env = "production"
				c.DatabaseURL = "postgres://localhost/escrowd"
			},
			wantErr: "not allowed in production",
		},
		{
			name:    "webhooks need a secret",
			mutate:  func(c *Config) { c.WebhookURLs = "https://bridge.example/hook" },
			wantErr: "WEBHOOK_SECRET is required",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimitBurst = 0 },
			wantErr: "RATE_LIMIT",
		},
		{
			name:    "zero reconcile interval",
			mutate:  func(c *Config) { c.ReconcileInterval = 0 },
			wantErr: "RECONCILE_INTERVAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateReportsEveryProblem(t *testing.T) {
	cfg := Config{LogFormat: "xml", CustodyBackend: "vault"}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"ADMIN_ADDRESS", "LOG_FORMAT", "CUSTODY_BACKEND", "RECONCILE_INTERVAL"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}
