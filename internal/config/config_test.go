package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultGatewayBaseURL, cfg.GatewayBaseURL)
	assert.Equal(t, DefaultCommissionRate, cfg.DefaultCommissionRate)
	assert.Equal(t, int64(DefaultReferrerReward), cfg.ReferrerReward)
	assert.Equal(t, int64(DefaultRefereeReward), cfg.RefereeReward)
	assert.Equal(t, DefaultPlatformAccountID, cfg.PlatformAccountID)
	assert.Equal(t, DefaultDistanceTiers, cfg.DistanceTiers)
	assert.Equal(t, int64(DefaultDistanceExtraPerKm), cfg.DistanceExtraPerKm)
}

func TestLoad_ParsesOverrides(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "DEFAULT_COMMISSION_RATE", "7.5")
	setEnv(t, "REFERRER_REWARD", "2500")
	setEnv(t, "PENDING_PAYMENT_GRACE", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7.5, cfg.DefaultCommissionRate)
	assert.Equal(t, int64(2500), cfg.ReferrerReward)
	assert.Equal(t, 30*time.Minute, cfg.PendingPaymentGrace)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "REFEREE_REWARD", "lots")
	setEnv(t, "SETTLEMENT_SWEEP_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultRefereeReward), cfg.RefereeReward)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
}

func TestLoad_MissingGatewaySecretOutsideDev(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "GATEWAY_SECRET_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_SECRET_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Env:                   "production",
		GatewaySecretKey:      "sk_live_x",
		JWTSecret:             "0123456789abcdef0123456789abcdef",
		DefaultCommissionRate: 10,
		PlatformAccountID:     "platform",
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "short jwt secret in production", mutate: func(c *Config) { c.JWTSecret = "short" }, wantErr: "32 characters"},
		{name: "commission above 100", mutate: func(c *Config) { c.DefaultCommissionRate = 101 }, wantErr: "DEFAULT_COMMISSION_RATE"},
		{name: "negative reward", mutate: func(c *Config) { c.RefereeReward = -1 }, wantErr: "cannot be negative"},
		{name: "withdrawal fee 100", mutate: func(c *Config) { c.WithdrawalFeePercent = 100 }, wantErr: "WITHDRAWAL_FEE_PERCENT"},
		{name: "empty platform account", mutate: func(c *Config) { c.PlatformAccountID = "" }, wantErr: "PLATFORM_ACCOUNT_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
