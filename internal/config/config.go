// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; webhook de-duplication falls back to memory

	// Payment gateway
	GatewayBaseURL     string
	GatewaySecretKey   string // Also the HMAC-SHA512 webhook signing secret
	GatewayCallbackURL string
	GatewayTimeout     time.Duration

	// Auth
	JWTSecret string
	JWTIssuer string

	// Settlement
	DefaultCommissionRate float64 // percent, used when a vendor has no active subscription
	PlatformAccountID     string  // wallet that receives platform fees
	PendingPaymentGrace   time.Duration
	SweepInterval         time.Duration
	ReconcileInterval     time.Duration

	// Referral rewards
	ReferrerReward   int64
	RefereeReward    int64
	ReferralValidity time.Duration

	// Distance pricing for home-service vendors: "upToKm:charge,..." ascending,
	// plus a per-km charge beyond the last tier.
	DistanceTiers      string
	DistanceExtraPerKm int64

	// Withdrawals
	WithdrawalFeePercent float64
	WithdrawalMinFee     int64
	WithdrawalMinAmount  int64

	// Cron schedules (robfig/cron with seconds field)
	ReferralExpirySpec  string
	WithdrawalRetrySpec string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultGatewayBaseURL       = "https://api.paystack.co"
	DefaultGatewayTimeout       = 15 * time.Second
	DefaultJWTIssuer            = "bookit"
	DefaultCommissionRate       = 10.0
	DefaultPlatformAccountID    = "platform"
	DefaultPendingPaymentGrace  = 15 * time.Minute
	DefaultSweepInterval        = time.Minute
	DefaultReconcileInterval    = 5 * time.Minute
	DefaultReferrerReward       = 1000
	DefaultRefereeReward        = 500
	DefaultReferralValidity     = 30 * 24 * time.Hour
	DefaultDistanceTiers        = "5:0,10:500,20:1000,50:2000"
	DefaultDistanceExtraPerKm   = 50
	DefaultWithdrawalFeePercent = 1.5
	DefaultWithdrawalMinFee     = 50
	DefaultWithdrawalMinAmount  = 1000
	DefaultReferralExpirySpec   = "0 0 * * * *"
	DefaultWithdrawalRetrySpec  = "0 */10 * * * *"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		GatewayBaseURL:        getEnv("GATEWAY_BASE_URL", DefaultGatewayBaseURL),
		GatewaySecretKey:      os.Getenv("GATEWAY_SECRET_KEY"),
		GatewayCallbackURL:    os.Getenv("GATEWAY_CALLBACK_URL"),
		GatewayTimeout:        getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		JWTIssuer:             getEnv("JWT_ISSUER", DefaultJWTIssuer),
		DefaultCommissionRate: getEnvFloat("DEFAULT_COMMISSION_RATE", DefaultCommissionRate),
		PlatformAccountID:     getEnv("PLATFORM_ACCOUNT_ID", DefaultPlatformAccountID),
		PendingPaymentGrace:   getEnvDuration("PENDING_PAYMENT_GRACE", DefaultPendingPaymentGrace),
		SweepInterval:         getEnvDuration("SETTLEMENT_SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReferrerReward:        getEnvInt64("REFERRER_REWARD", DefaultReferrerReward),
		RefereeReward:         getEnvInt64("REFEREE_REWARD", DefaultRefereeReward),
		ReferralValidity:      getEnvDuration("REFERRAL_VALIDITY", DefaultReferralValidity),
		DistanceTiers:         getEnv("DISTANCE_TIERS", DefaultDistanceTiers),
		DistanceExtraPerKm:    getEnvInt64("DISTANCE_EXTRA_PER_KM", DefaultDistanceExtraPerKm),
		WithdrawalFeePercent:  getEnvFloat("WITHDRAWAL_FEE_PERCENT", DefaultWithdrawalFeePercent),
		WithdrawalMinFee:      getEnvInt64("WITHDRAWAL_MIN_FEE", DefaultWithdrawalMinFee),
		WithdrawalMinAmount:   getEnvInt64("WITHDRAWAL_MIN_AMOUNT", DefaultWithdrawalMinAmount),
		ReferralExpirySpec:    getEnv("REFERRAL_EXPIRY_CRON", DefaultReferralExpirySpec),
		WithdrawalRetrySpec:   getEnv("WITHDRAWAL_RETRY_CRON", DefaultWithdrawalRetrySpec),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GatewaySecretKey == "" && !c.IsDevelopment() {
		return fmt.Errorf("GATEWAY_SECRET_KEY is required outside development")
	}
	if c.JWTSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.DefaultCommissionRate < 0 || c.DefaultCommissionRate > 100 {
		return fmt.Errorf("DEFAULT_COMMISSION_RATE must be between 0 and 100")
	}
	if c.ReferrerReward < 0 || c.RefereeReward < 0 {
		return fmt.Errorf("referral rewards cannot be negative")
	}
	if c.WithdrawalFeePercent < 0 || c.WithdrawalFeePercent >= 100 {
		return fmt.Errorf("WITHDRAWAL_FEE_PERCENT must be in [0, 100)")
	}
	if c.DistanceExtraPerKm < 0 {
		return fmt.Errorf("DISTANCE_EXTRA_PER_KM cannot be negative")
	}
	if c.PlatformAccountID == "" {
		return fmt.Errorf("PLATFORM_ACCOUNT_ID cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
