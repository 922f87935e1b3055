/**
 * @description
 * This package handles the configuration management for the off-ramp service. It uses
 * the Viper library to read configuration from environment variables (and an optional
 * .env file), applying defaults and coercing invalid values with a warning.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	defaultSettlementSweepSchedule = "@every 1m"
	defaultStaleOrderSweepSchedule = "@every 2m"
	defaultIntentRecoverySchedule  = "@every 5m"
)

// Config holds all the configuration variables for the off-ramp service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                string  `mapstructure:"DATABASE_URL"`
	RunMigrations              bool    `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                   string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RefreshRateLimitPerMinute  int     `mapstructure:"REFRESH_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                string  `mapstructure:"RABBITMQ_URL"`
	SignalEventQueue           string  `mapstructure:"SIGNAL_EVENT_QUEUE"`
	ClerkJWKSURL               string  `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey             string  `mapstructure:"INTERNAL_API_KEY"`
	PublicBaseURL              string  `mapstructure:"PUBLIC_BASE_URL"`
	PretiumAPIBaseURL          string  `mapstructure:"PRETIUM_API_BASE_URL"`
	PretiumAPIKey              string  `mapstructure:"PRETIUM_API_KEY"`
	PretiumWebhookSecret       string  `mapstructure:"PRETIUM_WEBHOOK_SECRET"`
	PaycrestAPIBaseURL         string  `mapstructure:"PAYCREST_API_BASE_URL"`
	PaycrestAPIKey             string  `mapstructure:"PAYCREST_API_KEY"`
	PaycrestWebhookSecret      string  `mapstructure:"PAYCREST_WEBHOOK_SECRET"`
	AllowUnsignedWebhooks      bool    `mapstructure:"ALLOW_UNSIGNED_WEBHOOKS"`
	PaycrestToken              string  `mapstructure:"PAYCREST_TOKEN"`
	PaycrestNetwork            string  `mapstructure:"PAYCREST_NETWORK"`
	ProviderRequestsPerSecond  float64 `mapstructure:"PROVIDER_REQUESTS_PER_SECOND"`
	DefaultFeePercent          float64 `mapstructure:"DEFAULT_FEE_PERCENT"`
	PollMaxAttempts            int     `mapstructure:"POLL_MAX_ATTEMPTS"`
	StaleOrderThresholdMinutes int     `mapstructure:"STALE_ORDER_THRESHOLD_MINUTES"`
	SettlementSweepSchedule    string  `mapstructure:"SETTLEMENT_SWEEP_SCHEDULE"`
	StaleOrderSweepSchedule    string  `mapstructure:"STALE_ORDER_SWEEP_SCHEDULE"`
	IntentRecoverySchedule     string  `mapstructure:"INTENT_RECOVERY_SCHEDULE"`
	SweepBatchLimit            int     `mapstructure:"SWEEP_BATCH_LIMIT"`
	SweepConcurrency           int     `mapstructure:"SWEEP_CONCURRENCY"`
}

// StaleOrderThreshold is how long an order may sit without a status change before it
// is reported as still processing and picked up by the stale-order sweep.
func (c Config) StaleOrderThreshold() time.Duration {
	return time.Duration(c.StaleOrderThresholdMinutes) * time.Minute
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("SIGNAL_EVENT_QUEUE", "offramp_service.provider_signals")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "minisend:rate_limit")
	viper.SetDefault("REFRESH_RATE_LIMIT_PER_MINUTE", 12)
	viper.SetDefault("PRETIUM_API_BASE_URL", "https://api.xwift.africa")
	viper.SetDefault("PAYCREST_API_BASE_URL", "https://api.paycrest.io")
	viper.SetDefault("ALLOW_UNSIGNED_WEBHOOKS", false)
	viper.SetDefault("PAYCREST_TOKEN", "USDC")
	viper.SetDefault("PAYCREST_NETWORK", "base")
	viper.SetDefault("PROVIDER_REQUESTS_PER_SECOND", 5.0)
	viper.SetDefault("DEFAULT_FEE_PERCENT", 1.0)
	viper.SetDefault("POLL_MAX_ATTEMPTS", 20)
	viper.SetDefault("STALE_ORDER_THRESHOLD_MINUTES", 15)
	viper.SetDefault("SETTLEMENT_SWEEP_SCHEDULE", defaultSettlementSweepSchedule)
	viper.SetDefault("STALE_ORDER_SWEEP_SCHEDULE", defaultStaleOrderSweepSchedule)
	viper.SetDefault("INTENT_RECOVERY_SCHEDULE", defaultIntentRecoverySchedule)
	viper.SetDefault("SWEEP_BATCH_LIMIT", 100)
	viper.SetDefault("SWEEP_CONCURRENCY", 4)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "OFFRAMP_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("REFRESH_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SIGNAL_EVENT_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "OFFRAMP_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PUBLIC_BASE_URL")
	_ = viper.BindEnv("PRETIUM_API_BASE_URL")
	_ = viper.BindEnv("PRETIUM_API_KEY")
	_ = viper.BindEnv("PRETIUM_WEBHOOK_SECRET")
	_ = viper.BindEnv("PAYCREST_API_BASE_URL")
	_ = viper.BindEnv("PAYCREST_API_KEY")
	_ = viper.BindEnv("PAYCREST_WEBHOOK_SECRET")
	_ = viper.BindEnv("ALLOW_UNSIGNED_WEBHOOKS")
	_ = viper.BindEnv("PAYCREST_TOKEN")
	_ = viper.BindEnv("PAYCREST_NETWORK")
	_ = viper.BindEnv("PROVIDER_REQUESTS_PER_SECOND")
	_ = viper.BindEnv("DEFAULT_FEE_PERCENT")
	_ = viper.BindEnv("POLL_MAX_ATTEMPTS")
	_ = viper.BindEnv("STALE_ORDER_THRESHOLD_MINUTES")
	_ = viper.BindEnv("SETTLEMENT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("STALE_ORDER_SWEEP_SCHEDULE")
	_ = viper.BindEnv("INTENT_RECOVERY_SCHEDULE")
	_ = viper.BindEnv("SWEEP_BATCH_LIMIT")
	_ = viper.BindEnv("SWEEP_CONCURRENCY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("OFFRAMP_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "minisend:rate_limit"
	}
	config.PublicBaseURL = strings.TrimRight(strings.TrimSpace(config.PublicBaseURL), "/")

	if config.DefaultFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative fee percent configured; coercing to zero\" fee_percent=%f", config.DefaultFeePercent)
		config.DefaultFeePercent = 0
	}
	if config.DefaultFeePercent >= 100 {
		log.Printf("level=warn component=config msg=\"fee percent too high; using default\" fee_percent=%f", config.DefaultFeePercent)
		config.DefaultFeePercent = 1
	}
	if config.ProviderRequestsPerSecond < 0 {
		log.Printf("level=warn component=config msg=\"negative provider rate configured; disabling outbound rate limit\" rps=%f", config.ProviderRequestsPerSecond)
		config.ProviderRequestsPerSecond = 0
	}
	if config.RefreshRateLimitPerMinute <= 0 {
		config.RefreshRateLimitPerMinute = 12
	}
	if config.PollMaxAttempts <= 0 {
		config.PollMaxAttempts = 20
	}
	if config.StaleOrderThresholdMinutes <= 0 {
		config.StaleOrderThresholdMinutes = 15
	}
	if config.SweepBatchLimit <= 0 {
		config.SweepBatchLimit = 100
	}
	if config.SweepConcurrency <= 0 {
		config.SweepConcurrency = 4
	}

	config.SettlementSweepSchedule = validSchedule("SETTLEMENT_SWEEP_SCHEDULE", config.SettlementSweepSchedule, defaultSettlementSweepSchedule)
	config.StaleOrderSweepSchedule = validSchedule("STALE_ORDER_SWEEP_SCHEDULE", config.StaleOrderSweepSchedule, defaultStaleOrderSweepSchedule)
	config.IntentRecoverySchedule = validSchedule("INTENT_RECOVERY_SCHEDULE", config.IntentRecoverySchedule, defaultIntentRecoverySchedule)

	return
}

func validSchedule(key, value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if _, err := cron.ParseStandard(value); err != nil {
		log.Printf("level=warn component=config msg=\"invalid cron schedule; using default\" key=%s value=%q err=%v", key, value, err)
		return fallback
	}
	return value
}
