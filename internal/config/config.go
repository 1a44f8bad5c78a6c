/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the affiliate-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	BillingEventQueue            string `mapstructure:"BILLING_EVENT_QUEUE"`
	BillingEventExchange         string `mapstructure:"BILLING_EVENT_EXCHANGE"`
	PaygateAPIBaseURL            string `mapstructure:"PAYGATE_API_BASE_URL"`
	PaygateAPIKey                string `mapstructure:"PAYGATE_API_KEY"`
	PaygateWebhookSecret         string `mapstructure:"PAYGATE_WEBHOOK_SECRET"`
	JWKSURL                      string `mapstructure:"JWKS_URL"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	DefaultCommissionRatePercent int    `mapstructure:"DEFAULT_COMMISSION_RATE_PERCENT"`
	TransferCurrency             string `mapstructure:"TRANSFER_CURRENCY"`
	SweepCronSchedule            string `mapstructure:"SWEEP_CRON_SCHEDULE"`
	SweepReferralTimeoutSeconds  int    `mapstructure:"SWEEP_REFERRAL_TIMEOUT_SECONDS"`
	ReprocessRateLimitPerMinute  int    `mapstructure:"REPROCESS_RATE_LIMIT_PER_MINUTE"`
	OnboardingReturnURL          string `mapstructure:"ONBOARDING_RETURN_URL"`
	OnboardingRefreshURL         string `mapstructure:"ONBOARDING_REFRESH_URL"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("BILLING_EVENT_QUEUE", "affiliate_service.billing_updates")
	viper.SetDefault("BILLING_EVENT_EXCHANGE", "billing_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "affiliate:rate_limit")
	viper.SetDefault("DEFAULT_COMMISSION_RATE_PERCENT", 50)
	viper.SetDefault("TRANSFER_CURRENCY", "usd")
	viper.SetDefault("SWEEP_CRON_SCHEDULE", "0 * * * *")
	viper.SetDefault("SWEEP_REFERRAL_TIMEOUT_SECONDS", 30)
	viper.SetDefault("REPROCESS_RATE_LIMIT_PER_MINUTE", 6)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "AFFILIATE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("BILLING_EVENT_QUEUE")
	_ = viper.BindEnv("BILLING_EVENT_EXCHANGE")
	_ = viper.BindEnv("PAYGATE_API_BASE_URL")
	_ = viper.BindEnv("PAYGATE_API_KEY")
	_ = viper.BindEnv("PAYGATE_WEBHOOK_SECRET")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "AFFILIATE_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DEFAULT_COMMISSION_RATE_PERCENT")
	_ = viper.BindEnv("TRANSFER_CURRENCY")
	_ = viper.BindEnv("SWEEP_CRON_SCHEDULE")
	_ = viper.BindEnv("SWEEP_REFERRAL_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REPROCESS_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("ONBOARDING_RETURN_URL")
	_ = viper.BindEnv("ONBOARDING_REFRESH_URL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("AFFILIATE_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "affiliate:rate_limit"
	}

	config.TransferCurrency = strings.ToLower(strings.TrimSpace(config.TransferCurrency))
	if config.TransferCurrency == "" {
		config.TransferCurrency = "usd"
	}

	if config.DefaultCommissionRatePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative commission rate configured; coercing to default\" rate=%d", config.DefaultCommissionRatePercent)
		config.DefaultCommissionRatePercent = 50
	}
	if config.DefaultCommissionRatePercent > 100 {
		log.Printf("level=warn component=config msg=\"commission rate too high; capping at 100\" rate=%d", config.DefaultCommissionRatePercent)
		config.DefaultCommissionRatePercent = 100
	}

	if config.SweepReferralTimeoutSeconds <= 0 {
		config.SweepReferralTimeoutSeconds = 30
	}
	if config.ReprocessRateLimitPerMinute <= 0 {
		config.ReprocessRateLimitPerMinute = 6
	}
	if strings.TrimSpace(config.SweepCronSchedule) == "" {
		config.SweepCronSchedule = "0 * * * *"
	}

	return
}
