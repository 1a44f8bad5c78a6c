package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SERVER_PORT")
	unsetEnvWithCleanup(t, "PORT")
	unsetEnvWithCleanup(t, "DEFAULT_COMMISSION_RATE_PERCENT")
	unsetEnvWithCleanup(t, "TRANSFER_CURRENCY")
	unsetEnvWithCleanup(t, "SWEEP_CRON_SCHEDULE")
	unsetEnvWithCleanup(t, "SWEEP_REFERRAL_TIMEOUT_SECONDS")
	unsetEnvWithCleanup(t, "REPROCESS_RATE_LIMIT_PER_MINUTE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default ServerPort 8080, got %q", cfg.ServerPort)
	}
	if cfg.DefaultCommissionRatePercent != 50 {
		t.Fatalf("expected default commission rate 50, got %d", cfg.DefaultCommissionRatePercent)
	}
	if cfg.TransferCurrency != "usd" {
		t.Fatalf("expected default transfer currency usd, got %q", cfg.TransferCurrency)
	}
	if cfg.SweepCronSchedule != "0 * * * *" {
		t.Fatalf("expected hourly default sweep schedule, got %q", cfg.SweepCronSchedule)
	}
	if cfg.SweepReferralTimeoutSeconds != 30 {
		t.Fatalf("expected default sweep referral timeout 30, got %d", cfg.SweepReferralTimeoutSeconds)
	}
	if cfg.ReprocessRateLimitPerMinute != 6 {
		t.Fatalf("expected default reprocess rate limit 6, got %d", cfg.ReprocessRateLimitPerMinute)
	}
	if cfg.BillingEventExchange != "billing_events" {
		t.Fatalf("expected default billing exchange, got %q", cfg.BillingEventExchange)
	}
}

func TestLoadConfig_NegativeCommissionRateCoercedToDefault(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DEFAULT_COMMISSION_RATE_PERCENT", "-10")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DefaultCommissionRatePercent != 50 {
		t.Fatalf("expected negative rate coerced to 50, got %d", cfg.DefaultCommissionRatePercent)
	}
}

func TestLoadConfig_ExcessiveCommissionRateCappedAt100(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DEFAULT_COMMISSION_RATE_PERCENT", "250")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DefaultCommissionRatePercent != 100 {
		t.Fatalf("expected rate capped at 100, got %d", cfg.DefaultCommissionRatePercent)
	}
}

func TestLoadConfig_TransferCurrencyLowercased(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "TRANSFER_CURRENCY", " USD ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TransferCurrency != "usd" {
		t.Fatalf("expected currency normalized to usd, got %q", cfg.TransferCurrency)
	}
}

func TestLoadConfig_UsesAffiliateServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "AFFILIATE_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "AFFILIATE_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9090")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to override ServerPort, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_ZeroSweepTimeoutFallsBackToDefault(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SWEEP_REFERRAL_TIMEOUT_SECONDS", "0")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.SweepReferralTimeoutSeconds != 30 {
		t.Fatalf("expected zero timeout coerced to 30, got %d", cfg.SweepReferralTimeoutSeconds)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
