package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("OTP_STORE", "")
	t.Setenv("OTP_TTL", "")

	cfg := fromEnv()
	if cfg.OTP.Store != "mongo" || cfg.OTP.TTL != 5*time.Minute {
		t.Fatalf("unexpected OTP defaults %+v", cfg.OTP)
	}
	if cfg.OTP.MaxRequestsPerHour != 3 || cfg.OTP.MaxWrongAttempts != 5 || cfg.OTP.RequestWindow != time.Hour {
		t.Fatalf("unexpected throttle defaults %+v", cfg.OTP)
	}
	if cfg.RateLimit.MaxAttempts != 5 || cfg.RateLimit.BlockDuration != 10*time.Minute {
		t.Fatalf("unexpected rate limit defaults %+v", cfg.RateLimit)
	}
	if cfg.SMS.Timeout != 10*time.Second || cfg.Bureau.Timeout != 30*time.Second {
		t.Fatalf("unexpected client timeouts sms=%s bureau=%s", cfg.SMS.Timeout, cfg.Bureau.Timeout)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("OTP_STORE", "redis")
	t.Setenv("OTP_MAX_REQUESTS_PER_HOUR", "7")
	t.Setenv("OTP_DELETE_DELAY", "2s")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")

	cfg := fromEnv()
	if cfg.OTP.Store != "redis" || cfg.OTP.MaxRequestsPerHour != 7 || cfg.OTP.DeleteDelay != 2*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg.OTP)
	}
	if !cfg.Kafka.Enabled {
		t.Fatalf("expected kafka enabled")
	}
	if want := []string{"k1:9092", "k2:9092"}; !reflect.DeepEqual(cfg.Kafka.Brokers, want) {
		t.Fatalf("expected %v, got %v", want, cfg.Kafka.Brokers)
	}
}

func TestEnvHelpers_FallBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_INT", "seven")
	t.Setenv("TEST_BOOL", "maybe")
	t.Setenv("TEST_DURATION", "10 minutes")

	if got := getEnvInt("TEST_INT", 3); got != 3 {
		t.Fatalf("getEnvInt = %d, want 3", got)
	}
	if got := getEnvBool("TEST_BOOL", true); !got {
		t.Fatalf("getEnvBool = false, want default true")
	}
	if got := getEnvDuration("TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("getEnvDuration = %s, want 1m", got)
	}
}

func validConfig() *Config {
	return &Config{
		Environment: "development",
		Crypto:      CryptoConfig{ServerSecret: "secret", PhoneSalt: "salt"},
		OTP:         OTPConfig{Store: "mongo", CodeLength: 6},
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg := validConfig()
	cfg.Crypto.ServerSecret = ""
	cfg.OTP.Store = "postgres"
	cfg.OTP.CodeLength = 12
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"ENCRYPTION_SECRET", "OTP_STORE", "OTP_CODE_LENGTH"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}

	prod := validConfig()
	prod.Environment = "production"
	prod.SMS = SMSConfig{Enabled: true}
	prod.KMS = KMSConfig{Enabled: true}
	err = prod.Validate()
	if err == nil || !strings.Contains(err.Error(), "SMS_GATEWAY_URL") || !strings.Contains(err.Error(), "KMS_KEY_ID") {
		t.Fatalf("expected production checks, got %v", err)
	}
}

func TestServerAddress(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "0.0.0.0", Port: 8080}}
	if got := cfg.GetServerAddress(); got != "0.0.0.0:8080" {
		t.Fatalf("GetServerAddress = %s", got)
	}
	if !validConfig().IsDevelopment() || validConfig().IsProduction() {
		t.Fatalf("environment helpers disagree")
	}
}
