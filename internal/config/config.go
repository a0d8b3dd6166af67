package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string
	Port         string

	PaymeEndpoint      string
	ClickEndpoint      string
	FreedomPayEndpoint string
	CallbackBaseURL    string

	RateLimitWindow   time.Duration
	RateLimitMax      int64
	LockTimeout       time.Duration
	LockTTL           time.Duration
	CredentialTTL     time.Duration
	IdempotencyWait   time.Duration
	RetryBase         time.Duration
	RetryMaxAttempts  int
	RetryPollInterval time.Duration

	// When true, a callback that loses the idempotency race and never
	// sees the winner's result is answered with a hard failure instead
	// of a retryable "processing" response.
	IdempotencyFailClosed bool
}

func Load() *Config {
	return &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     getEnv("REDIS_URL", "localhost:6379"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		Port:         getEnv("PORT", "8084"),

		PaymeEndpoint:      getEnv("PAYME_ENDPOINT", "https://checkout.paycom.uz/api"),
		ClickEndpoint:      getEnv("CLICK_ENDPOINT", "https://my.click.uz/services/pay"),
		FreedomPayEndpoint: getEnv("FREEDOMPAY_ENDPOINT", "https://api.freedompay.uz/payment/create"),
		CallbackBaseURL:    getEnv("CALLBACK_BASE_URL", "http://localhost:8084"),

		RateLimitWindow:   getDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		RateLimitMax:      getInt64("RATE_LIMIT_MAX", 10),
		LockTimeout:       getDuration("LOCK_TIMEOUT", 5*time.Second),
		LockTTL:           getDuration("LOCK_TTL", 30*time.Second),
		CredentialTTL:     getDuration("CREDENTIAL_TTL", 5*time.Minute),
		IdempotencyWait:   getDuration("IDEMPOTENCY_WAIT", 5*time.Second),
		RetryBase:         getDuration("RETRY_BASE", 2*time.Second),
		RetryMaxAttempts:  int(getInt64("RETRY_MAX_ATTEMPTS", 3)),
		RetryPollInterval: getDuration("RETRY_POLL_INTERVAL", time.Second),

		IdempotencyFailClosed: os.Getenv("IDEMPOTENCY_FAIL_CLOSED") == "true",
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
