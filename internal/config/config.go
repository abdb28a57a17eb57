package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the referral engine. Every
// threshold the lifecycle depends on is tunable here; nothing is
// hard-coded in the engine itself.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin   bool
	StreamingEnabled bool

	MaxTotalTurns           int
	MaxVerificationAttempts int
	MaxInfoAttempts         int
	VerifyFanOutLimit       int

	RegistryBaseURL string
	RegistryVersion string
	RegistryTimeout time.Duration

	GeneratorURL     string
	GeneratorTimeout time.Duration

	DatabaseURL string

	PushMaxRetries  int
	PushBackoffMin  time.Duration
	PushBackoffMax  time.Duration
	PushSendTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "referrald"),
		AllowAnyOrigin:   false,
		StreamingEnabled: true,

		MaxTotalTurns:           10,
		MaxVerificationAttempts: 3,
		MaxInfoAttempts:         5,
		VerifyFanOutLimit:       3,

		RegistryBaseURL: envOrDefault("REGISTRY_BASE_URL", "https://npiregistry.cms.hhs.gov/api"),
		RegistryVersion: envOrDefault("REGISTRY_API_VERSION", "2.1"),
		RegistryTimeout: 30 * time.Second,

		GeneratorURL:     strings.TrimSpace(os.Getenv("GENERATOR_URL")),
		GeneratorTimeout: 60 * time.Second,

		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),

		PushMaxRetries:  5,
		PushBackoffMin:  500 * time.Millisecond,
		PushBackoffMax:  30 * time.Second,
		PushSendTimeout: 10 * time.Second,

		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RegistryTimeout, err = durationFromEnv("REGISTRY_TIMEOUT", cfg.RegistryTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GeneratorTimeout, err = durationFromEnv("GENERATOR_TIMEOUT", cfg.GeneratorTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamingEnabled, err = boolFromEnv("APP_STREAMING_ENABLED", cfg.StreamingEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTotalTurns, err = intFromEnv("APP_MAX_TOTAL_TURNS", cfg.MaxTotalTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxVerificationAttempts, err = intFromEnv("APP_MAX_VERIFY_ATTEMPTS", cfg.MaxVerificationAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxInfoAttempts, err = intFromEnv("APP_MAX_INFO_ATTEMPTS", cfg.MaxInfoAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.VerifyFanOutLimit, err = intFromEnv("APP_VERIFY_FANOUT_LIMIT", cfg.VerifyFanOutLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.PushMaxRetries, err = intFromEnv("APP_PUSH_MAX_RETRIES", cfg.PushMaxRetries)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxTotalTurns <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_TOTAL_TURNS must be positive")
	}
	if cfg.MaxVerificationAttempts <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_VERIFY_ATTEMPTS must be positive")
	}
	if cfg.MaxInfoAttempts <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_INFO_ATTEMPTS must be positive")
	}
	if cfg.VerifyFanOutLimit <= 0 {
		return Config{}, fmt.Errorf("APP_VERIFY_FANOUT_LIMIT must be positive")
	}
	if cfg.PushMaxRetries < 0 {
		return Config{}, fmt.Errorf("APP_PUSH_MAX_RETRIES must be >= 0")
	}
	if cfg.RegistryTimeout < time.Second {
		return Config{}, fmt.Errorf("REGISTRY_TIMEOUT must be at least 1s")
	}
	if cfg.GeneratorTimeout < time.Second {
		return Config{}, fmt.Errorf("GENERATOR_TIMEOUT must be at least 1s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
