package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.MaxTotalTurns != 10 {
		t.Fatalf("MaxTotalTurns = %d, want 10", cfg.MaxTotalTurns)
	}
	if cfg.MaxVerificationAttempts != 3 {
		t.Fatalf("MaxVerificationAttempts = %d, want 3", cfg.MaxVerificationAttempts)
	}
	if cfg.MaxInfoAttempts != 5 {
		t.Fatalf("MaxInfoAttempts = %d, want 5", cfg.MaxInfoAttempts)
	}
	if cfg.VerifyFanOutLimit != 3 {
		t.Fatalf("VerifyFanOutLimit = %d, want 3", cfg.VerifyFanOutLimit)
	}
	if !cfg.StreamingEnabled {
		t.Fatalf("StreamingEnabled = false, want true")
	}
	if cfg.RegistryBaseURL != "https://npiregistry.cms.hhs.gov/api" {
		t.Fatalf("RegistryBaseURL = %q", cfg.RegistryBaseURL)
	}
	if cfg.RegistryVersion != "2.1" {
		t.Fatalf("RegistryVersion = %q, want 2.1", cfg.RegistryVersion)
	}
	if cfg.GeneratorTimeout != 60*time.Second {
		t.Fatalf("GeneratorTimeout = %v", cfg.GeneratorTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_MAX_TOTAL_TURNS", "4")
	t.Setenv("APP_MAX_VERIFY_ATTEMPTS", "2")
	t.Setenv("APP_MAX_INFO_ATTEMPTS", "7")
	t.Setenv("APP_STREAMING_ENABLED", "false")
	t.Setenv("REGISTRY_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxTotalTurns != 4 || cfg.MaxVerificationAttempts != 2 || cfg.MaxInfoAttempts != 7 {
		t.Fatalf("thresholds = %d/%d/%d", cfg.MaxTotalTurns, cfg.MaxVerificationAttempts, cfg.MaxInfoAttempts)
	}
	if cfg.StreamingEnabled {
		t.Fatalf("StreamingEnabled = true, want false")
	}
	if cfg.RegistryTimeout != 5*time.Second {
		t.Fatalf("RegistryTimeout = %v, want 5s", cfg.RegistryTimeout)
	}
}

func TestLoadRejectsInvalidThresholds(t *testing.T) {
	cases := map[string]string{
		"APP_MAX_TOTAL_TURNS":     "0",
		"APP_MAX_VERIFY_ATTEMPTS": "-1",
		"APP_MAX_INFO_ATTEMPTS":   "nope",
		"REGISTRY_TIMEOUT":        "10ms",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%s", key, value)
			}
		})
	}
}
