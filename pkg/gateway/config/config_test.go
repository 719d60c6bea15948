package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Addr != ":3001" {
		t.Fatalf("addr default: %q", cfg.Addr)
	}
	if cfg.Voice != "Ara" {
		t.Fatalf("voice default: %q", cfg.Voice)
	}
	if cfg.TurnTimeout != 24*time.Second {
		t.Fatalf("turn timeout default: %v", cfg.TurnTimeout)
	}
	if cfg.SampleRateHz != 24000 {
		t.Fatalf("sample rate default: %d", cfg.SampleRateHz)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("cors should default to empty allowlist")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("WALLY_ADDR", ":9999")
	t.Setenv("WALLY_TURN_TIMEOUT", "5s")
	t.Setenv("WALLY_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("XAI_API_KEY", "xai-test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr override: %q", cfg.Addr)
	}
	if cfg.TurnTimeout != 5*time.Second {
		t.Fatalf("turn timeout override: %v", cfg.TurnTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("cors origins: %v", cfg.CORSAllowedOrigins)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://b.example"]; !ok {
		t.Fatalf("missing trimmed origin")
	}
	if cfg.APIKey != "xai-test" {
		t.Fatalf("api key: %q", cfg.APIKey)
	}
}

func TestAPIKeyFallsBackToOpenAI(t *testing.T) {
	t.Setenv("XAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIKey != "sk-test" {
		t.Fatalf("expected openai fallback, got %q", cfg.APIKey)
	}
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("WALLY_REALTIME_URL", "https://not-a-ws-url")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for non-ws upstream url")
	}
}

func TestInvalidDurationFallsBackToDefault(t *testing.T) {
	t.Setenv("WALLY_TURN_TIMEOUT", "soon")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TurnTimeout != 24*time.Second {
		t.Fatalf("expected default on bad duration, got %v", cfg.TurnTimeout)
	}
}
