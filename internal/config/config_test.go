package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.TokenTTL != 30*time.Second {
		t.Errorf("TokenTTL = %s, want 30s", cfg.TokenTTL)
	}
	if cfg.StoreBackend != "postgres" || cfg.QueueBackend != "redis" {
		t.Errorf("backends = %s/%s", cfg.StoreBackend, cfg.QueueBackend)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TOKEN_TTL", "45s")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("RATE_LIMIT_PER_MIN", "10")

	cfg := Load()
	if cfg.TokenTTL != 45*time.Second {
		t.Errorf("TokenTTL = %s, want 45s", cfg.TokenTTL)
	}
	if cfg.StoreBackend != "memory" {
		t.Errorf("StoreBackend = %s", cfg.StoreBackend)
	}
	if cfg.RateLimitPerMin != 10 {
		t.Errorf("RateLimitPerMin = %d", cfg.RateLimitPerMin)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("TOKEN_TTL", "soon")
	t.Setenv("RATE_LIMIT_PER_MIN", "many")

	cfg := Load()
	if cfg.TokenTTL != 30*time.Second {
		t.Errorf("TokenTTL = %s, want fallback 30s", cfg.TokenTTL)
	}
	if cfg.RateLimitPerMin != 120 {
		t.Errorf("RateLimitPerMin = %d, want fallback 120", cfg.RateLimitPerMin)
	}
}
