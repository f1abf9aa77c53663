package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RECLAIM_INTERVAL_SECONDS", "")
	t.Setenv("GATEWAY_ALLOWED_ORIGINS", "https://console.example.com, https://ops.example.com ,")
	t.Setenv("RECLAIM_TIMEOUT_MINUTES", "45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Reclaim.Interval() != time.Minute {
		t.Fatalf("expected default interval 1m, got %s", cfg.Reclaim.Interval())
	}
	if cfg.Reclaim.TimeoutMinutes != 45 {
		t.Fatalf("expected timeout 45, got %d", cfg.Reclaim.TimeoutMinutes)
	}
	if len(cfg.Gateway.AllowedOrigins) != 2 || cfg.Gateway.AllowedOrigins[1] != "https://ops.example.com" {
		t.Fatalf("unexpected origins %v", cfg.Gateway.AllowedOrigins)
	}
}

func TestInvalidRedisDB(t *testing.T) {
	t.Setenv("REDIS_DB", "x")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid REDIS_DB")
	}
}
