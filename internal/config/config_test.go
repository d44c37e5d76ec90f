package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GIN_MODE", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.QueueBackend != BackendMemory || cfg.StateBackend != BackendMemory {
		t.Fatalf("unexpected backends: %s / %s", cfg.QueueBackend, cfg.StateBackend)
	}
	if cfg.CacheTTL != time.Hour || cfg.CacheFailureTTL != 0 {
		t.Fatalf("unexpected cache ttl: %v / %v", cfg.CacheTTL, cfg.CacheFailureTTL)
	}
	if got := cfg.OCRBackends; len(got) != 2 || got[0] != "baidu" {
		t.Fatalf("unexpected ocr backends: %v", got)
	}
	if cfg.RenderMaxAttempts != 2 || cfg.RenderTimeout != 5*time.Minute {
		t.Fatalf("unexpected render settings: %d / %v", cfg.RenderMaxAttempts, cfg.RenderTimeout)
	}
	if cfg.UsesRedis() {
		t.Fatal("default configuration should not need redis")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GIN_MODE", "debug")
	t.Setenv("REVIEW_BACKENDS", " Gemini , ernie,")
	t.Setenv("CACHE_FAILURE_TTL", "90s")
	t.Setenv("KEEP_WORKSPACE", "true")
	t.Setenv("REVIEW_TEMPERATURE", "0.7")
	t.Setenv("RENDER_DPI", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.ReviewBackends; len(got) != 2 || got[0] != "gemini" || got[1] != "ernie" {
		t.Fatalf("unexpected review backends: %v", got)
	}
	if cfg.CacheFailureTTL != 90*time.Second {
		t.Fatalf("unexpected failure ttl: %v", cfg.CacheFailureTTL)
	}
	if !cfg.KeepWorkspace || cfg.ReviewTemperature != 0.7 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.RenderDPI != 300 {
		t.Fatalf("invalid value should fall back to default, got %d", cfg.RenderDPI)
	}
}

func TestValidateBackends(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GIN_MODE", "debug")
	t.Setenv("QUEUE_BACKEND", "asynq")

	if _, err := Load(); err == nil {
		t.Fatal("asynq without redis state should be rejected")
	}

	t.Setenv("STATE_BACKEND", "redis")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !cfg.UsesRedis() {
		t.Fatal("asynq configuration should need redis")
	}

	t.Setenv("CACHE_BACKEND", "memcached")
	if _, err := Load(); err == nil {
		t.Fatal("unknown cache backend should be rejected")
	}
}

func TestValidateReleaseRequiresCredentials(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GIN_MODE", "release")
	t.Setenv("APP_USERNAME", "")

	if _, err := Load(); err == nil {
		t.Fatal("release mode without credentials should be rejected")
	}

	t.Setenv("APP_USERNAME", "admin")
	t.Setenv("APP_PASSWORD_HASH", "$2a$10$hash")
	t.Setenv("SESSION_SECRET", "secret")
	if _, err := Load(); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
}
