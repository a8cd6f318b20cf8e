package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPAddr != ":8084" {
		t.Fatalf("expected default HTTP_ADDR, got %s", cfg.HTTPAddr)
	}
	if cfg.AssistantModel != "gemini-1.5-flash" {
		t.Fatalf("expected default ASSISTANT_MODEL, got %s", cfg.AssistantModel)
	}
	if cfg.UserCacheTTL != 30*time.Second {
		t.Fatalf("expected default USER_CACHE_TTL, got %s", cfg.UserCacheTTL)
	}
	if cfg.UpstreamTimeout != 10*time.Second {
		t.Fatalf("expected default UPSTREAM_TIMEOUT, got %s", cfg.UpstreamTimeout)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":18084")
	t.Setenv("SUPABASE_URL", "https://project.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
	t.Setenv("IDENTITY_JWT_SECRET", "test-secret")
	t.Setenv("GEMINI_API_KEY", "gemini-key")
	t.Setenv("ASSISTANT_MODEL", "gemini-2.0-flash")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("USER_CACHE_TTL", "2m")
	t.Setenv("UPSTREAM_TIMEOUT_SECONDS", "20")

	cfg := Load()
	if cfg.HTTPAddr != ":18084" {
		t.Fatalf("expected HTTP_ADDR override, got %s", cfg.HTTPAddr)
	}
	if cfg.SupabaseURL != "https://project.supabase.co" {
		t.Fatalf("expected SUPABASE_URL override, got %s", cfg.SupabaseURL)
	}
	if cfg.SupabaseServiceKey != "service-key" {
		t.Fatalf("expected SUPABASE_SERVICE_KEY override, got %s", cfg.SupabaseServiceKey)
	}
	if cfg.IdentityJWTSecret != "test-secret" {
		t.Fatalf("expected IDENTITY_JWT_SECRET override, got %s", cfg.IdentityJWTSecret)
	}
	if cfg.GeminiAPIKey != "gemini-key" {
		t.Fatalf("expected GEMINI_API_KEY override, got %s", cfg.GeminiAPIKey)
	}
	if cfg.AssistantModel != "gemini-2.0-flash" {
		t.Fatalf("expected ASSISTANT_MODEL override, got %s", cfg.AssistantModel)
	}
	if cfg.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("expected REDIS_ADDR override, got %s", cfg.RedisAddr)
	}
	if cfg.UserCacheTTL != 2*time.Minute {
		t.Fatalf("expected USER_CACHE_TTL 2m, got %s", cfg.UserCacheTTL)
	}
	if cfg.UpstreamTimeout != 20*time.Second {
		t.Fatalf("expected UPSTREAM_TIMEOUT 20s, got %s", cfg.UpstreamTimeout)
	}
}
