package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr           string
	SupabaseURL        string
	SupabaseServiceKey string
	IdentityJWTSecret  string
	GeminiAPIKey       string
	AssistantModel     string
	RedisAddr          string
	RedisPassword      string
	UserCacheTTL       time.Duration
	UpstreamTimeout    time.Duration
}

func Load() Config {
	return Config{
		HTTPAddr:           getenv("HTTP_ADDR", ":8084"),
		SupabaseURL:        getenv("SUPABASE_URL", ""),
		SupabaseServiceKey: getenv("SUPABASE_SERVICE_KEY", ""),
		IdentityJWTSecret:  getenv("IDENTITY_JWT_SECRET", ""),
		GeminiAPIKey:       getenv("GEMINI_API_KEY", ""),
		AssistantModel:     getenv("ASSISTANT_MODEL", "gemini-1.5-flash"),
		RedisAddr:          getenv("REDIS_ADDR", ""),
		RedisPassword:      getenv("REDIS_PASSWORD", ""),
		UserCacheTTL:       getenvDuration("USER_CACHE_TTL", 30*time.Second),
		UpstreamTimeout:    getenvDuration("UPSTREAM_TIMEOUT", 10*time.Second),
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
