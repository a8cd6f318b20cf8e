package clients

import (
	"context"
	"errors"

	"classmate/api/internal/assistant"
	"classmate/api/internal/config"
	"classmate/api/internal/supabase"
)

// Clients bundles every upstream the handlers talk to. The assistant client
// is optional: without an API key the proxy endpoint reports missing
// configuration instead of failing startup.
type Clients struct {
	Supabase  *supabase.Client
	Assistant assistant.Generator
}

func New(ctx context.Context, cfg config.Config) (*Clients, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, errors.New("supabase url and service key are required")
	}

	c := &Clients{
		Supabase: supabase.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.UpstreamTimeout),
	}

	if cfg.GeminiAPIKey != "" {
		gemini, err := assistant.NewGemini(ctx, cfg.GeminiAPIKey, cfg.AssistantModel)
		if err != nil {
			return nil, err
		}
		c.Assistant = gemini
	}

	return c, nil
}
