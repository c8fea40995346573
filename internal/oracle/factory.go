package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stellarlinkco/rovermind/internal/config"
)

// NewBackend builds the backend named by cfg.Provider.
func NewBackend(ctx context.Context, cfg config.OracleConfig) (Backend, error) {
	switch cfg.Provider {
	case "", "gemini":
		return NewGeminiBackend(ctx, cfg.APIKey, cfg.BaseURL)
	case "anthropic", "openai":
		return NewSDKBackend(cfg.Provider, cfg.APIKey, cfg.BaseURL, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
}

// NewFromConfig wires a Client with the configured model first and the
// fallback chain after it.
func NewFromConfig(ctx context.Context, cfg config.OracleConfig, logger *slog.Logger) (*Client, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	models := append([]string{cfg.Model}, cfg.FallbackModels...)
	return New(backend, Options{
		Models:      models,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Logger:      logger,
	}), nil
}
