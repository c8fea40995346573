package oracle

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/cexll/agentsdk-go/pkg/model"
)

// ProviderFactory builds an agentsdk-go provider for one model name.
type ProviderFactory func(modelName string) model.Provider

// SDKBackend routes requests through agentsdk-go providers (Anthropic or
// OpenAI). Audio is not forwarded; those providers take images only.
type SDKBackend struct {
	factory ProviderFactory

	mu        sync.Mutex
	providers map[string]model.Provider
}

// NewSDKBackend picks the provider type by name: "anthropic" or "openai".
func NewSDKBackend(kind, apiKey, baseURL string, maxTokens int) (*SDKBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s API key is required", kind)
	}
	var factory ProviderFactory
	switch kind {
	case "anthropic":
		factory = func(name string) model.Provider {
			return &model.AnthropicProvider{APIKey: apiKey, BaseURL: baseURL, ModelName: name, MaxTokens: maxTokens}
		}
	case "openai":
		factory = func(name string) model.Provider {
			return &model.OpenAIProvider{APIKey: apiKey, BaseURL: baseURL, ModelName: name, MaxTokens: maxTokens}
		}
	default:
		return nil, fmt.Errorf("unsupported provider type %q", kind)
	}
	return NewSDKBackendWithFactory(factory), nil
}

func NewSDKBackendWithFactory(factory ProviderFactory) *SDKBackend {
	return &SDKBackend{factory: factory, providers: make(map[string]model.Provider)}
}

func (s *SDKBackend) provider(name string) model.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[name]
	if !ok {
		p = s.factory(name)
		s.providers[name] = p
	}
	return p
}

func (s *SDKBackend) Generate(ctx context.Context, req Request) (string, error) {
	mdl, err := s.provider(req.Model).Model(ctx)
	if err != nil {
		return "", fmt.Errorf("create model %s: %w", req.Model, err)
	}

	msg := model.Message{Role: "user", Content: req.Prompt}
	if len(req.Image) > 0 {
		msg.ContentBlocks = []model.ContentBlock{
			{Type: model.ContentBlockText, Text: req.Prompt},
			{
				Type:      model.ContentBlockImage,
				MediaType: mimeOr(req.ImageMIME, "image/jpeg"),
				Data:      base64.StdEncoding.EncodeToString(req.Image),
			},
		}
	}

	temp := req.Temperature
	resp, err := mdl.Complete(ctx, model.Request{
		Messages:    []model.Message{msg},
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: &temp,
	})
	if err != nil {
		if notFound(err) {
			return "", fmt.Errorf("%s: %w: %v", req.Model, ErrModelNotFound, err)
		}
		return "", fmt.Errorf("%s: %w", req.Model, err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", fmt.Errorf("%s: empty response", req.Model)
	}
	return text, nil
}
