package oracle

import (
	"context"
	"errors"
	"strings"
)

// ErrModelNotFound marks a backend failure that should move on to the next model.
var ErrModelNotFound = errors.New("model not found")

// Request is one generation call.
type Request struct {
	Model       string
	Prompt      string
	Image       []byte
	ImageMIME   string
	Audio       []byte
	AudioMIME   string
	Temperature float64
	MaxTokens   int
	JSON        bool
}

// Backend is a multimodal text generator.
type Backend interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (string, error)

func (f BackendFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// notFound recognizes "unknown model" answers from any provider.
func notFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrModelNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") ||
		strings.Contains(msg, "not_found") ||
		strings.Contains(msg, "not found")
}
