package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stellarlinkco/rovermind/internal/decision"
)

// ErrNoReply means the oracle could not be reached or refused every model.
var ErrNoReply = errors.New("no reply from oracle")

type Options struct {
	Models      []string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	Logger      *slog.Logger
}

// Client composes oracle requests and turns replies into decisions.
type Client struct {
	backend     Backend
	models      []string
	timeout     time.Duration
	temperature float64
	maxTokens   int
	logger      *slog.Logger

	mu        sync.Mutex
	preferred string
}

func New(backend Backend, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	models := dedupe(opts.Models)
	c := &Client{
		backend:     backend,
		models:      models,
		timeout:     opts.Timeout,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		logger:      opts.Logger,
	}
	if len(models) > 0 {
		c.preferred = models[0]
	}
	return c
}

// Input is the per-tick material for one decision.
type Input struct {
	Context Context
	Image   []byte
	Audio   []byte
}

// Reply carries the raw text alongside the decision for journaling.
type Reply struct {
	Text          string
	Model         string
	Decision      *decision.Decision
	ConvertedText string
	Elapsed       time.Duration
}

// Decide asks the oracle for one decision. When the reply has no
// recoverable mapping the oracle is asked once more to restate it as JSON.
// The returned Reply is non-nil whenever the oracle answered, even if the
// error is decision.ErrNoDecision.
func (c *Client) Decide(ctx context.Context, in Input) (*Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()

	in.Context.HasAudio = len(in.Audio) > 0
	text, modelName, err := c.generate(ctx, Request{
		Prompt:      BuildPrompt(in.Context),
		Image:       in.Image,
		ImageMIME:   "image/jpeg",
		Audio:       in.Audio,
		AudioMIME:   "audio/wav",
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	reply := &Reply{Text: text, Model: modelName}

	d, err := decision.Normalize(text)
	if err == nil {
		reply.Decision = d
		reply.Elapsed = time.Since(start)
		return reply, nil
	}

	c.logger.Warn("oracle reply not parseable, asking for conversion", "model", modelName, "reply", truncate(text, 200))
	converted, _, cerr := c.generate(ctx, Request{
		Prompt:      ConversionPrompt(text),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		JSON:        true,
	})
	reply.Elapsed = time.Since(start)
	if cerr != nil {
		return reply, fmt.Errorf("%w: conversion failed: %v", decision.ErrNoDecision, cerr)
	}
	reply.ConvertedText = converted
	d, err = decision.Normalize(converted)
	if err != nil {
		return reply, err
	}
	d.Strategy = "conversion"
	reply.Decision = d
	return reply, nil
}

// Ask sends a bare text prompt through the model chain.
func (c *Client) Ask(ctx context.Context, prompt string) (string, error) {
	return c.AskImage(ctx, prompt, nil)
}

// AskImage is Ask with a camera frame attached. The answer is free text.
func (c *Client) AskImage(ctx context.Context, prompt string, image []byte) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	text, _, err := c.generate(ctx, Request{
		Prompt:      prompt,
		Image:       image,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	return text, err
}

// generate walks the model chain, starting from the last model that
// answered, and skips models the backend reports as missing.
func (c *Client) generate(ctx context.Context, req Request) (string, string, error) {
	var lastErr error
	for _, name := range c.order() {
		req.Model = name
		text, err := c.backend.Generate(ctx, req)
		if err == nil {
			c.setPreferred(name)
			return text, name, nil
		}
		lastErr = err
		if notFound(err) {
			c.logger.Warn("oracle model unavailable, trying next", "model", name, "error", err)
			continue
		}
		return "", name, fmt.Errorf("%w: %v", ErrNoReply, err)
	}
	if lastErr == nil {
		lastErr = errors.New("no models configured")
	}
	return "", "", fmt.Errorf("%w: %v", ErrNoReply, lastErr)
}

func (c *Client) order() []string {
	c.mu.Lock()
	preferred := c.preferred
	c.mu.Unlock()

	out := make([]string, 0, len(c.models))
	if preferred != "" {
		out = append(out, preferred)
	}
	for _, m := range c.models {
		if m != preferred {
			out = append(out, m)
		}
	}
	return out
}

func (c *Client) setPreferred(name string) {
	c.mu.Lock()
	c.preferred = name
	c.mu.Unlock()
}

// Preferred is the model that answered last.
func (c *Client) Preferred() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred
}

func dedupe(models []string) []string {
	seen := make(map[string]bool, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
