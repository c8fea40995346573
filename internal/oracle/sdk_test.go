package oracle

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/cexll/agentsdk-go/pkg/model"
)

type fakeModel struct {
	got  model.Request
	resp *model.Response
	err  error
}

func (f *fakeModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	f.got = req
	return f.resp, f.err
}

func (f *fakeModel) CompleteStream(_ context.Context, _ model.Request, _ model.StreamHandler) error {
	return errors.New("not used")
}

func TestSDKBackend_ImageBlocks(t *testing.T) {
	fm := &fakeModel{resp: &model.Response{Message: model.Message{Role: "assistant", Content: ` {"move":null} `}}}
	var names []string
	b := NewSDKBackendWithFactory(func(name string) model.Provider {
		names = append(names, name)
		return model.ProviderFunc(func(context.Context) (model.Model, error) { return fm, nil })
	})

	text, err := b.Generate(context.Background(), Request{
		Model:       "claude-sonnet-4-5",
		Prompt:      "decide",
		Image:       []byte("jpg"),
		Temperature: 0.2,
		MaxTokens:   512,
	})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if text != `{"move":null}` {
		t.Errorf("text = %q", text)
	}
	if len(fm.got.Messages) != 1 {
		t.Fatalf("messages = %d", len(fm.got.Messages))
	}
	blocks := fm.got.Messages[0].ContentBlocks
	if len(blocks) != 2 || blocks[1].Type != model.ContentBlockImage {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[1].Data != base64.StdEncoding.EncodeToString([]byte("jpg")) || blocks[1].MediaType != "image/jpeg" {
		t.Errorf("image block = %+v", blocks[1])
	}
	if fm.got.Temperature == nil || *fm.got.Temperature != 0.2 || fm.got.MaxTokens != 512 {
		t.Errorf("request options = %+v", fm.got)
	}

	b.Generate(context.Background(), Request{Model: "claude-sonnet-4-5", Prompt: "again"})
	if len(names) != 1 {
		t.Errorf("provider should be cached per model, built %d times", len(names))
	}
}

func TestSDKBackend_NotFound(t *testing.T) {
	fm := &fakeModel{err: errors.New("404 model: claude-x not found")}
	b := NewSDKBackendWithFactory(func(string) model.Provider {
		return model.ProviderFunc(func(context.Context) (model.Model, error) { return fm, nil })
	})
	_, err := b.Generate(context.Background(), Request{Model: "claude-x", Prompt: "p"})
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
}

func TestNewSDKBackend(t *testing.T) {
	if _, err := NewSDKBackend("anthropic", "", "", 0); err == nil {
		t.Error("expected error without API key")
	}
	if _, err := NewSDKBackend("mistral", "k", "", 0); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := NewSDKBackend("openai", "k", "", 0); err != nil {
		t.Errorf("openai backend: %v", err)
	}
}
