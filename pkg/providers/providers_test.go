package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/uaserver/uabot/pkg/config"
)

func TestOpenAIProvider_Chat(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "local-model",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "  hi there \n"}}]
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(config.ProviderConfig{
		Kind:        config.ProviderOpenAI,
		Model:       "local-model",
		APIKey:      "test",
		APIBase:     srv.URL + "/v1",
		MaxTokens:   150,
		Temperature: 0.7,
	})
	got, err := p.Chat(context.Background(), BuildMessages("be brief", "hello"))
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != "hi there" {
		t.Fatalf("Chat() = %q, want trimmed reply", got)
	}
	if gotBody["model"] != "local-model" {
		t.Fatalf("request model = %v", gotBody["model"])
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("request messages = %v, want system+user", gotBody["messages"])
	}
	if gotBody["max_tokens"] != float64(150) {
		t.Fatalf("request max_tokens = %v", gotBody["max_tokens"])
	}
}

func TestOpenAIProvider_EmptyChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(config.ProviderConfig{Model: "m", APIKey: "k", APIBase: srv.URL})
	if _, err := p.Chat(context.Background(), BuildMessages("", "hi")); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("Chat() error = %v, want ErrEmptyResponse", err)
	}
}

func TestAnthropicProvider_Chat(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "hello "}, {"type": "text", "text": "back"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 3, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(config.ProviderConfig{
		Kind:    config.ProviderAnthropic,
		Model:   "claude-test",
		APIKey:  "k",
		APIBase: srv.URL,
	})
	got, err := p.Chat(context.Background(), BuildMessages("sys", "hi"))
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != "hello back" {
		t.Fatalf("Chat() = %q", got)
	}
	if _, ok := gotBody["system"]; !ok {
		t.Fatalf("system prompt not sent: %v", gotBody)
	}
	if gotBody["max_tokens"] != float64(defaultAnthropicMaxTokens) {
		t.Fatalf("max_tokens = %v", gotBody["max_tokens"])
	}
}

func TestCreateProvider(t *testing.T) {
	t.Parallel()

	if p, err := CreateProvider(config.ProviderConfig{Kind: config.ProviderOpenAI, Model: "m"}); err != nil || p.Name() != config.ProviderOpenAI {
		t.Fatalf("CreateProvider(openai) = (%v, %v)", p, err)
	}
	if _, err := CreateProvider(config.ProviderConfig{Kind: config.ProviderAnthropic}); err == nil {
		t.Fatal("CreateProvider(anthropic without key) error = nil")
	}
	if _, err := CreateProvider(config.ProviderConfig{Kind: "bridge"}); err == nil {
		t.Fatal("CreateProvider(bridge) error = nil")
	}
}

func TestBuildMessages(t *testing.T) {
	t.Parallel()

	if got := BuildMessages("", "hi"); len(got) != 1 || got[0].Role != RoleUser {
		t.Fatalf("BuildMessages without system = %+v", got)
	}
	got := BuildMessages("sys", "hi")
	if len(got) != 2 || got[0].Role != RoleSystem || got[1].Content != "hi" {
		t.Fatalf("BuildMessages with system = %+v", got)
	}
}
