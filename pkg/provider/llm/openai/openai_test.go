package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/lorekeeper/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role    string
		wantErr bool
	}{
		{role: llm.RoleSystem},
		{role: llm.RoleUser},
		{role: llm.RoleAssistant},
		{role: "tool", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()
			param, err := convertMessage(llm.Message{Role: tt.role, Content: "x"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var set bool
			switch tt.role {
			case llm.RoleSystem:
				set = param.OfSystem != nil
			case llm.RoleUser:
				set = param.OfUser != nil
			case llm.RoleAssistant:
				set = param.OfAssistant != nil
			}
			if !set {
				t.Errorf("role %q not mapped to its union member", tt.role)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("key", ""); err == nil {
		t.Error("empty model: expected error")
	}
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("no key and no base URL: expected error")
	}
	if _, err := New("", "llama3", WithBaseURL("http://localhost:8080/v1/")); err != nil {
		t.Errorf("local server without key: %v", err)
	}
}

func TestBuildParams_NoMessages(t *testing.T) {
	t.Parallel()

	p, err := New("key", "gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.buildParams(llm.CompletionRequest{SystemPrompt: "only system"}); err == nil {
		t.Error("expected error for request without messages")
	}
}

// TestComplete_AgainstFakeServer drives a full round trip through the SDK.
func TestComplete_AgainstFakeServer(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "The mailbox creaks open."}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}))
	defer srv.Close()

	p, err := New("test-key", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You narrate.",
		Messages:     []llm.Message{llm.UserMessage("open mailbox")},
		Temperature:  0.7,
		MaxTokens:    120,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "The mailbox creaks open." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 17 {
		t.Errorf("TotalTokens = %d, want 17", resp.Usage.TotalTokens)
	}

	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2 (system + user)", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v, want system", first["role"])
	}
	if got["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", got["model"])
	}
}
