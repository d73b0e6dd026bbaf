package providers

import (
	"context"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrEmptyResponse = errors.New("provider returned an empty response")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMProvider is a blocking text-generation call. Latency is unbounded;
// callers bound it through ctx.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	Name() string
}

// BuildMessages returns the optional system prompt followed by the user
// text.
func BuildMessages(systemPrompt, userText string) []Message {
	msgs := make([]Message, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	}
	return append(msgs, Message{Role: RoleUser, Content: userText})
}
