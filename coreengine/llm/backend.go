// Package llm defines the model backend capability consumed by the router.
//
// Concrete provider wire protocols live outside agentcore; anything that can
// turn a model id and chat messages into text implements ModelBackend.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Options are optional sampling parameters. Nil fields use the backend default.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completion result.
type Response struct {
	Text  string `json:"text"`
	Usage *Usage `json:"usage,omitempty"`
}

// ModelBackend completes chat messages with a named model.
// Implementations must honour ctx cancellation and report failures as errors.
type ModelBackend interface {
	Complete(ctx context.Context, model string, messages []Message, opts Options) (*Response, error)
}

// BackendFunc adapts a function to ModelBackend.
type BackendFunc func(ctx context.Context, model string, messages []Message, opts Options) (*Response, error)

// Complete implements ModelBackend.
func (f BackendFunc) Complete(ctx context.Context, model string, messages []Message, opts Options) (*Response, error) {
	return f(ctx, model, messages, opts)
}

// UserPrompt wraps a prompt as a single user message.
func UserPrompt(prompt string) []Message {
	return []Message{{Role: RoleUser, Content: prompt}}
}

// ErrEmptyMessages is returned by backends given no messages.
var ErrEmptyMessages = errors.New("no messages to complete")

// EchoBackend answers with the last user message. It is the development
// backend wired by cmd/ when no provider is configured.
type EchoBackend struct {
	// Prefix is prepended to every answer.
	Prefix string
}

// Complete implements ModelBackend.
func (b EchoBackend) Complete(ctx context.Context, model string, messages []Message, _ Options) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrEmptyMessages
	}

	last := messages[len(messages)-1].Content
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			last = messages[i].Content
			break
		}
	}

	text := last
	if b.Prefix != "" {
		text = fmt.Sprintf("%s%s", b.Prefix, last)
	}
	prompt := 0
	for _, m := range messages {
		prompt += len(strings.Fields(m.Content))
	}
	completion := len(strings.Fields(text))
	return &Response{
		Text: text,
		Usage: &Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

var (
	_ ModelBackend = EchoBackend{}
	_ ModelBackend = BackendFunc(nil)
)
