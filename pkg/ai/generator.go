package ai

import (
	"context"
	"errors"
)

// Message is one prior turn of a chat exchange, role "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// TextGenerator generates text from prompts. All model providers
// (Gemini, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	// GenerateText runs a single-shot completion.
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// GenerateChat runs a completion over a full conversation history.
	// The last message is expected to carry the "user" role.
	GenerateChat(ctx context.Context, systemPrompt string, messages []Message) (string, error)
}

// ErrModelUnavailable marks transport-level failures reaching the model;
// ErrModel marks failures the model service itself reported.
var (
	ErrModelUnavailable = errors.New("model unavailable")
	ErrModel            = errors.New("model error")
)
