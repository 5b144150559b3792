package llm

import (
	"context"
	"errors"
)

// ErrEmptyCompletion is returned when the provider answers without any content.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// Turn is one prior message handed to the model.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is a single generation call.
type Request struct {
	Model        string
	SystemPrompt string
	History      []Turn
	Prompt       string
	// Context holds retrieved passages the answer may draw from.
	Context []string
}

// Response is the generated text and what it cost.
type Response struct {
	Content    string
	Model      string
	TokensUsed int64
}

// Generator invokes a language model.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
