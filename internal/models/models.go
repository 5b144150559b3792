package models

import (
	"context"

	"chatguard.org/internal/auth"
)

// Capabilities describe what a model can do.
type Capabilities struct {
	ToolCall  bool `json:"toolCall" yaml:"tool_call"`
	Vision    bool `json:"vision" yaml:"vision"`
	Reasoning bool `json:"reasoning" yaml:"reasoning"`
}

// Satisfies reports whether c covers everything want asks for.
func (c Capabilities) Satisfies(want Capabilities) bool {
	return (!want.ToolCall || c.ToolCall) && (!want.Vision || c.Vision) && (!want.Reasoning || c.Reasoning)
}

// Model is an entry of the catalog.
type Model struct {
	ID            string       `json:"id" yaml:"id"`
	Provider      string       `json:"provider" yaml:"provider"`
	Free          bool         `json:"free" yaml:"free"`
	ContextWindow int          `json:"contextWindow,omitempty" yaml:"context_window"`
	Capabilities  Capabilities `json:"capabilities" yaml:"capabilities"`
}

// Requirements narrow model selection.
type Requirements struct {
	Capabilities Capabilities
	MinContext   int
	PreferFree   bool
}

// Router picks models for a tenant and enforces its allow-list.
type Router interface {
	// SelectModel returns ok=false when no allowed model meets req.
	SelectModel(ctx context.Context, ac auth.AuthContext, req Requirements) (Model, bool, error)
	IsModelAllowed(ctx context.Context, ac auth.AuthContext, modelID string) (bool, error)
}
