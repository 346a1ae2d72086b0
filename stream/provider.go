package stream

import (
	"context"
	"encoding/json"
)

// Message is one conversation turn passed to the model.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolDef describes a callable tool to the model. Parameters is a JSON
// schema object.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one provider call within a generation.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Completion is the folded result of one provider call. Tool calls, when
// present, mean the model wants another step after their results are fed
// back.
type Completion struct {
	Text         string
	Reasoning    string
	ToolCalls    []ToolCall
	FinishReason string
}

// Provider streams a single model completion. Text and reasoning deltas are
// handed to emit as they arrive; tool calls are accumulated and returned in
// the Completion. A non-nil error from emit aborts the call.
type Provider interface {
	Stream(ctx context.Context, req Request, emit func(Event) error) (*Completion, error)
}
