package stream

import "encoding/json"

// EventType discriminates entries of a stream's event log.
type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventToolCall       EventType = "tool-call"
	EventToolResult     EventType = "tool-result"
	EventFinish         EventType = "finish"
	EventError          EventType = "error"
)

// Event is one entry of a stream's append-only log. Exactly one terminal
// event (finish or error) seals every log.
type Event struct {
	Type       EventType       `json:"type"`
	Delta      string          `json:"delta,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Terminal reports whether the event seals the stream.
func (e Event) Terminal() bool {
	return e.Type == EventFinish || e.Type == EventError
}

// Encode serializes the event for the durable buffer and the wire.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an event previously produced by Encode.
func DecodeEvent(raw []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(raw, &e)
	return e, err
}

// Part is one element of a persisted assistant message body. Text deltas are
// folded into a single text part per step; tool activity keeps its call and
// result records.
type Part struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}
