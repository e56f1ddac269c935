// Package llm provides LLM client implementations.
package llm

import (
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	Name       string     `json:"name,omitempty"`         // Tool name on tool responses
}

// ToolCall represents a tool call from the model. Arguments holds the
// raw JSON payload exactly as the provider produced it. Decoding is
// deferred to the dispatcher so a malformed payload fails that one
// call instead of the whole response.
type ToolCall struct {
	ID        string `json:"id,omitempty"` // Provider-assigned ID, required for tool_result correlation
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at the provider boundary (anthropic.go).
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// Delta is one increment of a streaming response. Exactly one of
// Content or Tool is meaningful; providers never combine both in a
// single delta.
type Delta struct {
	// Content is an incremental piece of assistant text.
	Content string

	// Tool is an incremental piece of a tool call.
	Tool *ToolDelta
}

// ToolDelta carries a tool-call increment tagged with the slot index
// the provider assigned to that call. ID and Name are set on the first
// increment of a slot; Arguments fragments arrive over many increments
// and must be concatenated in arrival order.
type ToolDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Delta is set for KindDelta events.
	Delta Delta

	// Partial is set for KindSnapshot events: the full assistant text
	// accumulated so far.
	Partial string
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindDelta is an incremental content or tool-call fragment.
	KindDelta StreamEventKind = iota

	// KindSnapshot fires when the accumulated content has grown enough
	// (by time or by size) to be worth persisting for pollers.
	KindSnapshot
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
