package engine

import (
	"encoding/json"
	"strings"
)

// EventType identifies the kind of engine event.
type EventType string

const (
	// EventSystem is a system-level event (init is a subtype).
	EventSystem EventType = "system"
	// EventAssistant is an assistant message event.
	EventAssistant EventType = "assistant"
	// EventUser is a user message echoed back by the engine.
	EventUser EventType = "user"
	// EventResult is the terminal completion event of a session.
	EventResult EventType = "result"
)

// Result subtypes the manager recognizes beyond "success".
const (
	SubtypeInit         = "init"
	SubtypeSuccess      = "success"
	SubtypeMaxBudgetUSD = "error_max_budget_usd"
)

// Event represents a parsed event from the engine's output stream. All
// providers map their native events to this shape; unknown variants pass
// through with only Type/Raw set and are ignored downstream.
type Event struct {
	Type    EventType `json:"type"`
	Subtype string    `json:"subtype,omitempty"`

	// SessionID is present on init events; it is the resume anchor.
	SessionID string `json:"session_id,omitempty"`

	// Message content (from assistant and user events).
	Message *MessageContent `json:"message,omitempty"`

	// Result fields (from result events).
	DurationMs    int64   `json:"duration_ms,omitempty"`
	DurationAPIMs int64   `json:"duration_api_ms,omitempty"`
	NumTurns      int     `json:"num_turns,omitempty"`
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`
	StopReason    string  `json:"stop_reason,omitempty"`
	Usage         *Usage  `json:"usage,omitempty"`
	IsError       bool    `json:"is_error,omitempty"`
	Result        string  `json:"result,omitempty"`

	// Raw payload for debugging.
	Raw json.RawMessage `json:"-"`
}

// IsInit reports whether this is the system init event.
func (e *Event) IsInit() bool {
	return e.Type == EventSystem && e.Subtype == SubtypeInit
}

// IsResult reports whether this is the terminal result event.
func (e *Event) IsResult() bool {
	return e.Type == EventResult
}

// Text returns the concatenated text content of all text blocks.
func (e *Event) Text() string {
	if e.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range e.Message.Content {
		if block.Type == BlockText {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// ToolUses returns all tool_use content blocks of the event.
func (e *Event) ToolUses() []ContentBlock {
	if e.Message == nil {
		return nil
	}
	var tools []ContentBlock
	for _, block := range e.Message.Content {
		if block.Type == BlockToolUse {
			tools = append(tools, block)
		}
	}
	return tools
}

// MessageContent holds an assistant or user message.
type MessageContent struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// Content block types.
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// ContentBlock is a single content block in a message.
type ContentBlock struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
	// Tool use fields (when Type == "tool_use").
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Usage holds token usage from result events.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}
