package engine

import (
	"context"
	"encoding/json"
	"io"
)

// Permission modes accepted by the engine.
const (
	PermissionDefault     = "default"
	PermissionPlan        = "plan"
	PermissionAcceptEdits = "acceptEdits"
	PermissionBypass      = "bypassPermissions"
)

// Prompt is the initial input of a session: text plus optional image items.
type Prompt struct {
	Text   string
	Images []ImageContent
}

// ImageContent is one base64-encoded image attached to the prompt.
type ImageContent struct {
	MediaType string
	Data      string
}

// SystemPrompt configures the agent's system instructions.
type SystemPrompt struct {
	// Preset selects a provider-defined base prompt; empty keeps the default.
	Preset string
	// Append is extra text appended after the base prompt.
	Append string
}

// AgentDef declares a subagent the engine may delegate to.
type AgentDef struct {
	Description string
	Prompt      string
	Tools       []string
	Model       string
}

// HookInput is the payload a hook receives before or after a tool runs.
type HookInput struct {
	HookEventName string          `json:"hook_event_name"`
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse  json.RawMessage `json:"tool_response,omitempty"`
}

// Hook decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// HookOutput is a hook's verdict. An empty Decision means no opinion;
// post-tool hooks are observational and always return it empty.
type HookOutput struct {
	Decision string
	Reason   string
}

// HookFunc runs in-process when the engine consults a hook.
type HookFunc func(ctx context.Context, in HookInput) HookOutput

// Hooks groups the hook callbacks by event.
type Hooks struct {
	PreToolUse  []HookFunc
	PostToolUse []HookFunc
}

// UserMessage is a message injected into a running session.
type UserMessage struct {
	Text string
	// ParentToolUseID routes the message as a tool_result answer to a
	// pending tool call (question or plan approval).
	ParentToolUseID string
	SessionID       string
}

// InputSource feeds user messages into an active session. Next blocks until
// a message arrives, the source ends (ok=false), or ctx is cancelled.
type InputSource interface {
	Next(ctx context.Context) (msg UserMessage, ok bool)
}

// InputSourceFunc adapts a function to the InputSource interface.
type InputSourceFunc func(ctx context.Context) (UserMessage, bool)

func (f InputSourceFunc) Next(ctx context.Context) (UserMessage, bool) { return f(ctx) }

// Options holds provider-agnostic session configuration.
type Options struct {
	// WorkDir is the working directory for the session.
	WorkDir string

	// Model selects the engine model; empty keeps the provider default.
	Model string

	// Env is the complete environment for the engine process. A nil map
	// means inherit the parent environment unchanged.
	Env map[string]string

	// SettingSources selects which engine settings files load ("user",
	// "project").
	SettingSources []string

	// PermissionMode is one of the Permission* constants.
	PermissionMode string

	SystemPrompt SystemPrompt

	// AllowedTools whitelists tools (including Skill(slug) grants); empty
	// leaves the provider default set.
	AllowedTools []string

	// Agents declares subagents by name.
	Agents map[string]AgentDef

	// MCPServers is the MCP server configuration, marshalled as-is.
	MCPServers map[string]any

	Hooks Hooks

	// Resume loads prior conversation state for the given session id.
	Resume string

	// Input streams follow-up user messages into the session.
	Input InputSource

	// Stderr receives the engine's stderr; nil discards it.
	Stderr io.Writer
}
