package claudecli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/buildd-ai/runner/internal/engine"
	"github.com/buildd-ai/runner/internal/log"
)

// Control protocol frame types. The engine sends control_request frames on
// stdout; answers go back over stdin as control_response frames.
const (
	frameControlRequest  = "control_request"
	frameControlResponse = "control_response"
	frameControlCancel   = "control_cancel_request"
)

// Hook event names on the wire.
const (
	hookEventPreToolUse  = "PreToolUse"
	hookEventPostToolUse = "PostToolUse"
)

// controlRequest is a control frame in either direction: initialize going
// out, hook_callback coming in.
type controlRequest struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype    string                   `json:"subtype"`
	Hooks      map[string][]hookMatcher `json:"hooks,omitempty"`
	CallbackID string                   `json:"callback_id,omitempty"`
	Input      json.RawMessage          `json:"input,omitempty"`
	ToolUseID  string                   `json:"tool_use_id,omitempty"`
}

// hookMatcher subscribes callback ids to a tool name pattern.
type hookMatcher struct {
	Matcher         string   `json:"matcher,omitempty"`
	HookCallbackIDs []string `json:"hookCallbackIds"`
}

type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// hookResult is the wire form of a hook verdict. The zero value marshals to
// {}, which the engine reads as "no opinion".
type hookResult struct {
	HookSpecificOutput *hookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

type hookSpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

// initializeRequest registers hook callbacks before the first prompt.
// Matcher "*" subscribes to every tool.
func initializeRequest(r *hookRegistry) controlRequest {
	hooks := make(map[string][]hookMatcher)
	if len(r.pre) > 0 {
		hooks[hookEventPreToolUse] = []hookMatcher{{Matcher: "*", HookCallbackIDs: r.pre}}
	}
	if len(r.post) > 0 {
		hooks[hookEventPostToolUse] = []hookMatcher{{Matcher: "*", HookCallbackIDs: r.post}}
	}
	return controlRequest{
		Type:      frameControlRequest,
		RequestID: "init_1",
		Request:   controlRequestBody{Subtype: "initialize", Hooks: hooks},
	}
}

// handleControlRequest answers hook_callback frames; other control traffic
// needs no reply from this side.
func (p *process) handleControlRequest(line []byte) {
	var req controlRequest
	if err := json.Unmarshal(line, &req); err != nil {
		log.Debug(log.CatEngine, "malformed control request", "error", err)
		return
	}
	if req.Request.Subtype != "hook_callback" {
		return
	}

	result := p.hooks.invoke(p.ctx, req.Request.CallbackID, req.Request.Input)
	resp := controlResponse{
		Type: frameControlResponse,
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: req.RequestID,
			Response:  result,
		},
	}
	if err := p.writeFrame(resp); err != nil {
		p.sendError(fmt.Errorf("hook response: %w", err))
	}
}

// hookRegistry assigns wire callback ids to the configured hook functions.
type hookRegistry struct {
	callbacks map[string]registeredHook
	pre       []string
	post      []string
}

type registeredHook struct {
	event string
	fn    engine.HookFunc
}

func newHookRegistry(h engine.Hooks) *hookRegistry {
	r := &hookRegistry{callbacks: make(map[string]registeredHook)}
	id := 0
	add := func(event string, fns []engine.HookFunc) []string {
		ids := make([]string, 0, len(fns))
		for _, fn := range fns {
			key := fmt.Sprintf("hook_%d", id)
			id++
			r.callbacks[key] = registeredHook{event: event, fn: fn}
			ids = append(ids, key)
		}
		return ids
	}
	r.pre = add(hookEventPreToolUse, h.PreToolUse)
	r.post = add(hookEventPostToolUse, h.PostToolUse)
	return r
}

func (r *hookRegistry) enabled() bool { return len(r.callbacks) > 0 }

// invoke runs a callback and shapes its verdict for the wire. Unknown ids
// and no-opinion verdicts both answer {}.
func (r *hookRegistry) invoke(ctx context.Context, callbackID string, input json.RawMessage) hookResult {
	reg, ok := r.callbacks[callbackID]
	if !ok {
		log.Debug(log.CatEngine, "unknown hook callback", "callbackId", callbackID)
		return hookResult{}
	}

	var in engine.HookInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			log.Debug(log.CatEngine, "malformed hook input", "callbackId", callbackID, "error", err)
			return hookResult{}
		}
	}
	if in.HookEventName == "" {
		in.HookEventName = reg.event
	}

	out := reg.fn(ctx, in)
	if out.Decision == "" {
		return hookResult{}
	}
	return hookResult{HookSpecificOutput: &hookSpecificOutput{
		HookEventName:            reg.event,
		PermissionDecision:       out.Decision,
		PermissionDecisionReason: out.Reason,
	}}
}

// userFrame is one stream-json stdin message.
type userFrame struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
	// ParentToolUseID is null for plain messages; the engine requires the
	// field to be present either way.
	ParentToolUseID *string `json:"parent_tool_use_id"`
	SessionID       string  `json:"session_id,omitempty"`
}

type userMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// image
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// promptFrame shapes the session's opening prompt: text first, then any
// image attachments.
func promptFrame(prompt engine.Prompt) userFrame {
	blocks := make([]contentBlock, 0, len(prompt.Images)+1)
	if prompt.Text != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: prompt.Text})
	}
	for _, img := range prompt.Images {
		blocks = append(blocks, contentBlock{Type: "image", Source: &imageSource{
			Type:      "base64",
			MediaType: img.MediaType,
			Data:      img.Data,
		}})
	}
	return userFrame{Type: "user", Message: userMessage{Role: "user", Content: blocks}}
}

// messageFrame shapes a bridged follow-up. Messages answering a pending tool
// call go out as tool_result blocks so the engine resumes the right branch.
func messageFrame(msg engine.UserMessage) userFrame {
	f := userFrame{Type: "user", SessionID: msg.SessionID}
	if msg.ParentToolUseID != "" {
		id := msg.ParentToolUseID
		f.ParentToolUseID = &id
		f.Message = userMessage{Role: "user", Content: []contentBlock{{
			Type:      "tool_result",
			ToolUseID: id,
			Content:   msg.Text,
		}}}
		return f
	}
	f.Message = userMessage{Role: "user", Content: []contentBlock{{Type: "text", Text: msg.Text}}}
	return f
}
