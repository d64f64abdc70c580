package enginetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/buildd-ai/runner/internal/engine"
)

// Session is one scripted engine session. It implements engine.Stream.
type Session struct {
	ctx    context.Context
	prompt engine.Prompt
	opts   engine.Options

	events chan engine.Event
	errors chan error
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewSession creates a detached running session. Sessions obtained through
// Client.Query additionally carry the recorded prompt and options.
func NewSession() *Session {
	return &Session{
		events: make(chan engine.Event, 100),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
	}
}

// Events returns the event stream consumed by the code under test.
func (s *Session) Events() <-chan engine.Event { return s.events }

// Errors returns the terminal error channel.
func (s *Session) Errors() <-chan error { return s.errors }

// Prompt returns the prompt the session was started with.
func (s *Session) Prompt() engine.Prompt { return s.prompt }

// Options returns the options the session was started with.
func (s *Session) Options() engine.Options { return s.opts }

// Done is closed when the session ends. Useful for tests that wait on
// Complete or Fail happening elsewhere.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send delivers one event to the consumer. Events sent after the session
// ended are dropped. The lock is held across the channel send so Complete
// cannot close the channel mid-send.
func (s *Session) Send(ev engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Complete ends the session cleanly.
func (s *Session) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	close(s.errors)
	close(s.done)
}

// Fail ends the session with a terminal error.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	select {
	case s.errors <- err:
	default:
	}
	close(s.events)
	close(s.errors)
	close(s.done)
}

// Ended reports whether the session already completed or failed.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendInit emits the system init event carrying the resume anchor.
func (s *Session) SendInit(sessionID string) {
	s.Send(engine.Event{
		Type:      engine.EventSystem,
		Subtype:   engine.SubtypeInit,
		SessionID: sessionID,
	})
}

// SendText emits an assistant text message.
func (s *Session) SendText(text string) {
	s.Send(engine.Event{
		Type: engine.EventAssistant,
		Message: &engine.MessageContent{
			Role:    "assistant",
			Content: []engine.ContentBlock{{Type: engine.BlockText, Text: text}},
		},
	})
}

// SendToolUse emits an assistant tool_use block.
func (s *Session) SendToolUse(id, name string, input json.RawMessage) {
	s.Send(engine.Event{
		Type: engine.EventAssistant,
		Message: &engine.MessageContent{
			Role:    "assistant",
			Content: []engine.ContentBlock{{Type: engine.BlockToolUse, ID: id, Name: name, Input: input}},
		},
	})
}

// SendResult emits a success result with usage numbers.
func (s *Session) SendResult(costUSD float64, numTurns int) {
	s.Send(engine.Event{
		Type:         engine.EventResult,
		Subtype:      engine.SubtypeSuccess,
		TotalCostUSD: costUSD,
		NumTurns:     numTurns,
	})
}

// SendResultSubtype emits a terminal result with an explicit subtype, error
// results included.
func (s *Session) SendResultSubtype(subtype, message string) {
	s.Send(engine.Event{
		Type:    engine.EventResult,
		Subtype: subtype,
		IsError: subtype != engine.SubtypeSuccess,
		Result:  message,
	})
}

// InvokePreToolUse runs the session's PreToolUse hooks in order and returns
// the first decisive verdict, mirroring how the engine applies them.
func (s *Session) InvokePreToolUse(ctx context.Context, toolName string, toolInput json.RawMessage) engine.HookOutput {
	in := engine.HookInput{
		HookEventName: "PreToolUse",
		ToolName:      toolName,
		ToolInput:     toolInput,
	}
	for _, fn := range s.opts.Hooks.PreToolUse {
		if out := fn(ctx, in); out.Decision != "" {
			return out
		}
	}
	return engine.HookOutput{}
}

// InvokePostToolUse runs the PostToolUse hooks; their verdicts are ignored,
// the hooks observe.
func (s *Session) InvokePostToolUse(ctx context.Context, toolName string, toolInput, toolResponse json.RawMessage) {
	in := engine.HookInput{
		HookEventName: "PostToolUse",
		ToolName:      toolName,
		ToolInput:     toolInput,
		ToolResponse:  toolResponse,
	}
	for _, fn := range s.opts.Hooks.PostToolUse {
		fn(ctx, in)
	}
}

// NextInput pulls one bridged message from the session's input source.
// It reports false when the source ended or none was configured.
func (s *Session) NextInput(ctx context.Context) (engine.UserMessage, bool) {
	if s.opts.Input == nil {
		return engine.UserMessage{}, false
	}
	return s.opts.Input.Next(ctx)
}
