// Package engine defines the black-box interface to the code-generation
// engine: a client spawns sessions, a session is a stream of typed events.
// Providers register factories by type name; the claude-cli provider lives
// in the claudecli subpackage and the test double in enginetest.
package engine

import (
	"context"
	"fmt"
)

// Well-known engine types.
const (
	TypeClaudeCLI = "claude-cli"
	TypeMock      = "mock"
)

// Client spawns agent sessions against one engine provider.
type Client interface {
	// Type returns the provider type identifier.
	Type() string

	// Query starts a session with the given prompt and options and returns
	// its event stream. Cancelling ctx terminates the session.
	Query(ctx context.Context, prompt Prompt, opts Options) (Stream, error)
}

// Stream is a live session's output. Events is closed when the session
// ends; Errors carries at most the terminal failure.
type Stream interface {
	Events() <-chan Event
	Errors() <-chan error
}

// ErrUnknownEngine is returned when an unregistered engine type is requested.
var ErrUnknownEngine = fmt.Errorf("unknown engine type")

var registry = make(map[string]func() Client)

// Register adds a client factory for the given type. Called from init()
// functions of provider packages.
func Register(engineType string, factory func() Client) {
	registry[engineType] = factory
}

// New creates a Client for the given type.
// Returns ErrUnknownEngine if the type is not registered.
func New(engineType string) (Client, error) {
	factory, ok := registry[engineType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engineType)
	}
	return factory(), nil
}

// Registered returns all registered engine types.
func Registered() []string {
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}
