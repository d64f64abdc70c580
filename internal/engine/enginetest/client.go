// Package enginetest provides a scripted engine implementation for tests.
// A Session stands in for one spawned process: the test feeds it events and
// decides how it ends, while the code under test consumes the stream.
package enginetest

import (
	"context"
	"sync"

	"github.com/buildd-ai/runner/internal/engine"
)

func init() {
	engine.Register(engine.TypeMock, func() engine.Client { return NewClient() })
}

// Query records one Query call.
type Query struct {
	Prompt  engine.Prompt
	Options engine.Options
}

// Client is a scripted engine.Client. Each Query produces a Session the
// test can drive; QueryFunc overrides that behavior entirely.
type Client struct {
	mu       sync.Mutex
	queries  []Query
	sessions []*Session

	// QueryFunc, when set, handles Query calls instead of creating sessions.
	QueryFunc func(ctx context.Context, prompt engine.Prompt, opts engine.Options) (engine.Stream, error)

	// Script, when set, runs in its own goroutine against every new session.
	Script func(s *Session)
}

// NewClient creates a mock client with default behavior: every Query
// returns a fresh, still-running Session.
func NewClient() *Client { return &Client{} }

// Type returns the provider type identifier.
func (c *Client) Type() string { return engine.TypeMock }

// Query records the call and returns a new scripted session.
func (c *Client) Query(ctx context.Context, prompt engine.Prompt, opts engine.Options) (engine.Stream, error) {
	c.mu.Lock()
	c.queries = append(c.queries, Query{Prompt: prompt, Options: opts})
	queryFn := c.QueryFunc
	script := c.Script
	c.mu.Unlock()

	if queryFn != nil {
		return queryFn(ctx, prompt, opts)
	}

	s := NewSession()
	s.ctx = ctx
	s.prompt = prompt
	s.opts = opts

	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()

	if script != nil {
		go script(s)
	}
	return s, nil
}

// Queries returns a copy of all recorded Query calls.
func (c *Client) Queries() []Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Query(nil), c.queries...)
}

// QueryCount returns how many times Query was called.
func (c *Client) QueryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

// ResumeCount returns how many queries carried a resume token.
func (c *Client) ResumeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, q := range c.queries {
		if q.Options.Resume != "" {
			n++
		}
	}
	return n
}

// Sessions returns all sessions created so far.
func (c *Client) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Session(nil), c.sessions...)
}

// LastSession returns the most recent session, or nil before the first
// Query.
func (c *Client) LastSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

// Reset clears recorded queries and sessions.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = nil
	c.sessions = nil
}
