// Package msgstream provides the bounded FIFO stream that carries
// user-origin messages into an active agent session. It satisfies
// engine.InputSource.
package msgstream

import (
	"context"
	"sync"

	"github.com/buildd-ai/runner/internal/engine"
	"github.com/buildd-ai/runner/internal/log"
)

// Stream is a thread-safe FIFO of user messages with a terminal end state.
// One producer side (the manager) enqueues; one consumer (the engine
// bridge) pulls. Enqueue and End may race; enqueue-after-end is a no-op.
type Stream struct {
	mu    sync.Mutex
	buf   []engine.UserMessage
	ended bool

	notify chan struct{}
	done   chan struct{}
}

// New creates an open stream.
func New() *Stream {
	return &Stream{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue adds a message. A blocked consumer is handed the message
// immediately; otherwise it is buffered. After End the call is a no-op.
func (s *Stream) Enqueue(msg engine.UserMessage) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		log.Debug(log.CatSession, "message dropped, stream ended")
		return
	}
	s.buf = append(s.buf, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// End transitions the stream to its terminal state: all blocked consumers
// unblock with ok=false and subsequent Next calls return false immediately.
// Safe to call more than once.
func (s *Stream) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	close(s.done)
}

// Next blocks until a message is available, the stream ends, or ctx is
// cancelled. Messages are delivered in enqueue order.
func (s *Stream) Next(ctx context.Context) (engine.UserMessage, bool) {
	for {
		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			return engine.UserMessage{}, false
		}
		if len(s.buf) > 0 {
			msg := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return msg, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return engine.UserMessage{}, false
		}
	}
}

// Len returns the number of buffered messages.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Ended reports whether End has been called.
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
