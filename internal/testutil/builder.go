package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildd-ai/runner/internal/store"
	"github.com/buildd-ai/runner/internal/worker"
)

// NewWorker builds an in-memory worker without touching any store.
func NewWorker(id string, opts ...WorkerOption) *worker.Worker {
	w := defaultWorker(id, time.Now())
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Builder accumulates worker records and persists them in one pass, the way
// a running daemon would have left them on disk.
type Builder struct {
	t       *testing.T
	st      *store.Store
	workers []*worker.Worker
}

// NewBuilder creates a builder over the given store.
func NewBuilder(t *testing.T, st *store.Store) *Builder {
	t.Helper()
	return &Builder{t: t, st: st}
}

// WithWorker adds a worker with optional configuration.
func (b *Builder) WithWorker(id string, opts ...WorkerOption) *Builder {
	b.workers = append(b.workers, NewWorker(id, opts...))
	return b
}

// Build saves all accumulated workers and returns them in insertion order.
func (b *Builder) Build() []*worker.Worker {
	b.t.Helper()
	for _, w := range b.workers {
		require.NoError(b.t, b.st.Save(w.Snapshot()))
	}
	return b.workers
}
