// Package outbox queues mutating server calls that failed transiently and
// replays them with capped retries and exponential backoff. The queue is a
// single JSON snapshot on disk; corrupt state starts empty rather than
// blocking the runner.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildd-ai/runner/internal/log"
)

// MaxRetries is the delivery attempt cap; an entry reaching it is dropped.
const MaxRetries = 10

const (
	baseInterval = 30 * time.Second
	maxInterval  = 300 * time.Second
)

var (
	workerPatch = regexp.MustCompile(`^/api/workers/[^/]+$`)
	memoryPost  = regexp.MustCompile(`^/api/workspaces/[^/]+/memory$`)
	planPost    = regexp.MustCompile(`^/api/workers/[^/]+/plan$`)
)

// Queueable reports whether a failed call may be queued for replay. Only
// worker updates, memory appends, and plan submissions qualify; reads,
// claims, and every other worker sub-resource must not be replayed late.
func Queueable(method, endpoint string) bool {
	switch method {
	case http.MethodPatch:
		return workerPatch.MatchString(endpoint)
	case http.MethodPost:
		return memoryPost.MatchString(endpoint) || planPost.MatchString(endpoint)
	}
	return false
}

// Entry is one queued mutation.
type Entry struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	Endpoint  string          `json:"endpoint"`
	Body      json.RawMessage `json:"body,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Retries   int             `json:"retries"`
}

type snapshot struct {
	Entries   []Entry `json:"entries"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Handler delivers one entry to the server.
type Handler func(ctx context.Context, e Entry) error

// Outbox is the durable retry queue. All methods are safe for concurrent
// use; at most one Flush runs at a time.
type Outbox struct {
	mu          sync.Mutex
	path        string
	entries     []Entry
	interval    time.Duration
	lastAttempt time.Time
	flushing    bool
}

// New loads the queue from path, starting empty when the file is missing or
// unparsable.
func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	o := &Outbox{path: path, interval: baseInterval}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn(log.CatOutbox, "reading outbox failed, starting empty", "error", err)
		}
		return o, nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn(log.CatOutbox, "outbox corrupt, starting empty", "error", err)
		return o, nil
	}
	o.entries = snap.Entries
	return o, nil
}

// Enqueue queues a mutation for replay. Worker-update PATCHes dedup by
// endpoint with the latest body winning. Returns false for calls that are
// not queueable.
func (o *Outbox) Enqueue(method, endpoint string, body []byte) bool {
	if !Queueable(method, endpoint) {
		log.Warn(log.CatOutbox, "refusing to queue", "method", method, "endpoint", endpoint)
		return false
	}

	entry := Entry{
		ID:        uuid.NewString(),
		Method:    method,
		Endpoint:  endpoint,
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if method == http.MethodPatch && workerPatch.MatchString(endpoint) {
		for i, e := range o.entries {
			if e.Method == method && e.Endpoint == endpoint {
				o.entries[i] = entry
				o.persistLocked()
				return true
			}
		}
	}
	o.entries = append(o.entries, entry)
	o.persistLocked()
	return true
}

// Flush replays queued entries through the handler. Successful entries are
// removed; failed entries gain a retry and are dropped at the cap. Only one
// flush runs at a time; overlapping calls return immediately.
func (o *Outbox) Flush(ctx context.Context, handler Handler) {
	o.mu.Lock()
	if o.flushing || len(o.entries) == 0 {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	o.lastAttempt = time.Now()
	batch := slices.Clone(o.entries)
	o.mu.Unlock()

	succeeded := make(map[string]bool)
	failed := make(map[string]bool)
	for _, e := range batch {
		if ctx.Err() != nil {
			break
		}
		if err := handler(ctx, e); err != nil {
			failed[e.ID] = true
			log.Warn(log.CatOutbox, "replay failed", "endpoint", e.Endpoint, "retries", e.Retries+1, "error", err)
		} else {
			succeeded[e.ID] = true
			log.Debug(log.CatOutbox, "replayed", "method", e.Method, "endpoint", e.Endpoint)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushing = false

	var kept []Entry
	for _, e := range o.entries {
		switch {
		case succeeded[e.ID]:
			// Delivered.
		case failed[e.ID]:
			e.Retries++
			if e.Retries >= MaxRetries {
				log.Warn(log.CatOutbox, "dropping entry after retry cap", "endpoint", e.Endpoint)
			} else {
				kept = append(kept, e)
			}
		default:
			// Enqueued mid-flight or skipped on cancellation.
			kept = append(kept, e)
		}
	}
	o.entries = kept

	// Any success proves the server is reachable again; only a pass with
	// nothing but failures backs off further.
	if len(succeeded) > 0 {
		o.interval = baseInterval
	} else if len(failed) > 0 {
		o.interval = min(o.interval*2, maxInterval)
	}
	o.persistLocked()
}

// NextAttemptIn returns how long the backoff window still holds; zero means
// a flush may run now.
func (o *Outbox) NextAttemptIn() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastAttempt.IsZero() {
		return 0
	}
	remaining := o.interval - time.Since(o.lastAttempt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Interval returns the current backoff interval.
func (o *Outbox) Interval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval
}

// Count returns the number of queued entries.
func (o *Outbox) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Entries returns a copy of the queued entries in order.
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.entries)
}

func (o *Outbox) persistLocked() {
	snap := snapshot{Entries: o.entries, UpdatedAt: time.Now().UnixMilli()}
	if snap.Entries == nil {
		snap.Entries = []Entry{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.ErrorErr(log.CatOutbox, "encoding outbox failed", err)
		return
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.ErrorErr(log.CatOutbox, "writing outbox failed", err)
		return
	}
	if err := os.Rename(tmp, o.path); err != nil {
		log.ErrorErr(log.CatOutbox, "replacing outbox failed", err)
	}
}
