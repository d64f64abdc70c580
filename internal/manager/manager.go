// Package manager implements the WorkerManager: the engine that owns worker
// lifecycle end to end. It claims tasks, spawns and supervises agent
// sessions, mutates worker state through a single event handler, flushes
// dirty state to the server and to disk on timers, detects stale sessions,
// evicts finished workers into the history archive, and reacts to push
// channel commands.
package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildd-ai/runner/internal/buildd"
	"github.com/buildd-ai/runner/internal/cachemanager"
	"github.com/buildd-ai/runner/internal/engine"
	"github.com/buildd-ai/runner/internal/flags"
	"github.com/buildd-ai/runner/internal/git"
	"github.com/buildd-ai/runner/internal/history"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/outbox"
	"github.com/buildd-ai/runner/internal/pubsub"
	"github.com/buildd-ai/runner/internal/push"
	"github.com/buildd-ai/runner/internal/skills"
	"github.com/buildd-ai/runner/internal/store"
	"github.com/buildd-ai/runner/internal/tracing"
	"github.com/buildd-ai/runner/internal/worker"
	"github.com/buildd-ai/runner/internal/workspace"
)

// Errors returned by manager operations.
var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrNotTerminal    = errors.New("worker is not in a terminal state")
)

// Timer intervals and thresholds.
const (
	staleCheckInterval  = 30 * time.Second
	staleThresholdMs    = 300_000
	serverSyncInterval  = 10 * time.Second
	diskPersistInterval = 5 * time.Second
	evictionInterval    = 5 * time.Minute
	evictionAge         = 10 * time.Minute
	cleanupInterval     = 30 * time.Minute
	heartbeatInterval   = 5 * time.Minute
	envScanInterval     = 30 * time.Minute

	workspaceConfigTTL = 5 * time.Minute
)

// Config wires the manager's collaborators. Server, Store, Outbox, Engine,
// Git, and Workspaces are required; Push, Skills, Installer, History, and
// Tracer may be nil and the corresponding feature degrades to a no-op.
type Config struct {
	Server     *buildd.Client
	Store      *store.Store
	Outbox     *outbox.Outbox
	Engine     engine.Client
	Git        git.Factory
	Workspaces *workspace.Resolver
	Push       *push.Client
	Skills     *skills.Syncer
	Installer  *skills.Installer
	History    *history.DB
	Tracer     *tracing.Manager
	Flags      *flags.Registry

	MaxTasks          int
	LocalUIURL        string
	PollInterval      time.Duration
	Model             string
	Provider          string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	BypassPermissions bool
	UseSkillAgents    bool
	Version           string
}

func (c *Config) validate() error {
	switch {
	case c.Server == nil:
		return errors.New("manager: server client is required")
	case c.Store == nil:
		return errors.New("manager: worker store is required")
	case c.Outbox == nil:
		return errors.New("manager: outbox is required")
	case c.Engine == nil:
		return errors.New("manager: engine client is required")
	case c.Git == nil:
		return errors.New("manager: git factory is required")
	case c.Workspaces == nil:
		return errors.New("manager: workspace resolver is required")
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = 2
	}
	return nil
}

// Manager owns the workers and sessions maps and every mutation of them.
// Subscribers only ever receive snapshots.
type Manager struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	timerCtx    context.Context
	timerCancel context.CancelFunc

	mu             sync.Mutex
	workers        map[string]*worker.Worker
	sessions       map[string]*session
	dirtyForServer map[string]struct{}
	dirtyForDisk   map[string]struct{}
	topicCancels   map[string]func()

	wsConfig *cachemanager.ReadThroughCache[string, *buildd.WorkspaceConfig, string]

	broker *pubsub.Broker[worker.Worker]

	envMu       sync.Mutex
	environment *buildd.Environment
	viewerToken string

	closed  atomic.Bool
	wg      sync.WaitGroup
	timerWG sync.WaitGroup
}

// New validates the config and returns a manager ready for RecoverWorkers,
// StartTimers, and StartPush.
func New(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	timerCtx, timerCancel := context.WithCancel(ctx)

	m := &Manager{
		cfg:            cfg,
		ctx:            ctx,
		cancel:         cancel,
		timerCtx:       timerCtx,
		timerCancel:    timerCancel,
		workers:        make(map[string]*worker.Worker),
		sessions:       make(map[string]*session),
		dirtyForServer: make(map[string]struct{}),
		dirtyForDisk:   make(map[string]struct{}),
		topicCancels:   make(map[string]func()),
		broker:         pubsub.NewBroker[worker.Worker](),
	}

	configCache := cachemanager.NewInMemoryCacheManager[*buildd.WorkspaceConfig](
		"workspace-config", workspaceConfigTTL, cachemanager.DefaultCleanupInterval)
	m.wsConfig = cachemanager.NewReadThroughCache[string, *buildd.WorkspaceConfig, string](
		configCache,
		func(ctx context.Context, workspaceID string) (*buildd.WorkspaceConfig, error) {
			return cfg.Server.WorkspaceConfig(ctx, workspaceID)
		},
		false,
	)
	return m, nil
}

// workspaceConfig fetches the workspace's server-side config through the
// 5 minute read-through cache.
func (m *Manager) workspaceConfig(ctx context.Context, workspaceID string) (*buildd.WorkspaceConfig, error) {
	return m.wsConfig.Get(ctx, workspaceID, workspaceID, workspaceConfigTTL)
}

// GetWorker returns a snapshot of the worker, falling back to the disk
// record when the worker was already evicted from memory.
func (m *Manager) GetWorker(id string) (worker.Worker, bool) {
	m.mu.Lock()
	if w, ok := m.workers[id]; ok {
		snap := w.Snapshot()
		m.mu.Unlock()
		return snap, true
	}
	m.mu.Unlock()

	w, err := m.cfg.Store.Load(id)
	if err != nil {
		return worker.Worker{}, false
	}
	return *w, true
}

// ListWorkers returns snapshots of every in-memory worker, most recently
// active first.
func (m *Manager) ListWorkers() []worker.Worker {
	m.mu.Lock()
	out := make([]worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.Snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity > out[j].LastActivity })
	return out
}

// ActiveCount returns the number of workers that may own a session.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked()
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, w := range m.workers {
		if w.Status.Active() {
			n++
		}
	}
	return n
}

// Subscribe delivers worker events until ctx is cancelled. Payloads are
// snapshots taken at emission time.
func (m *Manager) Subscribe(ctx context.Context) <-chan pubsub.Event[worker.Worker] {
	return m.broker.Subscribe(ctx)
}

// ViewerToken returns the token the server handed back on the last
// heartbeat, empty until then.
func (m *Manager) ViewerToken() string {
	m.envMu.Lock()
	defer m.envMu.Unlock()
	return m.viewerToken
}

// publishUpdate emits a worker_update for the snapshot and marks the worker
// dirty for both flush targets. Every emission implies dirtiness: state that
// a subscriber saw must eventually reach the server and disk too.
func (m *Manager) publishUpdate(snap worker.Worker) {
	m.mu.Lock()
	m.dirtyForServer[snap.ID] = struct{}{}
	m.dirtyForDisk[snap.ID] = struct{}{}
	m.mu.Unlock()
	m.broker.Publish(pubsub.WorkerUpdate, snap)
}

func (m *Manager) flagEnabled(name string) bool {
	return m.cfg.Flags.Enabled(name)
}

// errMessage turns an error into the string stored on the worker.
func errMessage(err error) string {
	if err != nil {
		return err.Error()
	}
	return "Unknown error"
}

// Destroy shuts the manager down: timers stop first so no flush or eviction
// races the teardown, then sessions are cancelled and drained, dirty workers
// get a final disk flush, and the broker and history archive close.
func (m *Manager) Destroy() {
	if m.closed.Swap(true) {
		return
	}

	m.timerCancel()
	m.timerWG.Wait()

	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	cancels := make([]func(), 0, len(m.topicCancels))
	for _, c := range m.topicCancels {
		cancels = append(cancels, c)
	}
	m.topicCancels = make(map[string]func())
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		s.input.End()
	}
	for _, c := range cancels {
		c()
	}

	m.cancel()
	m.wg.Wait()

	m.flushDiskOnce()

	m.broker.Close()
	if m.cfg.History != nil {
		if err := m.cfg.History.Close(); err != nil {
			log.Warn(log.CatHistory, "closing history archive failed", "error", err)
		}
	}
	log.Info(log.CatManager, "manager destroyed")
}
