package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildd-ai/runner/internal/buildd"
	"github.com/buildd-ai/runner/internal/engine"
	"github.com/buildd-ai/runner/internal/engine/enginetest"
	"github.com/buildd-ai/runner/internal/flags"
	"github.com/buildd-ai/runner/internal/git"
	"github.com/buildd-ai/runner/internal/msgstream"
	"github.com/buildd-ai/runner/internal/outbox"
	"github.com/buildd-ai/runner/internal/store"
	"github.com/buildd-ai/runner/internal/worker"
	"github.com/buildd-ai/runner/internal/workspace"
)

const testWorkspace = "ws-1"

// === Scaffolding ===

// fakeServer answers the BuilddServer endpoints the manager touches and
// records every mutation for assertions.
type fakeServer struct {
	srv *httptest.Server

	mu           sync.Mutex
	claims       []buildd.ClaimRequest
	patches      map[string][]map[string]any
	heartbeats   []buildd.HeartbeatRequest
	cleanups     int
	observations []buildd.Observation

	claimWorkers  []buildd.ClaimedWorker
	claimCode     int
	patchCode     int
	wsConfig      buildd.WorkspaceConfig
	digest        string
	searchResults []buildd.Observation
	viewerToken   string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		patches:  make(map[string][]map[string]any),
		wsConfig: buildd.WorkspaceConfig{ConfigStatus: buildd.ConfigUnconfigured},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/workers/claim", func(w http.ResponseWriter, r *http.Request) {
		var req buildd.ClaimRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.claims = append(f.claims, req)
		code := f.claimCode
		workers := f.claimWorkers
		f.claimWorkers = nil
		f.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
			return
		}
		json.NewEncoder(w).Encode(buildd.ClaimResponse{Workers: workers})
	})
	mux.HandleFunc("PATCH /api/workers/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		id := r.PathValue("id")
		f.patches[id] = append(f.patches[id], body)
		code := f.patchCode
		f.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
		}
	})
	mux.HandleFunc("GET /api/workspaces/{id}/config", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		cfg := f.wsConfig
		f.mu.Unlock()
		json.NewEncoder(w).Encode(cfg)
	})
	mux.HandleFunc("GET /api/workspaces/{id}/observations/digest", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		digest := f.digest
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"digest": digest})
	})
	mux.HandleFunc("GET /api/workspaces/{id}/observations/search", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		results := f.searchResults
		f.mu.Unlock()
		if results == nil {
			results = []buildd.Observation{}
		}
		json.NewEncoder(w).Encode(map[string]any{"observations": results})
	})
	mux.HandleFunc("POST /api/workspaces/{id}/observations", func(w http.ResponseWriter, r *http.Request) {
		var obs buildd.Observation
		json.NewDecoder(r.Body).Decode(&obs)
		f.mu.Lock()
		f.observations = append(f.observations, obs)
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /api/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req buildd.HeartbeatRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.heartbeats = append(f.heartbeats, req)
		token := f.viewerToken
		f.mu.Unlock()
		json.NewEncoder(w).Encode(buildd.HeartbeatResponse{ViewerToken: token})
	})
	mux.HandleFunc("POST /api/cleanup", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.cleanups++
		f.mu.Unlock()
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) setClaim(workers ...buildd.ClaimedWorker) {
	f.mu.Lock()
	f.claimWorkers = workers
	f.mu.Unlock()
}

func (f *fakeServer) setConfig(cfg buildd.WorkspaceConfig) {
	f.mu.Lock()
	f.wsConfig = cfg
	f.mu.Unlock()
}

func (f *fakeServer) setPatchCode(code int) {
	f.mu.Lock()
	f.patchCode = code
	f.mu.Unlock()
}

func (f *fakeServer) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims)
}

func (f *fakeServer) patchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches[id])
}

func (f *fakeServer) lastPatch(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.patches[id]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

func (f *fakeServer) observationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observations)
}

// fakeGit is a recording git.GitExecutor. One instance is shared across
// every work dir the manager binds.
type fakeGit struct {
	mu          sync.Mutex
	isRepo      bool
	head        string
	headErr     error
	stats       git.Stats
	worktree    string
	worktreeErr error
	resetErr    error

	setups   [][2]string // branch, defaultBranch
	cleanups []string
	prunes   int
	resets   []string
}

func (g *fakeGit) IsGitRepo(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isRepo
}

func (g *fakeGit) HeadSHA(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.headErr != nil {
		return "", g.headErr
	}
	return g.head, nil
}

func (g *fakeGit) DefaultBranch(ctx context.Context) (string, error) {
	return "main", nil
}

func (g *fakeGit) Stats(ctx context.Context, defaultBranch string, fallbackCommits int) git.Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

func (g *fakeGit) SetupWorktree(ctx context.Context, branch, defaultBranch string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setups = append(g.setups, [2]string{branch, defaultBranch})
	if g.worktreeErr != nil {
		return "", g.worktreeErr
	}
	return g.worktree, nil
}

func (g *fakeGit) CleanupWorktree(ctx context.Context, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanups = append(g.cleanups, path)
	return nil
}

func (g *fakeGit) PruneWorktrees(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prunes++
	return nil
}

func (g *fakeGit) ResetHard(ctx context.Context, sha string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resetErr != nil {
		return g.resetErr
	}
	g.resets = append(g.resets, sha)
	return nil
}

func (g *fakeGit) resetCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.resets...)
}

func (g *fakeGit) cleanupCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cleanups...)
}

// managerRig bundles a manager with its fakes.
type managerRig struct {
	m    *Manager
	api  *fakeServer
	eng  *enginetest.Client
	git  *fakeGit
	st   *store.Store
	repo string
}

type rigOption func(*Config)

func withFlags(f map[string]bool) rigOption {
	return func(c *Config) { c.Flags = flags.New(f) }
}

func withMaxTasks(n int) rigOption {
	return func(c *Config) { c.MaxTasks = n }
}

func newTestManager(t *testing.T, opts ...rigOption) *managerRig {
	t.Helper()

	api := newFakeServer(t)

	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0o755))

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	ob, err := outbox.New(filepath.Join(t.TempDir(), "outbox.json"))
	require.NoError(t, err)

	eng := enginetest.NewClient()
	fg := &fakeGit{isRepo: true, head: "abc1234"}

	cfg := Config{
		Server:     buildd.New(api.srv.URL, "test-key"),
		Store:      st,
		Outbox:     ob,
		Engine:     eng,
		Git:        func(workDir string) git.GitExecutor { return fg },
		Workspaces: workspace.NewResolver([]workspace.Mapping{{Name: testWorkspace, Path: repo}}),
		// Worktrees stay off by default so sessions run in the repo root;
		// tests that exercise worktree setup flip the flag back on.
		Flags:      flags.New(map[string]bool{flags.FlagWorktrees: false, flags.FlagClaimPoll: false}),
		MaxTasks:   2,
		LocalUIURL: "http://localhost:8844",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Destroy)

	return &managerRig{m: m, api: api, eng: eng, git: fg, st: st, repo: repo}
}

// inject registers a worker record directly, bypassing claim.
func (r *managerRig) inject(t *testing.T, w *worker.Worker) {
	t.Helper()
	r.m.mu.Lock()
	r.m.workers[w.ID] = w
	r.m.mu.Unlock()
}

// claimOne stages a single-worker claim response and runs ClaimAndStart,
// then waits for the session goroutine to reach the engine.
func (r *managerRig) claimOne(t *testing.T, cw buildd.ClaimedWorker) {
	t.Helper()
	r.api.setClaim(cw)
	want := r.eng.QueryCount() + 1
	n, err := r.m.ClaimAndStart(context.Background(), testWorkspace, "")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool { return r.eng.QueryCount() >= want },
		2*time.Second, 10*time.Millisecond)
}

// attachSession registers a detached session record for direct event
// handler tests.
func (r *managerRig) attachSession(workerID string) *session {
	_, cancel := context.WithCancel(context.Background())
	sess := &session{
		workerID:  workerID,
		input:     msgstream.New(),
		cancel:    cancel,
		startedAt: time.Now(),
	}
	r.m.mu.Lock()
	r.m.sessions[workerID] = sess
	r.m.mu.Unlock()
	return sess
}

func (r *managerRig) waitStatus(t *testing.T, id string, status worker.Status) worker.Worker {
	t.Helper()
	var snap worker.Worker
	require.Eventually(t, func() bool {
		w, ok := r.m.GetWorker(id)
		if !ok {
			return false
		}
		snap = w
		return w.Status == status
	}, 2*time.Second, 10*time.Millisecond, "worker %s never reached %s", id, status)
	return snap
}

func sampleTask() *buildd.Task {
	return &buildd.Task{ID: "t-1", Title: "Fix the login bug", Description: "Fix the login bug in auth.go"}
}

func milestoneLabels(ms []worker.Milestone) []string {
	var out []string
	for _, m := range ms {
		if m.Type == worker.MilestoneStatus {
			out = append(out, m.Label)
		}
	}
	return out
}

// === Config validation ===

func TestNew_RequiresCollaborators(t *testing.T) {
	rig := newTestManager(t)
	base := rig.m.cfg

	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"server", func(c *Config) { c.Server = nil }, "server client is required"},
		{"store", func(c *Config) { c.Store = nil }, "worker store is required"},
		{"outbox", func(c *Config) { c.Outbox = nil }, "outbox is required"},
		{"engine", func(c *Config) { c.Engine = nil }, "engine client is required"},
		{"git", func(c *Config) { c.Git = nil }, "git factory is required"},
		{"workspaces", func(c *Config) { c.Workspaces = nil }, "workspace resolver is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mod(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNew_DefaultsMaxTasks(t *testing.T) {
	rig := newTestManager(t, withMaxTasks(0))
	require.Equal(t, 2, rig.m.cfg.MaxTasks)
}

// === Worker lookup ===

func TestGetWorker_FallsBackToDisk(t *testing.T) {
	rig := newTestManager(t)

	w := worker.New("w-disk", time.Now())
	w.Status = worker.StatusDone
	w.TaskTitle = "Old task"
	require.NoError(t, rig.st.Save(w.Snapshot()))

	got, ok := rig.m.GetWorker("w-disk")
	require.True(t, ok)
	require.Equal(t, "Old task", got.TaskTitle)
	require.Equal(t, worker.StatusDone, got.Status)

	_, ok = rig.m.GetWorker("w-missing")
	require.False(t, ok)
}

func TestGetWorker_MemoryWins(t *testing.T) {
	rig := newTestManager(t)

	onDisk := worker.New("w-1", time.Now())
	onDisk.TaskTitle = "stale disk copy"
	require.NoError(t, rig.st.Save(onDisk.Snapshot()))

	inMem := worker.New("w-1", time.Now())
	inMem.TaskTitle = "live copy"
	rig.inject(t, inMem)

	got, ok := rig.m.GetWorker("w-1")
	require.True(t, ok)
	require.Equal(t, "live copy", got.TaskTitle)
}

func TestListWorkers_MostRecentFirst(t *testing.T) {
	rig := newTestManager(t)

	for _, w := range []struct {
		id string
		at int64
	}{{"w-old", 10}, {"w-new", 30}, {"w-mid", 20}} {
		rec := worker.New(w.id, time.Now())
		rec.LastActivity = w.at
		rig.inject(t, rec)
	}

	got := rig.m.ListWorkers()
	require.Len(t, got, 3)
	require.Equal(t, "w-new", got[0].ID)
	require.Equal(t, "w-mid", got[1].ID)
	require.Equal(t, "w-old", got[2].ID)
}

func TestActiveCount_CountsLiveStatusesOnly(t *testing.T) {
	rig := newTestManager(t)

	statuses := map[string]worker.Status{
		"w-working": worker.StatusWorking,
		"w-waiting": worker.StatusWaiting,
		"w-stale":   worker.StatusStale,
		"w-done":    worker.StatusDone,
		"w-error":   worker.StatusError,
		"w-idle":    worker.StatusIdle,
	}
	for id, st := range statuses {
		w := worker.New(id, time.Now())
		w.Status = st
		rig.inject(t, w)
	}

	require.Equal(t, 3, rig.m.ActiveCount())
}

// === Claiming ===

func TestClaimAndStart_RegistersAndPersistsBeforeSession(t *testing.T) {
	rig := newTestManager(t)
	rig.claimOne(t, buildd.ClaimedWorker{ID: "w-1", Branch: "buildd/fix-login", Task: sampleTask()})

	got, ok := rig.m.GetWorker("w-1")
	require.True(t, ok)
	require.Equal(t, worker.StatusWorking, got.Status)
	require.Equal(t, "t-1", got.TaskID)
	require.Equal(t, "Fix the login bug", got.TaskTitle)
	require.Equal(t, testWorkspace, got.WorkspaceName)
	require.Equal(t, "buildd/fix-login", got.Branch)

	// The claim must hit disk before the session produces anything, so a
	// crash between claim and spawn leaves a recoverable record.
	onDisk, err := rig.st.Load("w-1")
	require.NoError(t, err)
	require.Equal(t, worker.StatusWorking, onDisk.Status)

	q := rig.eng.Queries()[0]
	require.Contains(t, q.Prompt.Text, "Fix the login bug in auth.go")
	require.Equal(t, rig.repo, q.Options.WorkDir)
	require.Equal(t, engine.PermissionAcceptEdits, q.Options.PermissionMode)
}

func TestClaimAndStart_SkipsAtCapacity(t *testing.T) {
	rig := newTestManager(t, withMaxTasks(1))

	busy := worker.New("w-busy", time.Now())
	rig.inject(t, busy)

	n, err := rig.m.ClaimAndStart(context.Background(), testWorkspace, "")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, rig.api.claimCount(), "claim request must not be sent at capacity")
}

func TestClaimAndStart_ServerErrorPropagates(t *testing.T) {
	rig := newTestManager(t)
	rig.api.mu.Lock()
	rig.api.claimCode = http.StatusInternalServerError
	rig.api.mu.Unlock()

	n, err := rig.m.ClaimAndStart(context.Background(), testWorkspace, "")
	require.Error(t, err)
	require.Zero(t, n)
}

func TestClaimAndStart_UnresolvableWorkspaceFailsWorker(t *testing.T) {
	rig := newTestManager(t)
	rig.api.setClaim(buildd.ClaimedWorker{ID: "w-1", Task: sampleTask()})

	n, err := rig.m.ClaimAndStart(context.Background(), "ws-unknown", "")
	require.NoError(t, err)
	require.Zero(t, n)

	got := rig.waitStatus(t, "w-1", worker.StatusError)
	require.Contains(t, got.Error, "not configured")
	require.NotNil(t, got.CompletedAt)
}

func TestClaimAndStart_EmptyClaimIsNoop(t *testing.T) {
	rig := newTestManager(t)

	n, err := rig.m.ClaimAndStart(context.Background(), testWorkspace, "")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, rig.m.ListWorkers())
}

// === Recovery ===

func TestRecoverWorkers_InterruptedBecomesError(t *testing.T) {
	rig := newTestManager(t)

	interrupted := worker.New("w-interrupted", time.Now())
	require.NoError(t, rig.st.Save(interrupted.Snapshot()))

	finished := worker.New("w-finished", time.Now())
	finished.Status = worker.StatusDone
	require.NoError(t, rig.st.Save(finished.Snapshot()))

	n, err := rig.m.RecoverWorkers()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, ok := rig.m.GetWorker("w-interrupted")
	require.True(t, ok)
	require.Equal(t, worker.StatusError, got.Status)
	require.Equal(t, "Process restarted", got.Error)
	require.Equal(t, "Process restarted", got.CurrentAction)

	// The rewrite must survive a second restart.
	onDisk, err := rig.st.Load("w-interrupted")
	require.NoError(t, err)
	require.Equal(t, worker.StatusError, onDisk.Status)
	require.Equal(t, "Process restarted", onDisk.Error)

	done, ok := rig.m.GetWorker("w-finished")
	require.True(t, ok)
	require.Equal(t, worker.StatusDone, done.Status)
	require.Empty(t, done.Error)
}

// === Shutdown ===

func TestDestroy_IdempotentAndStopsSessions(t *testing.T) {
	rig := newTestManager(t)
	rig.claimOne(t, buildd.ClaimedWorker{ID: "w-1", Task: sampleTask()})

	sess := rig.eng.LastSession()
	require.NotNil(t, sess)

	rig.m.Destroy()
	rig.m.Destroy()

	// Shutdown leaves the worker as-is; the next boot rewrites it through
	// RecoverWorkers.
	got, ok := rig.m.GetWorker("w-1")
	require.True(t, ok)
	require.Equal(t, worker.StatusWorking, got.Status)
}

func TestStartSession_RefusedAfterDestroy(t *testing.T) {
	rig := newTestManager(t)

	w := worker.New("w-1", time.Now())
	w.WorkspaceName = testWorkspace
	rig.inject(t, w)

	rig.m.Destroy()

	err := rig.m.startSession("w-1", sessionParams{description: "anything"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "shutting down")
}

func TestStartSession_UnknownWorker(t *testing.T) {
	rig := newTestManager(t)
	err := rig.m.startSession("w-ghost", sessionParams{description: "x"})
	require.ErrorIs(t, err, ErrWorkerNotFound)
}

// === Worker updates to the server ===

func TestReportWorker_QueuesOnTransientFailure(t *testing.T) {
	rig := newTestManager(t)
	rig.api.setPatchCode(http.StatusInternalServerError)

	w := worker.New("w-1", time.Now())
	w.Status = worker.StatusError
	w.Error = "boom"
	rig.inject(t, w)

	rig.m.reportWorker(context.Background(), w.Snapshot(), nil)

	require.Equal(t, 1, rig.m.cfg.Outbox.Count())
	entry := rig.m.cfg.Outbox.Entries()[0]
	require.Equal(t, "PATCH", entry.Method)
	require.Equal(t, "/api/workers/w-1", entry.Endpoint)
}

func TestReportWorker_ConflictCountsAsSuccess(t *testing.T) {
	rig := newTestManager(t)
	rig.api.setPatchCode(http.StatusConflict)

	w := worker.New("w-1", time.Now())
	rig.inject(t, w)

	rig.m.reportWorker(context.Background(), w.Snapshot(), nil)
	require.Zero(t, rig.m.cfg.Outbox.Count())
}

func TestBuildUpdate_ClearsWaitingFor(t *testing.T) {
	rig := newTestManager(t)

	w := worker.New("w-1", time.Now())
	update := rig.m.buildUpdate(w.Snapshot())
	require.True(t, update.ClearWaitingFor)
	require.Equal(t, "running", update.Status)

	w.Status = worker.StatusWaiting
	w.WaitingFor = &worker.WaitingFor{Type: "question", Prompt: "Which DB?", ToolUseID: "q1"}
	update = rig.m.buildUpdate(w.Snapshot())
	require.False(t, update.ClearWaitingFor)
	require.NotNil(t, update.WaitingFor)
	require.Equal(t, "waiting_input", update.Status)
	require.Equal(t, "q1", update.WaitingFor.ToolUseID)
}

func TestFailWorker_KeepsExistingError(t *testing.T) {
	rig := newTestManager(t)

	w := worker.New("w-1", time.Now())
	w.Error = "Agent stuck: made 5 identical Read calls"
	rig.inject(t, w)

	rig.m.failWorker("w-1", "engine stream: exit status 1")

	got, ok := rig.m.GetWorker("w-1")
	require.True(t, ok)
	require.Equal(t, worker.StatusError, got.Status)
	require.Equal(t, "Agent stuck: made 5 identical Read calls", got.Error)
	require.NotNil(t, got.CompletedAt)
}
