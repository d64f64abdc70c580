package manager

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/buildd-ai/runner/internal/buildd"
	"github.com/buildd-ai/runner/internal/engine"
	"github.com/buildd-ai/runner/internal/flags"
	"github.com/buildd-ai/runner/internal/git"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/msgstream"
	"github.com/buildd-ai/runner/internal/pubsub"
	"github.com/buildd-ai/runner/internal/skills"
	"github.com/buildd-ai/runner/internal/templates"
	"github.com/buildd-ai/runner/internal/tracing"
	"github.com/buildd-ai/runner/internal/worker"
)

const (
	worktreeTimeout   = 30 * time.Second
	attachmentTimeout = 30 * time.Second

	// maxAttachmentBytes caps a single fetched image.
	maxAttachmentBytes = 20 << 20
)

// session is the live half of a worker: the input stream feeding the
// engine process and the handle to cancel it. workDir, repoPath and
// worktreePath are written by the session goroutine before the engine
// starts; keepWorktree and finished are guarded by Manager.mu so takeover
// paths can claim the worktree before cancelling.
type session struct {
	workerID     string
	input        *msgstream.Stream
	cancel       context.CancelFunc
	repoPath     string
	workDir      string
	worktreePath string
	startedAt    time.Time

	// keepWorktree stops finishSession from removing the worktree when a
	// follow-up session is about to reuse it.
	keepWorktree bool
	finished     bool

	// layer1 marks an engine-level resume attempt; on failure runSession
	// falls back to a reconstructed fresh session carrying followUp.
	layer1   bool
	followUp string
}

// sessionParams selects what the new session runs.
type sessionParams struct {
	description     string       // prompt body; task description or synthesized context
	resumeSessionID string       // non-empty resumes the engine session and sends description raw
	task            *buildd.Task // attachment source on fresh claims
	layer1          bool
	followUp        string
}

// startSession registers a live session for an already-registered worker
// and spawns its goroutine. The worker must exist in the map.
func (m *Manager) startSession(workerID string, params sessionParams) error {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return ErrWorkerNotFound
	}
	workspace := w.WorkspaceName
	m.mu.Unlock()

	repoPath, err := m.cfg.Workspaces.Resolve(workspace)
	if err != nil {
		return fmt.Errorf("resolving workspace %s: %w", workspace, err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	sess := &session{
		workerID:  workerID,
		input:     msgstream.New(),
		cancel:    cancel,
		repoPath:  repoPath,
		workDir:   repoPath,
		startedAt: time.Now(),
		layer1:    params.layer1,
		followUp:  params.followUp,
	}

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		cancel()
		return errors.New("manager is shutting down")
	}
	m.sessions[workerID] = sess
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runSession(ctx, sess, params)
	return nil
}

// runSession drives one engine session to completion and routes its
// outcome. A panicking session must never take the manager down.
func (m *Manager) runSession(ctx context.Context, sess *session, params sessionParams) {
	defer m.wg.Done()
	defer m.finishSession(sess)
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatSession, "session panicked",
				"worker", sess.workerID, "panic", r, "stack", string(debug.Stack()))
			m.failWorker(sess.workerID, "Unknown error")
		}
	}()

	err := m.executeSession(ctx, sess, params)
	switch {
	case err == nil:
	case ctx.Err() != nil || m.closed.Load():
		// Cancelled by abort, takeover, or shutdown; whoever cancelled
		// already settled the worker's state.
		log.Debug(log.CatSession, "session cancelled", "worker", sess.workerID)
	case sess.layer1:
		// The engine rejected the resume (expired or unknown session).
		// Fall back to a fresh session with reconstructed context so the
		// user's follow-up is never lost.
		log.Info(log.CatSession, "falling back to context reconstruction",
			"event", "resume_layer2_attempt", "worker", sess.workerID, "error", err)
		m.mu.Lock()
		sess.keepWorktree = true
		m.mu.Unlock()
		m.finishSession(sess)
		desc, buildErr := m.reconstructionFor(sess.workerID, sess.followUp)
		if buildErr != nil {
			m.failWorker(sess.workerID, errMessage(buildErr))
			return
		}
		if startErr := m.startSession(sess.workerID, sessionParams{description: desc}); startErr != nil {
			m.failWorker(sess.workerID, errMessage(startErr))
		}
	default:
		log.ErrorErr(log.CatSession, "session failed", err, "worker", sess.workerID)
		m.failWorker(sess.workerID, errMessage(err))
	}
}

// reconstructionFor builds the context-reconstruction description for a
// worker, appending the pending follow-up message.
func (m *Manager) reconstructionFor(workerID, followUp string) (string, error) {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return "", ErrWorkerNotFound
	}
	snap := w.Snapshot()
	m.mu.Unlock()
	return reconstructedDescription(snap, followUp), nil
}

// executeSession runs the engine once: workspace config, worktree,
// prompt, event loop, completion. The returned error means the session
// died before a clean result.
func (m *Manager) executeSession(ctx context.Context, sess *session, params sessionParams) (finalErr error) {
	m.mu.Lock()
	w, ok := m.workers[sess.workerID]
	if !ok {
		m.mu.Unlock()
		return ErrWorkerNotFound
	}
	snap := w.Snapshot()
	m.mu.Unlock()

	ctx, tr := m.cfg.Tracer.StartSession(ctx, snap.ID, snap.TaskID)
	tr.SetAttribute(tracing.AttrWorkspace, snap.WorkspaceName)
	if m.cfg.Engine != nil {
		tr.SetAttribute(tracing.AttrEngineClient, m.cfg.Engine.Type())
	}
	defer func() { tr.End(finalErr) }()

	cfgCtx, cfgSpan := tr.StartChild(ctx, tracing.SpanSessionClaim)
	wsCfg, err := m.workspaceConfig(cfgCtx, snap.WorkspaceID)
	if err != nil {
		cfgSpan.RecordError(err)
		cfgSpan.End()
		return fmt.Errorf("workspace config: %w", err)
	}
	m.setupWorkDir(cfgCtx, sess, wsCfg)
	cfgSpan.End()

	promptCtx, promptSpan := tr.StartChild(ctx, tracing.SpanSessionPrompt)
	var promptText string
	if params.resumeSessionID != "" {
		// Engine-level resume: the message goes through verbatim, the
		// engine already holds the conversation.
		promptText = params.description
	} else {
		promptText = m.buildTaskPrompt(promptCtx, snap, wsCfg, params.description)
	}
	prompt := engine.Prompt{Text: promptText}
	if params.task != nil && params.task.Context != nil {
		prompt.Images = m.fetchAttachments(promptCtx, sess.workerID, params.task.Context.Attachments)
	}
	opts := m.engineOptions(sess, wsCfg, params)
	promptSpan.End()

	stream, err := m.cfg.Engine.Query(ctx, prompt, opts)
	if err != nil {
		return fmt.Errorf("starting engine session: %w", err)
	}

	evCtx, evSpan := tr.StartChild(ctx, tracing.SpanSessionEvents)
	resultSubtype, err := m.pumpEvents(evCtx, sess, stream)
	evSpan.RecordError(err)
	evSpan.End()
	if err != nil {
		return err
	}
	tr.SetResultSubtype(resultSubtype)

	m.mu.Lock()
	if w, ok := m.workers[sess.workerID]; ok {
		tr.SetAttribute(tracing.AttrSessionID, w.SessionID)
	}
	m.mu.Unlock()

	return m.completeSession(ctx, sess, tr, wsCfg, resultSubtype)
}

// pumpEvents consumes the engine stream until the first result event,
// returning its subtype. A stream that ends or errors before a result is
// a session failure.
func (m *Manager) pumpEvents(ctx context.Context, sess *session, stream engine.Stream) (string, error) {
	events := stream.Events()
	errs := stream.Errors()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return "", fmt.Errorf("engine stream: %w", err)
			}
		case ev, ok := <-events:
			if !ok {
				return "", errors.New("engine stream ended without a result")
			}
			m.handleEngineEvent(sess, &ev)
			if ev.IsResult() {
				return ev.Subtype, nil
			}
		}
	}
}

// completeSession settles the worker after the engine produced a result.
// Routing order: an error status set mid-session (budget, loop detector)
// wins, then authentication failures, then non-success subtypes; only a
// clean success reaches the done path.
func (m *Manager) completeSession(ctx context.Context, sess *session, tr *tracing.SessionTrace, wsCfg *buildd.WorkspaceConfig, resultSubtype string) error {
	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[sess.workerID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	snap := w.Snapshot()
	m.mu.Unlock()

	if snap.Status == worker.StatusError {
		m.settleError(sess.workerID, snap.Error, now)
		return nil
	}

	if authFailure(snap.Output) {
		m.settleError(sess.workerID, "Agent authentication failed", now)
		return nil
	}

	if resultSubtype != engine.SubtypeSuccess {
		m.settleError(sess.workerID, "Error: "+resultSubtype, now)
		return nil
	}

	statsCtx, span := tr.StartChild(ctx, tracing.SpanSessionGitStats)
	stats := m.collectGitStats(statsCtx, sess, wsCfg, len(snap.Commits))
	span.End()

	m.mu.Lock()
	w, ok = m.workers[sess.workerID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	w.ClosePhase(now)
	w.AppendMilestone(worker.StatusMilestone("Task completed", now))
	w.Status = worker.StatusDone
	w.CurrentAction = "Completed"
	w.Error = ""
	w.WaitingFor = nil
	markCompleted(w, now)
	snap = w.Snapshot()
	m.mu.Unlock()

	if err := m.cfg.Store.Save(snap); err != nil {
		log.ErrorErr(log.CatStore, "persisting completed worker", err, "worker", snap.ID)
	}
	m.publishUpdate(snap)

	update := &buildd.WorkerUpdate{
		CommitCount:   &stats.CommitCount,
		FilesChanged:  &stats.FilesChanged,
		LinesAdded:    &stats.LinesAdded,
		LinesRemoved:  &stats.LinesRemoved,
		LastCommitSHA: stats.LastCommitSHA,
	}
	m.reportWorker(ctx, snap, update)

	if obs, ok := summaryObservation(snap, stats); ok {
		if err := m.cfg.Server.CreateObservation(ctx, snap.WorkspaceID, obs); err != nil {
			log.Warn(log.CatManager, "summary observation not recorded", "worker", snap.ID, "error", err)
		}
	}
	return nil
}

// settleError puts the worker into a terminal error state and reports it.
// An error already on the worker takes precedence over fallback.
func (m *Manager) settleError(workerID, fallback string, now time.Time) {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	w.ClosePhase(now)
	w.Status = worker.StatusError
	if w.Error == "" {
		w.Error = fallback
	}
	w.WaitingFor = nil
	markCompleted(w, now)
	snap := w.Snapshot()
	m.mu.Unlock()

	if err := m.cfg.Store.Save(snap); err != nil {
		log.ErrorErr(log.CatStore, "persisting failed worker", err, "worker", snap.ID)
	}
	m.publishUpdate(snap)
	m.reportWorker(m.ctx, snap, nil)
}

// collectGitStats reads commit and diff stats from the session work dir.
func (m *Manager) collectGitStats(ctx context.Context, sess *session, wsCfg *buildd.WorkspaceConfig, trackedCommits int) git.Stats {
	exec := m.cfg.Git(sess.workDir)
	if !exec.IsGitRepo(ctx) {
		return git.Stats{}
	}
	defaultBranch := ""
	if wsCfg.GitConfig != nil {
		defaultBranch = wsCfg.GitConfig.DefaultBranch
	}
	if defaultBranch == "" {
		if db, err := exec.DefaultBranch(ctx); err == nil {
			defaultBranch = db
		}
	}
	return exec.Stats(ctx, defaultBranch, trackedCommits)
}

// setupWorkDir picks the directory the engine runs in. Preference order:
// a still-existing worktree from a previous session, a fresh worktree
// when branching is configured, the repo root otherwise.
func (m *Manager) setupWorkDir(ctx context.Context, sess *session, wsCfg *buildd.WorkspaceConfig) {
	m.mu.Lock()
	w, ok := m.workers[sess.workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	branch := w.Branch
	existing := w.WorktreePath
	m.mu.Unlock()

	if existing != "" {
		if _, err := os.Stat(existing); err == nil {
			sess.workDir = existing
			sess.worktreePath = existing
			return
		}
		log.Warn(log.CatGit, "recorded worktree is gone, setting up again",
			"worker", sess.workerID, "path", existing)
		m.mu.Lock()
		if w, ok := m.workers[sess.workerID]; ok {
			w.WorktreePath = ""
		}
		m.mu.Unlock()
	}

	gitCfg := wsCfg.GitConfig
	if branch == "" || gitCfg == nil || gitCfg.BranchingStrategy == buildd.StrategyNone || !m.flagEnabled(flags.FlagWorktrees) {
		return
	}

	setupCtx, cancel := context.WithTimeout(ctx, worktreeTimeout)
	defer cancel()

	exec := m.cfg.Git(sess.repoPath)
	if !exec.IsGitRepo(setupCtx) {
		return
	}
	defaultBranch := gitCfg.DefaultBranch
	if defaultBranch == "" {
		if db, err := exec.DefaultBranch(setupCtx); err == nil {
			defaultBranch = db
		}
	}
	path, err := exec.SetupWorktree(setupCtx, branch, defaultBranch)
	if err != nil {
		log.Warn(log.CatGit, "worktree setup failed, running in repo",
			"worker", sess.workerID, "branch", branch, "error", err)
		m.addStatusMilestone(sess.workerID, "Worktree failed, using repo")
		return
	}

	sess.workDir = path
	sess.worktreePath = path

	m.mu.Lock()
	w, ok = m.workers[sess.workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	w.WorktreePath = path
	snap := w.Snapshot()
	m.mu.Unlock()
	m.publishUpdate(snap)
}

// finishSession tears down a session exactly once: ends the input stream,
// drops the map entry if it still points here, and removes the worktree
// unless a takeover claimed it.
func (m *Manager) finishSession(sess *session) {
	m.mu.Lock()
	if sess.finished {
		m.mu.Unlock()
		return
	}
	sess.finished = true
	keep := sess.keepWorktree
	if m.sessions[sess.workerID] == sess {
		delete(m.sessions, sess.workerID)
	}
	m.mu.Unlock()

	sess.input.End()

	if sess.worktreePath == "" || keep {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), worktreeTimeout)
	defer cancel()
	exec := m.cfg.Git(sess.repoPath)
	if err := exec.CleanupWorktree(ctx, sess.worktreePath); err != nil {
		log.Warn(log.CatGit, "worktree cleanup failed",
			"worker", sess.workerID, "path", sess.worktreePath, "error", err)
	}
	if err := exec.PruneWorktrees(ctx); err != nil {
		log.Debug(log.CatGit, "worktree prune failed", "error", err)
	}
}

// takeoverSession detaches the live session for workerID so a follow-up
// session can reuse its worktree. The caller cancels the returned session
// outside the manager lock. Returns nil when no session is live.
func (m *Manager) takeoverSession(workerID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[workerID]
	if !ok {
		return nil
	}
	sess.keepWorktree = true
	delete(m.sessions, workerID)
	return sess
}

// engineOptions assembles the engine invocation for a session.
func (m *Manager) engineOptions(sess *session, wsCfg *buildd.WorkspaceConfig, params sessionParams) engine.Options {
	opts := engine.Options{
		WorkDir:        sess.workDir,
		Model:          m.cfg.Model,
		Env:            m.sessionEnv(),
		PermissionMode: m.permissionMode(params.task, wsCfg),
		SystemPrompt:   engine.SystemPrompt{Preset: "claude_code"},
		Hooks: engine.Hooks{
			PreToolUse:  []engine.HookFunc{m.preToolHook(sess.workerID)},
			PostToolUse: []engine.HookFunc{m.postToolHook(sess)},
		},
		Resume: params.resumeSessionID,
		Input:  sess.input,
	}

	opts.SettingSources = []string{"user"}
	if wsCfg.GitConfig != nil && wsCfg.GitConfig.UseClaudeMd {
		opts.SettingSources = []string{"user", "project"}
	}

	bundles := m.skillBundles()
	if len(bundles) > 0 {
		if m.skillAgentsEnabled() {
			opts.Agents = make(map[string]engine.AgentDef, len(bundles))
			for _, b := range bundles {
				opts.Agents[b.Slug] = engine.AgentDef{
					Description: b.AgentDescription(),
					Prompt:      b.Content,
					Tools:       []string{"Read", "Grep", "Glob", "Bash", "Edit", "Write"},
					Model:       "inherit",
				}
			}
		} else {
			directives := make([]string, 0, len(bundles))
			for _, b := range bundles {
				opts.AllowedTools = append(opts.AllowedTools, "Skill("+b.Slug+")")
				directives = append(directives, templates.SkillDirective(b.Slug))
			}
			opts.SystemPrompt.Append = strings.Join(directives, "\n")
		}
	}
	return opts
}

// permissionMode picks the engine permission mode. Planning tasks run in
// plan mode; otherwise a workspace bypass setting from an admin-confirmed
// config outranks the local default.
func (m *Manager) permissionMode(task *buildd.Task, wsCfg *buildd.WorkspaceConfig) string {
	if task != nil && task.Mode == buildd.TaskModePlanning {
		return engine.PermissionPlan
	}
	bypass := m.cfg.BypassPermissions
	if wsCfg.AdminConfirmed() && wsCfg.GitConfig != nil && wsCfg.GitConfig.BypassPermissions != nil {
		bypass = *wsCfg.GitConfig.BypassPermissions
	}
	if bypass {
		return engine.PermissionBypass
	}
	return engine.PermissionAcceptEdits
}

// sessionEnv builds the engine process environment from the runner's own,
// stripping runner credentials the agent must not see and wiring the
// provider overrides.
func (m *Manager) sessionEnv() map[string]string {
	env := make(map[string]string, 64)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.Contains(k, "CLAUDE_CODE_OAUTH_TOKEN") {
			continue
		}
		env[k] = v
	}
	if m.cfg.Provider == "openrouter" {
		base := m.cfg.OpenRouterBaseURL
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		env["ANTHROPIC_BASE_URL"] = base
		env["ANTHROPIC_AUTH_TOKEN"] = m.cfg.OpenRouterAPIKey
		delete(env, "ANTHROPIC_API_KEY")
	}
	env["CLAUDE_CODE_EXPERIMENTAL_AGENT_TEAMS"] = "1"
	return env
}

func (m *Manager) skillBundles() []skills.Bundle {
	if m.cfg.Skills == nil {
		return nil
	}
	bundles, err := m.cfg.Skills.List()
	if err != nil {
		log.Warn(log.CatSkills, "listing skill bundles failed", "error", err)
		return nil
	}
	return bundles
}

// skillAgentsEnabled resolves the subagent rollout: either the local
// config or the feature flag turns it on.
func (m *Manager) skillAgentsEnabled() bool {
	return m.cfg.UseSkillAgents || m.flagEnabled(flags.FlagSkillAgents)
}

// fetchAttachments resolves task attachments into engine image content.
// A failed fetch is reported as a milestone and skipped; the session
// still starts.
func (m *Manager) fetchAttachments(ctx context.Context, workerID string, atts []buildd.Attachment) []engine.ImageContent {
	var images []engine.ImageContent
	for _, att := range atts {
		name := att.Filename
		if name == "" {
			name = "attachment"
		}
		mediaType := att.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}

		data := att.Data
		if data == "" && att.URL != "" {
			fetched, err := fetchImage(ctx, att.URL)
			if err != nil {
				log.Warn(log.CatSession, "attachment fetch failed",
					"worker", workerID, "url", att.URL, "error", err)
				m.addStatusMilestone(workerID, "Failed to fetch image: "+errMessage(err))
				continue
			}
			data = fetched
		}
		if data == "" {
			continue
		}
		images = append(images, engine.ImageContent{MediaType: mediaType, Data: data})
		m.addStatusMilestone(workerID, "Image: "+name)
	}
	return images
}

// fetchImage downloads a URL and returns its body base64-encoded.
func fetchImage(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, attachmentTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// authFailureMarkers are scanned in the first output lines; the engine
// prints credential problems before anything else.
var authFailureMarkers = []string{
	"invalid api key",
	"please run /login",
	"api key is required",
	"401 unauthorized",
}

func authFailure(output []string) bool {
	for i, line := range output {
		if i == 3 {
			break
		}
		lower := strings.ToLower(line)
		for _, marker := range authFailureMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// addStatusMilestone appends a status milestone to a worker and publishes
// the update.
func (m *Manager) addStatusMilestone(workerID, label string) {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	w.AppendMilestone(worker.StatusMilestone(label, time.Now()))
	snap := w.Snapshot()
	m.dirtyForServer[snap.ID] = struct{}{}
	m.dirtyForDisk[snap.ID] = struct{}{}
	m.mu.Unlock()

	m.broker.Publish(pubsub.MilestoneAdded, snap)
}

func markCompleted(w *worker.Worker, now time.Time) {
	at := now.UnixMilli()
	w.CompletedAt = &at
}

// Abort cancels a worker's session and marks it failed. An error already
// on the worker (loop detector, budget) is preserved over reason.
func (m *Manager) Abort(workerID, reason string) error {
	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return ErrWorkerNotFound
	}
	sess := m.sessions[workerID]
	delete(m.sessions, workerID)
	cancelTopic := m.topicCancels[workerID]
	delete(m.topicCancels, workerID)

	w.Status = worker.StatusError
	if w.Error == "" {
		if reason == "" {
			reason = "Aborted by user"
		}
		w.Error = reason
	}
	w.CurrentAction = "Aborted"
	w.WaitingFor = nil
	markCompleted(w, now)
	snap := w.Snapshot()
	m.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.input.End()
	}
	if cancelTopic != nil {
		cancelTopic()
	}

	if err := m.cfg.Store.Save(snap); err != nil {
		log.ErrorErr(log.CatStore, "persisting aborted worker", err, "worker", workerID)
	}
	m.publishUpdate(snap)
	m.reportWorker(m.ctx, snap, nil)

	log.Info(log.CatManager, "worker aborted", "worker", workerID, "reason", snap.Error)
	return nil
}

// Retry restarts a terminal worker with a context-preserving description.
// Non-terminal workers are rejected.
func (m *Manager) Retry(workerID string) error {
	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return ErrWorkerNotFound
	}
	if !w.Status.Terminal() {
		m.mu.Unlock()
		return ErrNotTerminal
	}
	sess := m.sessions[workerID]
	if sess != nil {
		sess.keepWorktree = true
		delete(m.sessions, workerID)
	}
	// Description is built before the reset so it still carries the error
	// that stopped the last attempt.
	desc := retryDescription(w.Snapshot())
	w.Status = worker.StatusWorking
	w.Error = ""
	w.CompletedAt = nil
	w.WaitingFor = nil
	w.CurrentAction = "Retrying..."
	w.Touch(now)
	w.AppendMilestone(worker.StatusMilestone("Retry requested", now))
	snap := w.Snapshot()
	m.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.input.End()
	}

	if err := m.cfg.Store.Save(snap); err != nil {
		log.ErrorErr(log.CatStore, "persisting retried worker", err, "worker", workerID)
	}
	m.publishUpdate(snap)

	if err := m.startSession(workerID, sessionParams{description: desc}); err != nil {
		m.failWorker(workerID, errMessage(err))
		return err
	}
	log.Info(log.CatManager, "worker retried", "worker", workerID)
	return nil
}

// MarkDone finishes a worker without waiting for the engine: the session
// is torn down through the normal path and the worker reports completed.
func (m *Manager) MarkDone(workerID string) error {
	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return ErrWorkerNotFound
	}
	sess := m.sessions[workerID]
	delete(m.sessions, workerID)

	w.Status = worker.StatusDone
	w.CurrentAction = "Completed"
	w.Error = ""
	w.WaitingFor = nil
	markCompleted(w, now)
	w.AppendMilestone(worker.StatusMilestone("Marked as done", now))
	snap := w.Snapshot()
	m.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.input.End()
	}

	if err := m.cfg.Store.Save(snap); err != nil {
		log.ErrorErr(log.CatStore, "persisting done worker", err, "worker", workerID)
	}
	m.publishUpdate(snap)
	m.reportWorker(m.ctx, snap, nil)
	return nil
}
