package manager

import (
	"context"
	"encoding/json"
	"time"

	"github.com/buildd-ai/runner/internal/buildd"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/push"
	"github.com/buildd-ai/runner/internal/skills"
	"github.com/buildd-ai/runner/internal/worker"
)

const rollbackTimeout = 10 * time.Second

// StartPush subscribes the manager to the workspace topics of every
// configured workspace. Worker topics are subscribed per claim.
func (m *Manager) StartPush() {
	if m.cfg.Push == nil {
		return
	}
	for _, name := range m.cfg.Workspaces.Names() {
		m.subscribeWorkspaceTopic(name)
	}
}

func (m *Manager) subscribeWorkspaceTopic(workspaceID string) {
	ch, cancel := m.cfg.Push.Subscribe(push.WorkspaceTopic(workspaceID))

	m.mu.Lock()
	m.topicCancels["workspace:"+workspaceID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range ch {
			m.handleWorkspaceEvent(workspaceID, ev)
		}
	}()
}

// subscribeWorkerTopic attaches the per-worker command channel. Safe to
// call twice; the second call is a no-op.
func (m *Manager) subscribeWorkerTopic(workerID string) {
	if m.cfg.Push == nil {
		return
	}
	m.mu.Lock()
	if _, ok := m.topicCancels[workerID]; ok {
		m.mu.Unlock()
		return
	}
	ch, cancel := m.cfg.Push.Subscribe(push.WorkerTopic(workerID))
	m.topicCancels[workerID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range ch {
			m.handleWorkerEvent(workerID, ev)
		}
	}()
}

func (m *Manager) unsubscribeWorkerTopic(workerID string) {
	m.mu.Lock()
	cancel := m.topicCancels[workerID]
	delete(m.topicCancels, workerID)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) handleWorkerEvent(workerID string, ev push.Event) {
	if ev.Kind != push.KindWorkerCommand {
		return
	}
	var cmd push.Command
	if err := json.Unmarshal(ev.Data, &cmd); err != nil {
		log.Warn(log.CatPush, "malformed worker command", "worker", workerID, "error", err)
		return
	}
	m.handleWorkerCommand(m.ctx, workerID, cmd)
}

func (m *Manager) handleWorkerCommand(ctx context.Context, workerID string, cmd push.Command) {
	log.Info(log.CatPush, "worker command received", "worker", workerID, "action", cmd.Action)

	switch cmd.Action {
	case push.ActionAbort:
		if err := m.Abort(workerID, ""); err != nil {
			log.Warn(log.CatManager, "abort command failed", "worker", workerID, "error", err)
		}
	case push.ActionMessage:
		if cmd.Text == "" {
			return
		}
		if err := m.SendMessage(workerID, cmd.Text); err != nil {
			log.Warn(log.CatManager, "message command failed", "worker", workerID, "error", err)
		}
	case push.ActionPause:
		m.pauseWorker(workerID)
	case push.ActionResume:
		if err := m.SendMessage(workerID, "Continue working on the task."); err != nil {
			log.Warn(log.CatManager, "resume command failed", "worker", workerID, "error", err)
		}
	case push.ActionSkillInstall:
		m.handleSkillInstall(m.workerWorkspace(workerID), cmd)
	case push.ActionRollback:
		m.rollbackWorker(ctx, workerID, cmd.CheckpointUUID)
	default:
		log.Debug(log.CatPush, "unknown worker action", "action", cmd.Action)
	}
}

// pauseWorker suspends a worker: the session dies but the worker stays
// resumable, keeping its worktree for the follow-up session.
func (m *Manager) pauseWorker(workerID string) {
	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sess := m.sessions[workerID]
	if sess != nil {
		sess.keepWorktree = true
		delete(m.sessions, workerID)
	}
	w.Status = worker.StatusIdle
	w.CurrentAction = "Paused"
	w.WaitingFor = nil
	w.AppendMilestone(worker.StatusMilestone("Paused by user", now))
	snap := w.Snapshot()
	m.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.input.End()
	}

	if err := m.cfg.Store.Save(snap); err != nil {
		log.ErrorErr(log.CatStore, "persisting paused worker", err, "worker", workerID)
	}
	m.publishUpdate(snap)
	m.reportWorker(m.ctx, snap, nil)
	log.Info(log.CatManager, "worker paused", "worker", workerID)
}

// rollbackWorker resets the worker's tree to a recorded checkpoint. The
// result lands on the timeline either way.
func (m *Manager) rollbackWorker(ctx context.Context, workerID, checkpointID string) {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	cp, found := w.FindCheckpoint(checkpointID)
	dir := w.WorktreePath
	workspace := w.WorkspaceName
	if sess := m.sessions[workerID]; sess != nil {
		dir = sess.workDir
	}
	m.mu.Unlock()

	if !found {
		m.addStatusMilestone(workerID, "Rollback failed: checkpoint not found")
		return
	}
	if dir == "" {
		path, err := m.cfg.Workspaces.Resolve(workspace)
		if err != nil {
			m.addStatusMilestone(workerID, "Rollback failed: "+errMessage(err))
			return
		}
		dir = path
	}

	resetCtx, cancel := context.WithTimeout(ctx, rollbackTimeout)
	defer cancel()
	if err := m.cfg.Git(dir).ResetHard(resetCtx, cp.SHA); err != nil {
		log.Warn(log.CatGit, "rollback failed",
			"worker", workerID, "checkpoint", checkpointID, "error", err)
		m.addStatusMilestone(workerID, "Rollback failed: "+errMessage(err))
		return
	}

	m.addStatusMilestone(workerID, "Rolled back to: "+cp.Event)

	m.mu.Lock()
	var snap worker.Worker
	if w, ok := m.workers[workerID]; ok {
		snap = w.Snapshot()
	}
	m.mu.Unlock()
	if snap.ID != "" {
		m.reportWorker(m.ctx, snap, nil)
	}
	log.Info(log.CatManager, "worker rolled back",
		"worker", workerID, "sha", cp.SHA, "event", cp.Event)
}

func (m *Manager) workerWorkspace(workerID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[workerID]; ok {
		return w.WorkspaceID
	}
	return ""
}

func (m *Manager) handleWorkspaceEvent(workspaceID string, ev push.Event) {
	switch ev.Kind {
	case push.KindTaskAssigned:
		var data struct {
			Task             *buildd.Task `json:"task"`
			TargetLocalUIURL string       `json:"targetLocalUiUrl"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			log.Warn(log.CatPush, "malformed task assignment", "workspace", workspaceID, "error", err)
			return
		}
		if data.TargetLocalUIURL != "" && data.TargetLocalUIURL != m.cfg.LocalUIURL {
			log.Debug(log.CatPush, "task assigned to another runner",
				"workspace", workspaceID, "target", data.TargetLocalUIURL)
			return
		}
		taskID := ""
		if data.Task != nil {
			taskID = data.Task.ID
		}
		n, err := m.ClaimAndStart(m.ctx, workspaceID, taskID)
		if err != nil {
			log.Warn(log.CatManager, "assigned task claim failed",
				"workspace", workspaceID, "task", taskID, "error", err)
			return
		}
		log.Info(log.CatManager, "assigned task claimed",
			"workspace", workspaceID, "task", taskID, "workers", n)

	case push.KindSkillInstall:
		var cmd push.Command
		if err := json.Unmarshal(ev.Data, &cmd); err != nil {
			log.Warn(log.CatPush, "malformed skill install", "workspace", workspaceID, "error", err)
			return
		}
		if cmd.TargetLocalUIURL != "" && cmd.TargetLocalUIURL != m.cfg.LocalUIURL {
			return
		}
		m.handleSkillInstall(workspaceID, cmd)
	}
}

// handleSkillInstall runs the installer off the push goroutine; installer
// commands may take up to two minutes.
func (m *Manager) handleSkillInstall(workspaceID string, cmd push.Command) {
	if m.cfg.Installer == nil {
		log.Warn(log.CatSkills, "skill install requested but no installer configured",
			"slug", cmd.SkillSlug)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		report := m.cfg.Installer.Handle(m.ctx, skills.Request{
			WorkspaceID:      workspaceID,
			RequestID:        cmd.RequestID,
			Slug:             cmd.SkillSlug,
			Bundle:           cmd.Bundle,
			InstallerCommand: cmd.InstallerCommand,
		})
		log.Info(log.CatSkills, "skill install handled",
			"slug", cmd.SkillSlug, "success", report.Success)
	}()
}
