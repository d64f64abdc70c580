package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/buildd-ai/runner/internal/buildd"
	"github.com/buildd-ai/runner/internal/creds"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/worker"
)

// ClaimAndStart asks the server for assignments in the workspace and starts
// a session for each claimed worker. taskID narrows the claim to a single
// task (targeted push assignments); empty claims whatever is queued.
// Returns how many sessions were started.
func (m *Manager) ClaimAndStart(ctx context.Context, workspaceID, taskID string) (int, error) {
	m.mu.Lock()
	remaining := m.cfg.MaxTasks - m.activeCountLocked()
	m.mu.Unlock()
	if remaining <= 0 {
		log.Debug(log.CatManager, "claim skipped, at capacity", "workspace", workspaceID)
		return 0, nil
	}

	resp, err := m.cfg.Server.Claim(ctx, buildd.ClaimRequest{
		MaxTasks:    remaining,
		WorkspaceID: workspaceID,
		LocalUIURL:  m.cfg.LocalUIURL,
		TaskID:      taskID,
		Environment: m.cachedEnvironment(),
	})
	if err != nil {
		return 0, fmt.Errorf("claim in %s: %w", workspaceID, err)
	}
	if len(resp.Workers) == 0 {
		return 0, nil
	}

	started := 0
	now := time.Now()
	for _, cw := range resp.Workers {
		w := worker.New(cw.ID, now)
		w.WorkspaceID = workspaceID
		w.WorkspaceName = workspaceID
		w.Branch = cw.Branch
		if cw.Task != nil {
			w.TaskID = cw.Task.ID
			w.TaskTitle = cw.Task.Title
			w.TaskDescription = cw.Task.Description
		}

		// The worker must be registered, dirty, and persisted before the
		// session goroutine exists so a crash between claim and spawn
		// leaves a recoverable record.
		m.mu.Lock()
		m.workers[w.ID] = w
		snap := w.Snapshot()
		m.mu.Unlock()
		if err := m.cfg.Store.Save(snap); err != nil {
			log.ErrorErr(log.CatManager, "persisting claimed worker failed", err, "worker", w.ID)
		}
		m.publishUpdate(snap)
		m.subscribeWorkerTopic(w.ID)

		var task *buildd.Task
		if cw.Task != nil {
			t := *cw.Task
			task = &t
		}
		if err := m.startSession(w.ID, sessionParams{description: w.TaskDescription, task: task}); err != nil {
			log.ErrorErr(log.CatManager, "starting claimed session failed", err, "worker", w.ID)
			m.failWorker(w.ID, errMessage(err))
			continue
		}
		started++
		log.Info(log.CatManager, "worker claimed", "worker", w.ID, "task", w.TaskID, "workspace", workspaceID)
	}
	return started, nil
}

// RecoverWorkers loads persisted records at startup. Workers that were
// mid-session when the previous process died are rewritten to an error
// state; terminal ones load unchanged. Returns how many records survived.
func (m *Manager) RecoverWorkers() (int, error) {
	loaded, err := m.cfg.Store.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("recover workers: %w", err)
	}

	for _, w := range loaded {
		if w.Status == worker.StatusWorking {
			w.Status = worker.StatusError
			w.Error = "Process restarted"
			w.CurrentAction = "Process restarted"
			if err := m.cfg.Store.Save(w.Snapshot()); err != nil {
				log.ErrorErr(log.CatStore, "saving recovered worker failed", err, "worker", w.ID)
			}
			log.Info(log.CatManager, "recovered interrupted worker", "worker", w.ID)
		}

		m.mu.Lock()
		m.workers[w.ID] = w
		m.mu.Unlock()
		m.subscribeWorkerTopic(w.ID)
	}
	log.Info(log.CatManager, "workers recovered", "count", len(loaded))
	return len(loaded), nil
}

// RefreshEnvironment re-runs the environment scan ahead of schedule. The
// credential watcher calls this when credential files change so the next
// claim or heartbeat advertises the new state.
func (m *Manager) RefreshEnvironment() {
	m.scanEnvironment()
}

// scanEnvironment refreshes the cached runner environment used by claim and
// heartbeat calls.
func (m *Manager) scanEnvironment() *buildd.Environment {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	status := creds.Detect()

	env := &buildd.Environment{
		Hostname:          hostname,
		OS:                runtime.GOOS,
		Arch:              runtime.GOARCH,
		Version:           m.cfg.Version,
		HasCredentials:    status.Present,
		CredentialSources: status.Sources,
		Workspaces:        m.cfg.Workspaces.Availability(),
	}

	m.envMu.Lock()
	m.environment = env
	m.envMu.Unlock()
	return env
}

func (m *Manager) cachedEnvironment() *buildd.Environment {
	m.envMu.Lock()
	defer m.envMu.Unlock()
	return m.environment
}

// failWorker moves the worker to the error state. An error already present
// wins: the loop detector's reason must not be overwritten by the generic
// failure that follows the abort it triggered.
func (m *Manager) failWorker(workerID, reason string) {
	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	w.Status = worker.StatusError
	if w.Error == "" {
		if reason == "" {
			reason = "Unknown error"
		}
		w.Error = reason
	}
	completed := now.UnixMilli()
	w.CompletedAt = &completed
	w.WaitingFor = nil
	snap := w.Snapshot()
	m.mu.Unlock()

	if err := m.cfg.Store.Save(snap); err != nil {
		log.ErrorErr(log.CatStore, "persisting failed worker failed", err, "worker", workerID)
	}
	m.publishUpdate(snap)
	m.reportWorker(m.ctx, snap, nil)
	log.Warn(log.CatManager, "worker failed", "worker", workerID, "error", snap.Error)
}

// reportWorker PATCHes the worker's current state to the server. Conflicts
// mean the worker is already terminal server-side and count as success;
// transient failures are queued in the outbox.
func (m *Manager) reportWorker(ctx context.Context, snap worker.Worker, stats *buildd.WorkerUpdate) {
	update := m.buildUpdate(snap)
	if stats != nil {
		update.CommitCount = stats.CommitCount
		update.FilesChanged = stats.FilesChanged
		update.LinesAdded = stats.LinesAdded
		update.LinesRemoved = stats.LinesRemoved
		update.LastCommitSHA = stats.LastCommitSHA
	}

	err := m.cfg.Server.UpdateWorker(ctx, snap.ID, update)
	switch {
	case err == nil, errors.Is(err, buildd.ErrConflict):
		return
	case buildd.IsTransient(err):
		body, merr := json.Marshal(update)
		if merr != nil {
			log.ErrorErr(log.CatManager, "encoding worker update failed", merr, "worker", snap.ID)
			return
		}
		m.cfg.Outbox.Enqueue("PATCH", buildd.WorkerPath(snap.ID), body)
	default:
		log.Warn(log.CatServer, "worker update rejected", "worker", snap.ID, "error", err)
	}
}

// buildUpdate maps a worker snapshot to the partial server update. A worker
// that is no longer waiting carries an explicit waitingFor:null so the
// server clears its copy.
func (m *Manager) buildUpdate(snap worker.Worker) buildd.WorkerUpdate {
	update := buildd.WorkerUpdate{
		Status:        snap.Status.ServerStatus(),
		CurrentAction: snap.CurrentAction,
		Error:         snap.Error,
		Milestones:    snap.Milestones,
		LocalUIURL:    m.cfg.LocalUIURL,
	}
	if snap.WaitingFor != nil {
		update.WaitingFor = snap.WaitingFor
	} else {
		update.ClearWaitingFor = true
	}
	return update
}
