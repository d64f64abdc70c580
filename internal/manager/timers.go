package manager

import (
	"context"
	"time"

	"github.com/buildd-ai/runner/internal/buildd"
	"github.com/buildd-ai/runner/internal/flags"
	"github.com/buildd-ai/runner/internal/history"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/outbox"
	"github.com/buildd-ai/runner/internal/pubsub"
	"github.com/buildd-ai/runner/internal/worker"
)

// StartTimers launches the periodic maintenance loops. The first
// environment scan runs inline so the first claim and heartbeat already
// carry it.
func (m *Manager) StartTimers() {
	m.scanEnvironment()

	m.startTimer(staleCheckInterval, func(context.Context) { m.checkStaleOnce(time.Now()) })
	m.startTimer(serverSyncInterval, m.syncServerOnce)
	m.startTimer(diskPersistInterval, func(context.Context) { m.flushDiskOnce() })
	m.startTimer(evictionInterval, func(context.Context) { m.evictOnce(time.Now()) })
	m.startTimer(cleanupInterval, m.cleanupOnce)
	m.startTimer(heartbeatInterval, m.heartbeatOnce)
	m.startTimer(envScanInterval, func(context.Context) { m.scanEnvironment() })
	if m.cfg.PollInterval > 0 {
		m.startTimer(m.cfg.PollInterval, m.claimPollOnce)
	}
}

func (m *Manager) startTimer(interval time.Duration, tick func(ctx context.Context)) {
	m.timerWG.Add(1)
	go func() {
		defer m.timerWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.timerCtx.Done():
				return
			case <-ticker.C:
				tick(m.timerCtx)
			}
		}
	}()
}

// checkStaleOnce demotes working workers with no recent engine activity.
// Any later event promotes them back through Touch.
func (m *Manager) checkStaleOnce(now time.Time) {
	cutoff := now.UnixMilli() - staleThresholdMs

	var stale []worker.Worker
	m.mu.Lock()
	for _, w := range m.workers {
		if w.Status == worker.StatusWorking && w.LastActivity < cutoff {
			w.Status = worker.StatusStale
			stale = append(stale, w.Snapshot())
		}
	}
	m.mu.Unlock()

	for _, snap := range stale {
		log.Warn(log.CatManager, "worker went stale",
			"worker", snap.ID, "lastActivity", snap.LastActivity)
		m.publishUpdate(snap)
	}
}

// syncServerOnce drains the server dirty set and PATCHes each worker,
// then gives the outbox a chance to replay queued requests.
func (m *Manager) syncServerOnce(ctx context.Context) {
	m.mu.Lock()
	dirty := m.dirtyForServer
	m.dirtyForServer = make(map[string]struct{})
	snaps := make([]worker.Worker, 0, len(dirty))
	for id := range dirty {
		if w, ok := m.workers[id]; ok {
			snaps = append(snaps, w.Snapshot())
		}
	}
	m.mu.Unlock()

	for _, snap := range snaps {
		m.reportWorker(ctx, snap, nil)
	}

	if m.cfg.Outbox.NextAttemptIn() == 0 {
		m.flushOutbox(ctx)
	}
}

func (m *Manager) flushOutbox(ctx context.Context) {
	m.cfg.Outbox.Flush(ctx, func(ctx context.Context, e outbox.Entry) error {
		return m.cfg.Server.Do(ctx, e.Method, e.Endpoint, e.Body)
	})
}

// flushDiskOnce drains the disk dirty set and persists each worker.
func (m *Manager) flushDiskOnce() {
	m.mu.Lock()
	dirty := m.dirtyForDisk
	m.dirtyForDisk = make(map[string]struct{})
	snaps := make([]worker.Worker, 0, len(dirty))
	for id := range dirty {
		if w, ok := m.workers[id]; ok {
			snaps = append(snaps, w.Snapshot())
		}
	}
	m.mu.Unlock()

	for _, snap := range snaps {
		if err := m.cfg.Store.Save(snap); err != nil {
			log.ErrorErr(log.CatStore, "persisting dirty worker", err, "worker", snap.ID)
		}
	}
}

// evictOnce removes terminal workers idle past the eviction age from
// memory and disk, archiving them first when history is enabled. Workers
// with a live session are never evicted.
func (m *Manager) evictOnce(now time.Time) {
	cutoff := now.UnixMilli() - evictionAge.Milliseconds()

	var evicted []worker.Worker
	var cancels []func()
	m.mu.Lock()
	for id, w := range m.workers {
		if !w.Status.Terminal() || w.LastActivity >= cutoff {
			continue
		}
		if _, live := m.sessions[id]; live {
			continue
		}
		evicted = append(evicted, w.Snapshot())
		delete(m.workers, id)
		delete(m.dirtyForServer, id)
		delete(m.dirtyForDisk, id)
		if cancel, ok := m.topicCancels[id]; ok {
			cancels = append(cancels, cancel)
			delete(m.topicCancels, id)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, snap := range evicted {
		m.archiveWorker(snap, now)
		if err := m.cfg.Store.Delete(snap.ID); err != nil {
			log.Warn(log.CatStore, "deleting evicted worker", "worker", snap.ID, "error", err)
		}
		m.broker.Publish(pubsub.WorkerRemoved, snap)
		log.Info(log.CatManager, "worker evicted",
			"worker", snap.ID, "status", string(snap.Status))
	}
}

func (m *Manager) archiveWorker(snap worker.Worker, now time.Time) {
	if m.cfg.History == nil || !m.flagEnabled(flags.FlagHistory) {
		return
	}
	if err := m.cfg.History.Workers().Archive(history.FromWorker(&snap, now)); err != nil {
		log.Warn(log.CatHistory, "archiving evicted worker", "worker", snap.ID, "error", err)
	}
}

// cleanupOnce asks the server to reconcile orphaned workers and prunes
// stale worktree registrations in every configured workspace.
func (m *Manager) cleanupOnce(ctx context.Context) {
	if err := m.cfg.Server.Cleanup(ctx); err != nil {
		log.Debug(log.CatManager, "server cleanup failed", "error", err)
	}

	for _, name := range m.cfg.Workspaces.Names() {
		path, err := m.cfg.Workspaces.Resolve(name)
		if err != nil {
			continue
		}
		exec := m.cfg.Git(path)
		if !exec.IsGitRepo(ctx) {
			continue
		}
		if err := exec.PruneWorktrees(ctx); err != nil {
			log.Debug(log.CatGit, "worktree prune failed", "workspace", name, "error", err)
		}
	}
}

// heartbeatOnce advertises liveness and capacity; the response may carry
// a fresh viewer token for the local UI.
func (m *Manager) heartbeatOnce(ctx context.Context) {
	resp, err := m.cfg.Server.Heartbeat(ctx, buildd.HeartbeatRequest{
		LocalUIURL:  m.cfg.LocalUIURL,
		ActiveCount: m.ActiveCount(),
		Environment: m.cachedEnvironment(),
	})
	if err != nil {
		log.Debug(log.CatManager, "heartbeat failed", "error", err)
		return
	}
	if resp != nil && resp.ViewerToken != "" {
		m.envMu.Lock()
		m.viewerToken = resp.ViewerToken
		m.envMu.Unlock()
	}
}

// claimPollOnce claims work when polling is enabled and capacity remains.
func (m *Manager) claimPollOnce(ctx context.Context) {
	if !m.flagEnabled(flags.FlagClaimPoll) {
		return
	}
	if m.ActiveCount() >= m.cfg.MaxTasks {
		return
	}
	n, err := m.ClaimAndStart(ctx, "", "")
	if err != nil {
		log.Debug(log.CatManager, "claim poll failed", "error", err)
		return
	}
	if n > 0 {
		log.Info(log.CatManager, "claim poll picked up work", "count", n)
	}
}
