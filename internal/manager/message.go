package manager

import (
	"time"

	"github.com/buildd-ai/runner/internal/engine"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/worker"
)

// planApprovalText is the literal the UI sends when the user approves a
// plan; anything else is treated as change-request feedback.
const planApprovalText = "Approve & implement"

// SendMessage routes a user follow-up to a worker. A pending plan
// approval spawns a fresh session executing the plan; a live session gets
// the message enqueued; a terminal worker is reactivated through the
// resume cascade.
func (m *Manager) SendMessage(workerID, message string) error {
	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return ErrWorkerNotFound
	}

	if w.Status == worker.StatusWaiting && w.WaitingFor != nil &&
		w.WaitingFor.Type == "plan_approval" && w.PlanContent != "" &&
		message == planApprovalText {
		return m.approvePlanLocked(w, message, now)
	}

	sess := m.sessions[workerID]
	if sess != nil && (w.Status == worker.StatusWorking || w.Status == worker.StatusWaiting || w.Status == worker.StatusStale) {
		return m.enqueueMessageLocked(w, sess, message, now)
	}

	return m.reactivateLocked(w, message, now)
}

// approvePlanLocked cancels the planning session and starts a fresh one
// that executes the approved plan. Called with m.mu held; releases it.
func (m *Manager) approvePlanLocked(w *worker.Worker, message string, now time.Time) error {
	workerID := w.ID
	plan := w.PlanContent

	sess := m.sessions[workerID]
	if sess != nil {
		sess.keepWorktree = true
		delete(m.sessions, workerID)
	}

	w.Status = worker.StatusWorking
	w.WaitingFor = nil
	w.PlanContent = ""
	w.CurrentAction = "Executing plan..."
	w.Touch(now)
	w.AppendMessage(worker.Message{Type: "user", Content: message, Timestamp: now.UnixMilli()})
	w.AppendMilestone(worker.StatusMilestone("Plan approved, executing with fresh context", now))
	snap := w.Snapshot()
	m.mu.Unlock()

	if sess != nil {
		sess.cancel()
		sess.input.End()
	}

	if err := m.cfg.Store.Save(snap); err != nil {
		log.ErrorErr(log.CatStore, "persisting plan approval", err, "worker", workerID)
	}
	m.publishUpdate(snap)
	m.reportWorker(m.ctx, snap, nil)

	if err := m.startSession(workerID, sessionParams{description: "Execute this plan:\n\n" + plan}); err != nil {
		m.failWorker(workerID, errMessage(err))
		return err
	}
	log.Info(log.CatSession, "plan approved", "worker", workerID)
	return nil
}

// enqueueMessageLocked hands the message to the live session. Called with
// m.mu held; releases it.
func (m *Manager) enqueueMessageLocked(w *worker.Worker, sess *session, message string, now time.Time) error {
	workerID := w.ID
	parentToolUseID := ""
	if w.WaitingFor != nil {
		parentToolUseID = w.WaitingFor.ToolUseID
	}
	sessionID := w.SessionID

	wasBlocked := w.Status == worker.StatusWaiting || w.Status == worker.StatusStale
	if wasBlocked {
		w.Status = worker.StatusWorking
		w.WaitingFor = nil
		w.CurrentAction = "Processing user message"
	}
	w.Touch(now)
	w.AppendMessage(worker.Message{Type: "user", Content: message, Timestamp: now.UnixMilli()})
	w.AppendMilestone(worker.StatusMilestone(userMilestone(message), now))
	snap := w.Snapshot()
	m.mu.Unlock()

	sess.input.Enqueue(engine.UserMessage{
		Text:            message,
		ParentToolUseID: parentToolUseID,
		SessionID:       sessionID,
	})

	m.publishUpdate(snap)
	if wasBlocked {
		// The server must stop showing the input prompt right away; the
		// 10 s sync would leave a stale question on screen.
		m.reportWorker(m.ctx, snap, nil)
	}
	return nil
}

// reactivateLocked restarts a worker that has no live session: Layer 1
// resumes the engine session when an id survived, Layer 2 reconstructs
// the context as plain text. Called with m.mu held; releases it.
func (m *Manager) reactivateLocked(w *worker.Worker, message string, now time.Time) error {
	workerID := w.ID
	sessionID := w.SessionID
	log.Info(log.CatSession, "follow-up for inactive worker",
		"event", "resume_requested", "worker", workerID, "hasSession", sessionID != "")

	// A leftover session record (completion still unwinding) must not
	// reap the worktree the new session is about to reuse.
	if leftover := m.sessions[workerID]; leftover != nil {
		leftover.keepWorktree = true
		delete(m.sessions, workerID)
		defer leftover.cancel()
	}

	w.Status = worker.StatusWorking
	w.Error = ""
	w.CompletedAt = nil
	w.WaitingFor = nil
	w.CurrentAction = "Resuming..."
	w.Touch(now)
	w.AppendMessage(worker.Message{Type: "user", Content: message, Timestamp: now.UnixMilli()})
	w.AppendMilestone(worker.StatusMilestone(userMilestone(message), now))
	snap := w.Snapshot()
	m.mu.Unlock()

	if err := m.cfg.Store.Save(snap); err != nil {
		log.ErrorErr(log.CatStore, "persisting reactivated worker", err, "worker", workerID)
	}
	m.publishUpdate(snap)

	var params sessionParams
	if sessionID != "" {
		log.Info(log.CatSession, "resuming engine session",
			"event", "resume_layer1_attempt", "worker", workerID, "session", sessionID)
		params = sessionParams{
			description:     message,
			resumeSessionID: sessionID,
			layer1:          true,
			followUp:        message,
		}
	} else {
		log.Info(log.CatSession, "no engine session to resume",
			"event", "resume_layer1_skipped", "worker", workerID)
		log.Info(log.CatSession, "reconstructing session context",
			"event", "resume_layer2_attempt", "worker", workerID)
		params = sessionParams{description: reconstructedDescription(snap, message)}
	}

	if err := m.startSession(workerID, params); err != nil {
		m.failWorker(workerID, errMessage(err))
		return err
	}
	return nil
}

func userMilestone(message string) string {
	if len(message) > 30 {
		return "User: " + message[:30] + "…"
	}
	return "User: " + message
}
