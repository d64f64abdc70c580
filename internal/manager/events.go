package manager

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/buildd-ai/runner/internal/engine"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/loopdetect"
	"github.com/buildd-ai/runner/internal/pubsub"
	"github.com/buildd-ai/runner/internal/worker"
)

// eventEffects collects the actions an event handler wants run after the
// manager lock is released.
type eventEffects struct {
	persistNow   bool   // write the worker to disk immediately
	notifyServer bool   // PATCH the worker state to the server now
	abortReason  string // non-empty aborts the worker asynchronously
	outputLines  bool   // publish an output event alongside the update
}

// handleEngineEvent applies one engine event to the worker. Every event
// refreshes activity; the specific variants mutate state further. Heavy
// work (disk, HTTP, abort) happens after the lock is released.
func (m *Manager) handleEngineEvent(sess *session, ev *engine.Event) {
	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[sess.workerID]
	if !ok {
		m.mu.Unlock()
		return
	}

	w.Touch(now)

	var fx eventEffects
	switch {
	case ev.IsInit():
		// The session id is the resume anchor; losing it to a crash would
		// force reconstruction, so it hits disk right away.
		w.SessionID = ev.SessionID
		fx.persistNow = true

	case ev.Type == engine.EventAssistant && ev.Message != nil:
		m.applyAssistantEvent(sess, w, ev, now, &fx)

	case ev.IsResult():
		w.ClosePhase(now)
		if ev.Subtype != engine.SubtypeSuccess {
			w.AppendMilestone(worker.StatusMilestone("Error: "+ev.Subtype, now))
			if ev.Subtype == engine.SubtypeMaxBudgetUSD {
				w.Status = worker.StatusError
				w.Error = "Budget limit exceeded"
				w.AppendMilestone(worker.StatusMilestone(
					fmt.Sprintf("Budget limit exceeded ($%.2f)", ev.TotalCostUSD), now))
			}
		}
	}

	snap := w.Snapshot()
	m.dirtyForServer[snap.ID] = struct{}{}
	m.dirtyForDisk[snap.ID] = struct{}{}
	m.mu.Unlock()

	if fx.persistNow {
		if err := m.cfg.Store.Save(snap); err != nil {
			log.ErrorErr(log.CatStore, "persisting worker after event", err, "worker", snap.ID)
		}
	}
	if fx.notifyServer {
		m.reportWorker(m.ctx, snap, nil)
	}
	if fx.abortReason != "" {
		go func() {
			if err := m.Abort(sess.workerID, fx.abortReason); err != nil {
				log.Debug(log.CatManager, "loop abort skipped", "worker", sess.workerID, "error", err)
			}
		}()
	}

	if fx.outputLines {
		m.broker.Publish(pubsub.OutputLine, snap)
	}
	m.broker.Publish(pubsub.WorkerUpdate, snap)
}

// applyAssistantEvent walks the content blocks in order. A loop detection
// stops processing; the remaining blocks would only deepen the loop.
func (m *Manager) applyAssistantEvent(sess *session, w *worker.Worker, ev *engine.Event, now time.Time, fx *eventEffects) {
	for i := range ev.Message.Content {
		block := &ev.Message.Content[i]
		switch block.Type {
		case engine.BlockText:
			m.applyTextBlock(w, block, now, fx)
		case engine.BlockToolUse:
			if stop := m.applyToolUseBlock(sess, w, block, now, fx); stop {
				return
			}
		}
	}
}

func (m *Manager) applyTextBlock(w *worker.Worker, block *engine.ContentBlock, now time.Time, fx *eventEffects) {
	w.AppendMessage(worker.Message{
		Type:      "text",
		Content:   block.Text,
		Timestamp: now.UnixMilli(),
	})
	w.StartPhase(block.Text, now)

	for _, line := range strings.Split(block.Text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		w.AppendOutput(line)
		fx.outputLines = true
	}
}

func (m *Manager) applyToolUseBlock(sess *session, w *worker.Worker, block *engine.ContentBlock, now time.Time, fx *eventEffects) bool {
	w.AppendMessage(worker.Message{
		Type:      "tool_use",
		ToolName:  block.Name,
		Content:   clip(string(block.Input), worker.MaxToolInputBytes),
		Timestamp: now.UnixMilli(),
	})
	w.AppendToolCall(worker.ToolCall{
		Name:      block.Name,
		Input:     block.Input,
		Timestamp: now.UnixMilli(),
	})

	if det, stuck := loopdetect.Check(w.ToolCalls); stuck {
		w.AppendMilestone(worker.StatusMilestone(det.Reason, now))
		w.Status = worker.StatusError
		w.Error = det.Reason
		fx.abortReason = det.Reason
		return true
	}

	w.RecordPhaseTool(block.Name)
	w.CurrentAction = actionForTool(block.Name, block.Input)

	switch block.Name {
	case "Bash":
		m.applyBashTool(w, block, now)
	case "AskUserQuestion":
		m.applyQuestionTool(w, block, now, fx)
	case "EnterPlanMode":
		// Plan mode is approved automatically; the user approves the plan
		// itself at ExitPlanMode.
		sess.input.Enqueue(engine.UserMessage{
			Text:            "Approved",
			ParentToolUseID: block.ID,
			SessionID:       w.SessionID,
		})
	case "ExitPlanMode":
		m.applyPlanReadyTool(w, block, now, fx)
	}
	return false
}

// applyBashTool watches for git commits so the timeline shows them as
// they happen. The SHA is unknown until the post-tool hook resolves HEAD.
func (m *Manager) applyBashTool(w *worker.Worker, block *engine.ContentBlock, now time.Time) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(block.Input, &args); err != nil || !strings.Contains(args.Command, "git commit") {
		return
	}
	msg := commitMessage(args.Command)
	w.AppendCommit(worker.Commit{SHA: "pending", Message: msg})
	w.AppendMilestone(worker.StatusMilestone("Commit: "+msg, now))
}

func (m *Manager) applyQuestionTool(w *worker.Worker, block *engine.ContentBlock, now time.Time, fx *eventEffects) {
	prompt, options := parseQuestion(block.Input)
	w.Status = worker.StatusWaiting
	w.WaitingFor = &worker.WaitingFor{
		Type:      "question",
		Prompt:    prompt,
		Options:   options,
		ToolUseID: block.ID,
	}
	w.CurrentAction = "Waiting for input"
	w.AppendMilestone(worker.StatusMilestone(clip("Question: "+prompt, 120), now))
	fx.persistNow = true
	fx.notifyServer = true
}

func (m *Manager) applyPlanReadyTool(w *worker.Worker, block *engine.ContentBlock, now time.Time, fx *eventEffects) {
	w.PlanContent = lastTextMessage(w.Messages)
	w.Status = worker.StatusWaiting
	w.WaitingFor = &worker.WaitingFor{
		Type:   "plan_approval",
		Prompt: "Review the plan and approve to continue",
		Options: []worker.Option{
			{Label: "Approve & implement"},
			{Label: "Request changes"},
		},
		ToolUseID: block.ID,
	}
	w.CurrentAction = "Waiting for plan approval"
	w.AppendMilestone(worker.StatusMilestone("Plan ready for review", now))
	fx.persistNow = true
	fx.notifyServer = true
}

func lastTextMessage(msgs []worker.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == "text" {
			return msgs[i].Content
		}
	}
	return ""
}

// parseQuestion extracts the first question and its options from an
// AskUserQuestion input.
func parseQuestion(input json.RawMessage) (string, []worker.Option) {
	var args struct {
		Questions []struct {
			Question string `json:"question"`
			Options  []struct {
				Label string `json:"label"`
			} `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(input, &args); err != nil || len(args.Questions) == 0 {
		return "The agent has a question", nil
	}
	q := args.Questions[0]
	prompt := q.Question
	if prompt == "" {
		prompt = "The agent has a question"
	}
	options := make([]worker.Option, 0, len(q.Options))
	for _, o := range q.Options {
		options = append(options, worker.Option{Label: o.Label})
	}
	return prompt, options
}

// actionForTool renders a short human-readable action for the UI.
func actionForTool(name string, input json.RawMessage) string {
	file := filepath.Base(toolFilePath(input))
	switch name {
	case "Read":
		if file != "." && file != "" {
			return "Reading " + file
		}
		return "Reading files"
	case "Edit", "Write", "MultiEdit":
		if file != "." && file != "" {
			return "Editing " + file
		}
		return "Editing files"
	case "Bash":
		return "Running command"
	case "Grep", "Glob":
		return "Searching code"
	case "Task":
		return "Delegating to subagent"
	case "TeamCreate":
		return "Creating team"
	case "SendMessage":
		return "Coordinating team"
	case "AskUserQuestion":
		return "Waiting for input"
	case "EnterPlanMode", "ExitPlanMode":
		return "Planning"
	case "WebFetch", "WebSearch":
		return "Browsing the web"
	default:
		return "Using " + name
	}
}

var (
	heredocRe   = regexp.MustCompile(`(?s)cat <<['"]?EOF['"]?\s*\n(.*?)\nEOF`)
	commitMsgRe = regexp.MustCompile(`-m\s+"([^"]*)"|-m\s+'([^']*)'`)
)

// commitMessage pulls a human-readable message out of a git commit
// command: heredoc body first line, then -m argument, then a generic
// fallback.
func commitMessage(cmd string) string {
	if m := heredocRe.FindStringSubmatch(cmd); m != nil {
		first, _, _ := strings.Cut(m[1], "\n")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if m := commitMsgRe.FindStringSubmatch(cmd); m != nil {
		for _, group := range m[1:] {
			if group != "" {
				return group
			}
		}
	}
	return "commit"
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
