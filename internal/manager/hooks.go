package manager

import (
	"context"
	"encoding/json"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/buildd-ai/runner/internal/engine"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/pubsub"
	"github.com/buildd-ai/runner/internal/worker"
)

const checkpointHeadTimeout = 5 * time.Second

// allowReason is returned on every explicit allow. Without it the engine
// would wait for an interactive approval that never comes.
const allowReason = "Allowed by buildd permission hook"

// dangerousBash matches commands the agent must never run unattended.
var dangerousBash = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]+\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+(/|~)(\s|$|\*|/\*)`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`:\(\)\s*\{.*\|.*&.*\}\s*;\s*:`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff|halt)\b`),
	regexp.MustCompile(`git\s+push\b.*\s(--force|-f)\s.*\b(main|master)\b`),
	regexp.MustCompile(`git\s+push\b.*\b(main|master)\b.*\s(--force|-f)(\s|$)`),
	regexp.MustCompile(`\bchmod\s+(-R\s+)?777\s+/(\s|$)`),
}

// sensitiveMarkers block writes into credential material wherever it
// lives under the work tree or the user's home.
var sensitiveMarkers = []string{
	".ssh/",
	".aws/credentials",
	".claude/.credentials.json",
	"id_rsa",
	"id_ed25519",
	"id_ecdsa",
}

// preToolHook gates tool executions: dangerous shell commands and writes
// to credential files are denied, everything else is explicitly allowed.
func (m *Manager) preToolHook(workerID string) engine.HookFunc {
	return func(_ context.Context, in engine.HookInput) engine.HookOutput {
		switch in.ToolName {
		case "Bash":
			var args struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(in.ToolInput, &args); err == nil && dangerousCommand(args.Command) {
				log.Warn(log.CatSession, "dangerous command blocked",
					"worker", workerID, "command", clip(args.Command, 120))
				return engine.HookOutput{
					Decision: engine.DecisionDeny,
					Reason:   "Dangerous command blocked by safety policy",
				}
			}
		case "Write", "Edit", "MultiEdit":
			if p := toolFilePath(in.ToolInput); sensitiveWritePath(p) {
				log.Warn(log.CatSession, "sensitive write blocked", "worker", workerID, "path", p)
				return engine.HookOutput{
					Decision: engine.DecisionDeny,
					Reason:   "Cannot write to sensitive path: " + p,
				}
			}
		}
		return engine.HookOutput{Decision: engine.DecisionAllow, Reason: allowReason}
	}
}

func dangerousCommand(cmd string) bool {
	for _, re := range dangerousBash {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

func sensitiveWritePath(p string) bool {
	if p == "" {
		return false
	}
	clean := filepath.ToSlash(p)
	if strings.HasPrefix(clean, "/etc/") {
		return true
	}
	for _, marker := range sensitiveMarkers {
		if strings.Contains(clean, marker) {
			return true
		}
	}
	base := path.Base(clean)
	if base == ".env" {
		return true
	}
	return strings.HasPrefix(base, ".env.") && !strings.HasSuffix(base, ".example")
}

// postToolHook observes completed tools: team activity feeds the team
// tracker, git commits become rollback checkpoints. It never denies.
func (m *Manager) postToolHook(sess *session) engine.HookFunc {
	return func(ctx context.Context, in engine.HookInput) engine.HookOutput {
		switch in.ToolName {
		case "TeamCreate":
			m.trackTeamCreate(sess.workerID, in.ToolInput)
		case "Task":
			m.trackSubagent(sess.workerID, in.ToolInput)
		case "SendMessage":
			m.trackTeamMessage(sess.workerID, in.ToolInput)
		case "Bash":
			m.recordCheckpoint(ctx, sess, in.ToolInput)
		}
		return engine.HookOutput{}
	}
}

func (m *Manager) trackTeamCreate(workerID string, input json.RawMessage) {
	var args struct {
		TeamName string `json:"team_name"`
	}
	_ = json.Unmarshal(input, &args)
	name := args.TeamName
	if name == "" {
		name = "unnamed"
	}
	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	w.TeamState = &worker.TeamState{
		TeamName:  name,
		Members:   []worker.TeamMember{},
		Messages:  []worker.TeamMessage{},
		CreatedAt: now.UnixMilli(),
	}
	w.AppendMilestone(worker.StatusMilestone("Team created: "+name, now))
	snap := w.Snapshot()
	m.mu.Unlock()

	m.publishUpdate(snap)
}

func (m *Manager) trackSubagent(workerID string, input json.RawMessage) {
	var args struct {
		Name         string `json:"name"`
		Description  string `json:"description"`
		SubagentType string `json:"subagent_type"`
	}
	_ = json.Unmarshal(input, &args)
	name := args.Name
	if name == "" {
		name = args.Description
	}
	if name == "" {
		name = "subagent"
	}
	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok || w.TeamState == nil {
		m.mu.Unlock()
		return
	}
	w.TeamState.Members = append(w.TeamState.Members, worker.TeamMember{
		Name:      name,
		Role:      args.SubagentType,
		Status:    "active",
		SpawnedAt: now.UnixMilli(),
	})
	w.AppendMilestone(worker.StatusMilestone("Subagent: "+name, now))
	snap := w.Snapshot()
	m.mu.Unlock()

	m.publishUpdate(snap)
}

func (m *Manager) trackTeamMessage(workerID string, input json.RawMessage) {
	var args struct {
		Type      string `json:"type"`
		Sender    string `json:"sender"`
		Recipient string `json:"recipient"`
		Content   string `json:"content"`
		Summary   string `json:"summary"`
	}
	_ = json.Unmarshal(input, &args)
	now := time.Now()

	from := args.Sender
	if from == "" {
		from = "leader"
	}
	to := args.Recipient
	if to == "" {
		if args.Type == "broadcast" {
			to = "broadcast"
		} else {
			to = "unknown"
		}
	}

	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok || w.TeamState == nil {
		m.mu.Unlock()
		return
	}
	w.AppendTeamMessage(worker.TeamMessage{
		From:      from,
		To:        to,
		Content:   args.Content,
		Summary:   args.Summary,
		Timestamp: now.UnixMilli(),
	})
	// Broadcasts are milestones; DMs between subagents would flood the
	// timeline.
	if args.Type == "broadcast" {
		w.AppendMilestone(worker.StatusMilestone(clip("Team broadcast: "+args.Content, 120), now))
	}
	snap := w.Snapshot()
	m.mu.Unlock()

	m.publishUpdate(snap)
}

// recordCheckpoint resolves HEAD after a git commit and stores it as a
// rollback anchor. Resolution failures skip the checkpoint.
func (m *Manager) recordCheckpoint(ctx context.Context, sess *session, input json.RawMessage) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil || !strings.Contains(args.Command, "git commit") {
		return
	}

	headCtx, cancel := context.WithTimeout(ctx, checkpointHeadTimeout)
	defer cancel()
	sha, err := m.cfg.Git(sess.workDir).HeadSHA(headCtx)
	if err != nil {
		log.Debug(log.CatGit, "checkpoint HEAD resolution failed",
			"worker", sess.workerID, "error", err)
		return
	}

	event := commitMessage(args.Command)
	now := time.Now()

	m.mu.Lock()
	w, ok := m.workers[sess.workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	cp, added := w.AddCheckpoint(event, sha, now)
	// Pending commits recorded at tool_use time now have a real SHA.
	for i := range w.Commits {
		if w.Commits[i].SHA == "pending" && w.Commits[i].Message == event {
			w.Commits[i].SHA = sha
		}
	}
	snap := w.Snapshot()
	m.mu.Unlock()

	if added {
		log.Debug(log.CatManager, "checkpoint recorded",
			"worker", sess.workerID, "uuid", cp.UUID, "sha", sha)
		m.broker.Publish(pubsub.MilestoneAdded, snap)
	}
	m.publishUpdate(snap)
}
