// Package worker defines the local worker record: one claimed task plus the
// observable state of its agent session. Records are owned by the manager;
// subscribers and flushers only ever see Snapshot copies.
package worker

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status is the local lifecycle state of a worker.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusWaiting Status = "waiting"
	StatusStale   Status = "stale"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Terminal reports whether the worker has finished (successfully or not).
// Stale workers are not terminal: their session is still attached.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Active reports whether a session may be attached to the worker.
func (s Status) Active() bool {
	return s == StatusWorking || s == StatusWaiting || s == StatusStale
}

// ServerStatus maps a local status to the value the server understands.
func (s Status) ServerStatus() string {
	switch s {
	case StatusWaiting:
		return "waiting_input"
	case StatusDone:
		return "completed"
	case StatusError:
		return "failed"
	default:
		return "running"
	}
}

// Bounds on the conversation artifacts. Appends evict the oldest entry.
const (
	MaxMessages     = 200
	MaxToolCalls    = 200
	MaxMilestones   = 30
	MaxCommits      = 50
	MaxOutputLines  = 100
	MaxTeamMessages = 200
	MaxPhaseTools   = 5

	// MaxToolInputBytes caps the persisted JSON encoding of a tool input.
	MaxToolInputBytes = 500
)

// Message is one entry of the worker's conversation timeline.
type Message struct {
	Type      string `json:"type"` // text | tool_use | user
	Content   string `json:"content"`
	ToolName  string `json:"toolName,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ToolCall records a single tool invocation by the agent.
type ToolCall struct {
	Name      string          `json:"name"`
	Timestamp int64           `json:"timestamp"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Milestone variants.
const (
	MilestonePhase      = "phase"
	MilestoneStatus     = "status"
	MilestoneCheckpoint = "checkpoint"
)

// Milestone is one entry of the worker's visible timeline. The Type field
// selects the variant; unused fields stay zero.
type Milestone struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`

	// status
	Label string `json:"label,omitempty"`

	// phase
	Text       string   `json:"text,omitempty"`
	DurationMs int64    `json:"durationMs,omitempty"`
	ToolCount  int      `json:"toolCount,omitempty"`
	Tools      []string `json:"tools,omitempty"`

	// checkpoint
	Event string `json:"event,omitempty"`
	UUID  string `json:"uuid,omitempty"`
	SHA   string `json:"sha,omitempty"`
}

// StatusMilestone builds a status-variant milestone.
func StatusMilestone(label string, now time.Time) Milestone {
	return Milestone{Type: MilestoneStatus, Label: label, Timestamp: now.UnixMilli()}
}

// PhaseMilestone builds a phase-variant milestone.
func PhaseMilestone(text string, durationMs int64, toolCount int, tools []string, now time.Time) Milestone {
	return Milestone{
		Type:       MilestonePhase,
		Text:       text,
		DurationMs: durationMs,
		ToolCount:  toolCount,
		Tools:      slices.Clone(tools),
		Timestamp:  now.UnixMilli(),
	}
}

// CheckpointMilestone builds a checkpoint-variant milestone.
func CheckpointMilestone(event, id, sha string, now time.Time) Milestone {
	return Milestone{Type: MilestoneCheckpoint, Event: event, UUID: id, SHA: sha, Timestamp: now.UnixMilli()}
}

// Commit is a commit observed during the session.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// Option is a labelled choice presented to the user.
type Option struct {
	Label string `json:"label"`
}

// WaitingFor describes why a worker is blocked on user input.
type WaitingFor struct {
	Type      string   `json:"type"` // question | plan_approval
	Prompt    string   `json:"prompt"`
	Options   []Option `json:"options,omitempty"`
	ToolUseID string   `json:"toolUseId,omitempty"`
}

// TeamMember is one subagent in the worker's team.
type TeamMember struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	SpawnedAt int64  `json:"spawnedAt"`
}

// TeamMessage is one message exchanged inside the team.
type TeamMessage struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Summary   string `json:"summary,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// TeamState tracks a team the agent created during the session.
type TeamState struct {
	TeamName  string        `json:"teamName"`
	Members   []TeamMember  `json:"members"`
	Messages  []TeamMessage `json:"messages"`
	CreatedAt int64         `json:"createdAt"`
}

// Checkpoint is a rollback anchor recorded after a git commit.
type Checkpoint struct {
	UUID  string `json:"uuid"`
	Event string `json:"event"`
	SHA   string `json:"sha"`
}

// SubagentTask tracks an in-flight Task tool invocation. Transient.
type SubagentTask struct {
	Name      string
	Role      string
	StartedAt int64
}

// Worker is the central record: one in-flight or recently finished agent
// session. JSON tags are shared by the disk format and the server wire
// format; the store strips the transient fields before writing.
type Worker struct {
	ID              string `json:"id"`
	TaskID          string `json:"taskId"`
	TaskTitle       string `json:"taskTitle"`
	TaskDescription string `json:"taskDescription"`
	WorkspaceID     string `json:"workspaceId"`
	WorkspaceName   string `json:"workspaceName"`
	Branch          string `json:"branch"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	LastActivity int64  `json:"lastActivity"`
	CompletedAt  *int64 `json:"completedAt,omitempty"`

	// SessionID is the resume anchor the engine returned on init.
	SessionID string `json:"sessionId,omitempty"`

	WaitingFor  *WaitingFor `json:"waitingFor,omitempty"`
	PlanContent string      `json:"planContent,omitempty"`

	Messages   []Message   `json:"messages"`
	ToolCalls  []ToolCall  `json:"toolCalls"`
	Milestones []Milestone `json:"milestones"`
	Commits    []Commit    `json:"commits"`
	Output     []string    `json:"output"`

	TeamState    *TeamState `json:"teamState,omitempty"`
	WorktreePath string     `json:"worktreePath,omitempty"`

	// Transient: never persisted, zero after load.
	HasNewActivity bool           `json:"hasNewActivity"`
	CurrentAction  string         `json:"currentAction,omitempty"`
	SubagentTasks  []SubagentTask `json:"-"`
	Checkpoints    []Checkpoint   `json:"-"`

	// Phase tracker: a phase opens on an assistant text block and closes on
	// the next text block or the result event. Transient.
	PhaseText      *string    `json:"-"`
	PhaseStart     *time.Time `json:"-"`
	PhaseToolCount int        `json:"-"`
	PhaseTools     []string   `json:"-"`

	// CheckpointEvents is the set of checkpoint milestone events already
	// recorded; rebuilt from milestones on load. Transient.
	CheckpointEvents map[string]bool `json:"-"`
}

// New returns a worker in the working state with the current time stamped.
func New(id string, now time.Time) *Worker {
	return &Worker{
		ID:           id,
		Status:       StatusWorking,
		LastActivity: now.UnixMilli(),
	}
}

// Touch records activity: bumps lastActivity, flags new activity, and
// promotes a stale worker back to working.
func (w *Worker) Touch(now time.Time) {
	w.LastActivity = now.UnixMilli()
	w.HasNewActivity = true
	if w.Status == StatusStale {
		w.Status = StatusWorking
	}
}

// AppendMessage appends to the timeline, evicting the oldest past the cap.
func (w *Worker) AppendMessage(m Message) {
	w.Messages = appendBounded(w.Messages, m, MaxMessages)
}

// AppendToolCall appends to the tool-call history, evicting past the cap.
func (w *Worker) AppendToolCall(tc ToolCall) {
	w.ToolCalls = appendBounded(w.ToolCalls, tc, MaxToolCalls)
}

// AppendMilestone appends to the milestone timeline, evicting past the cap.
func (w *Worker) AppendMilestone(m Milestone) {
	w.Milestones = appendBounded(w.Milestones, m, MaxMilestones)
}

// AppendCommit appends to the commit list, evicting past the cap.
func (w *Worker) AppendCommit(c Commit) {
	w.Commits = appendBounded(w.Commits, c, MaxCommits)
}

// AppendOutput appends a text line, evicting past the cap.
func (w *Worker) AppendOutput(line string) {
	w.Output = appendBounded(w.Output, line, MaxOutputLines)
}

// AppendTeamMessage appends to the team conversation when a team exists.
func (w *Worker) AppendTeamMessage(tm TeamMessage) {
	if w.TeamState == nil {
		return
	}
	w.TeamState.Messages = appendBounded(w.TeamState.Messages, tm, MaxTeamMessages)
}

// AddCheckpoint records a rollback anchor and its milestone. Returns false
// when a checkpoint for the same event was already recorded.
func (w *Worker) AddCheckpoint(event, sha string, now time.Time) (Checkpoint, bool) {
	if w.CheckpointEvents == nil {
		w.CheckpointEvents = make(map[string]bool)
	}
	if w.CheckpointEvents[event] {
		return Checkpoint{}, false
	}
	cp := Checkpoint{UUID: uuid.NewString(), Event: event, SHA: sha}
	w.Checkpoints = append(w.Checkpoints, cp)
	w.CheckpointEvents[event] = true
	w.AppendMilestone(CheckpointMilestone(cp.Event, cp.UUID, cp.SHA, now))
	return cp, true
}

// FindCheckpoint resolves a checkpoint UUID to its commit sha and event,
// preferring the transient list and falling back to persisted milestones.
func (w *Worker) FindCheckpoint(id string) (Checkpoint, bool) {
	for _, cp := range w.Checkpoints {
		if cp.UUID == id {
			return cp, true
		}
	}
	for _, m := range w.Milestones {
		if m.Type == MilestoneCheckpoint && m.UUID == id {
			return Checkpoint{UUID: m.UUID, Event: m.Event, SHA: m.SHA}, true
		}
	}
	return Checkpoint{}, false
}

// StartPhase begins a new phase, first flushing any phase that accumulated
// tool calls into a phase milestone.
func (w *Worker) StartPhase(text string, now time.Time) {
	if w.PhaseText != nil && w.PhaseToolCount >= 1 {
		w.flushPhase(now)
	}
	t := now
	w.PhaseText = &text
	w.PhaseStart = &t
	w.PhaseToolCount = 0
	w.PhaseTools = nil
}

// ClosePhase flushes the open phase, if any, and clears the tracker. Called
// on the result event so no phase milestone is created afterwards.
func (w *Worker) ClosePhase(now time.Time) {
	if w.PhaseText != nil && w.PhaseToolCount >= 1 {
		w.flushPhase(now)
	}
	w.PhaseText = nil
	w.PhaseStart = nil
	w.PhaseToolCount = 0
	w.PhaseTools = nil
}

// RecordPhaseTool counts a tool call against the open phase and keeps short
// labels for the mutating tools.
func (w *Worker) RecordPhaseTool(name string) {
	if w.PhaseText == nil {
		return
	}
	w.PhaseToolCount++
	switch name {
	case "Edit", "Write", "Bash":
		if len(w.PhaseTools) < MaxPhaseTools {
			w.PhaseTools = append(w.PhaseTools, name)
		}
	}
}

func (w *Worker) flushPhase(now time.Time) {
	var dur int64
	if w.PhaseStart != nil {
		dur = now.Sub(*w.PhaseStart).Milliseconds()
	}
	w.AppendMilestone(PhaseMilestone(*w.PhaseText, dur, w.PhaseToolCount, w.PhaseTools, now))
	w.PhaseText = nil
	w.PhaseStart = nil
	w.PhaseToolCount = 0
	w.PhaseTools = nil
}

// RebuildCheckpointEvents restores the checkpoint-event set from loaded
// milestones. The store calls this after every load.
func (w *Worker) RebuildCheckpointEvents() {
	w.CheckpointEvents = nil
	for _, m := range w.Milestones {
		if m.Type != MilestoneCheckpoint {
			continue
		}
		if w.CheckpointEvents == nil {
			w.CheckpointEvents = make(map[string]bool)
		}
		w.CheckpointEvents[m.Event] = true
	}
}

// Snapshot returns a deep copy safe to hand to subscribers and flushers.
// Live references to the manager-owned record never escape.
func (w *Worker) Snapshot() Worker {
	cp := *w

	cp.Messages = slices.Clone(w.Messages)
	cp.ToolCalls = make([]ToolCall, len(w.ToolCalls))
	for i, tc := range w.ToolCalls {
		tc.Input = bytes.Clone(tc.Input)
		cp.ToolCalls[i] = tc
	}
	cp.Milestones = make([]Milestone, len(w.Milestones))
	for i, m := range w.Milestones {
		m.Tools = slices.Clone(m.Tools)
		cp.Milestones[i] = m
	}
	cp.Commits = slices.Clone(w.Commits)
	cp.Output = slices.Clone(w.Output)
	cp.SubagentTasks = slices.Clone(w.SubagentTasks)
	cp.Checkpoints = slices.Clone(w.Checkpoints)
	cp.PhaseTools = slices.Clone(w.PhaseTools)

	if w.CompletedAt != nil {
		v := *w.CompletedAt
		cp.CompletedAt = &v
	}
	if w.WaitingFor != nil {
		wf := *w.WaitingFor
		wf.Options = slices.Clone(w.WaitingFor.Options)
		cp.WaitingFor = &wf
	}
	if w.TeamState != nil {
		ts := *w.TeamState
		ts.Members = slices.Clone(w.TeamState.Members)
		ts.Messages = slices.Clone(w.TeamState.Messages)
		cp.TeamState = &ts
	}
	if w.PhaseText != nil {
		v := *w.PhaseText
		cp.PhaseText = &v
	}
	if w.PhaseStart != nil {
		v := *w.PhaseStart
		cp.PhaseStart = &v
	}
	if w.CheckpointEvents != nil {
		cp.CheckpointEvents = make(map[string]bool, len(w.CheckpointEvents))
		for k, v := range w.CheckpointEvents {
			cp.CheckpointEvents[k] = v
		}
	}
	return cp
}

func appendBounded[T any](list []T, item T, max int) []T {
	list = append(list, item)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}
