package buildd

import (
	"encoding/json"

	"github.com/buildd-ai/runner/internal/worker"
)

// Task is one coding task assigned by the server.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Mode        string       `json:"mode,omitempty"`
	Context     *TaskContext `json:"context,omitempty"`
}

// TaskModePlanning marks a task that wants a plan before any edits.
const TaskModePlanning = "planning"

// TaskContext carries optional task extras.
type TaskContext struct {
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is an image attached to a task: either a URL to fetch or
// inline base64 data.
type Attachment struct {
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ClaimRequest asks the server for up to MaxTasks assignments.
type ClaimRequest struct {
	MaxTasks    int          `json:"maxTasks"`
	WorkspaceID string       `json:"workspaceId"`
	LocalUIURL  string       `json:"localUiUrl"`
	TaskID      string       `json:"taskId,omitempty"`
	Environment *Environment `json:"environment,omitempty"`
}

// ClaimedWorker is one assignment returned by a claim.
type ClaimedWorker struct {
	ID     string `json:"id"`
	Branch string `json:"branch"`
	Task   *Task  `json:"task,omitempty"`
}

// ClaimResponse is the claim endpoint's result.
type ClaimResponse struct {
	Workers []ClaimedWorker `json:"workers"`
}

// Environment describes this runner for claim and heartbeat calls.
type Environment struct {
	Hostname          string                  `json:"hostname,omitempty"`
	OS                string                  `json:"os,omitempty"`
	Arch              string                  `json:"arch,omitempty"`
	Version           string                  `json:"version,omitempty"`
	HasCredentials    bool                    `json:"hasCredentials"`
	CredentialSources []string                `json:"credentialSources,omitempty"`
	Workspaces        []WorkspaceAvailability `json:"workspaces,omitempty"`
}

// WorkspaceAvailability reports whether a configured workspace resolves to
// a usable local directory.
type WorkspaceAvailability struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
}

// WorkerUpdate is a partial PATCH of the server-side worker. Zero fields
// are omitted; WaitingFor is special-cased so the update can carry an
// explicit null to clear it.
type WorkerUpdate struct {
	Status        string             `json:"status,omitempty"`
	CurrentAction string             `json:"currentAction,omitempty"`
	Error         string             `json:"error,omitempty"`
	Milestones    []worker.Milestone `json:"milestones,omitempty"`
	LocalUIURL    string             `json:"localUiUrl,omitempty"`

	WaitingFor      *worker.WaitingFor `json:"-"`
	ClearWaitingFor bool               `json:"-"`

	CommitCount   *int   `json:"commitCount,omitempty"`
	FilesChanged  *int   `json:"filesChanged,omitempty"`
	LinesAdded    *int   `json:"linesAdded,omitempty"`
	LinesRemoved  *int   `json:"linesRemoved,omitempty"`
	LastCommitSHA string `json:"lastCommitSha,omitempty"`
}

// MarshalJSON renders only the populated fields, emitting "waitingFor":null
// when the update clears the waiting state.
func (u WorkerUpdate) MarshalJSON() ([]byte, error) {
	type plain WorkerUpdate
	base, err := json.Marshal(plain(u))
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	if u.WaitingFor != nil {
		m["waitingFor"] = u.WaitingFor
	} else if u.ClearWaitingFor {
		m["waitingFor"] = nil
	}
	return json.Marshal(m)
}

// Workspace config status values.
const (
	ConfigUnconfigured   = "unconfigured"
	ConfigAdminConfirmed = "admin_confirmed"
)

// Branching strategies.
const (
	StrategyNone    = "none"
	StrategyTrunk   = "trunk"
	StrategyGitflow = "gitflow"
	StrategyFeature = "feature"
	StrategyCustom  = "custom"
)

// WorkspaceConfig is the server-side workspace configuration.
type WorkspaceConfig struct {
	ConfigStatus string     `json:"configStatus"`
	GitConfig    *GitConfig `json:"gitConfig,omitempty"`

	// InstallerAllowlist holds installer commands the workspace admin
	// approved for remote skill installs.
	InstallerAllowlist []string `json:"installerAllowlist,omitempty"`
}

// AdminConfirmed reports whether the workspace settings outrank local ones.
func (c *WorkspaceConfig) AdminConfirmed() bool {
	return c != nil && c.ConfigStatus == ConfigAdminConfirmed
}

// GitConfig is the workspace's git policy.
type GitConfig struct {
	DefaultBranch     string  `json:"defaultBranch"`
	BranchingStrategy string  `json:"branchingStrategy"`
	BranchPrefix      string  `json:"branchPrefix,omitempty"`
	CommitStyle       string  `json:"commitStyle,omitempty"`
	RequiresPR        bool    `json:"requiresPR,omitempty"`
	TargetBranch      string  `json:"targetBranch,omitempty"`
	AutoCreatePR      bool    `json:"autoCreatePR,omitempty"`
	AgentInstructions string  `json:"agentInstructions,omitempty"`
	UseClaudeMd       bool    `json:"useClaudeMd,omitempty"`
	BypassPermissions *bool   `json:"bypassPermissions,omitempty"`
	MaxBudgetUSD      float64 `json:"maxBudgetUsd,omitempty"`
}

// Observation is one workspace memory entry.
type Observation struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// HeartbeatRequest advertises this runner's liveness and capacity.
type HeartbeatRequest struct {
	LocalUIURL  string       `json:"localUiUrl"`
	ActiveCount int          `json:"activeCount"`
	Environment *Environment `json:"environment,omitempty"`
}

// HeartbeatResponse may carry a viewer token for the local UI.
type HeartbeatResponse struct {
	ViewerToken string `json:"viewerToken,omitempty"`
}

// Skill is one workspace skill bundle.
type Skill struct {
	Slug        string `json:"slug"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"`
}

// SkillInstallReport is the result of a remote skill install request.
type SkillInstallReport struct {
	RequestID string `json:"requestId"`
	Slug      string `json:"slug,omitempty"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}
