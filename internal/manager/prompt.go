package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/buildd-ai/runner/internal/buildd"
	"github.com/buildd-ai/runner/internal/flags"
	"github.com/buildd-ai/runner/internal/git"
	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/templates"
	"github.com/buildd-ai/runner/internal/worker"
)

const (
	// maxMemoryDigestBytes caps the workspace memory digest in the prompt.
	maxMemoryDigestBytes = 4096

	// timeline bounds for context reconstruction
	maxReconstructedReads    = 20
	maxReconstructedMessages = 30
)

// buildTaskPrompt assembles the session prompt parts in their fixed
// order. Admin instructions and git workflow only appear when the
// workspace config has been confirmed by an admin; memory and skills are
// best effort.
func (m *Manager) buildTaskPrompt(ctx context.Context, snap worker.Worker, wsCfg *buildd.WorkspaceConfig, description string) string {
	var parts []string

	gitCfg := wsCfg.GitConfig
	if wsCfg.AdminConfirmed() && gitCfg != nil {
		if gitCfg.AgentInstructions != "" {
			parts = append(parts, templates.AdminInstructions(gitCfg.AgentInstructions))
		}
		if gitCfg.BranchingStrategy != buildd.StrategyNone {
			// The template cares about where the session runs, not which
			// server-side strategy produced the branch.
			strategy := "branch"
			if snap.Branch != "" && m.flagEnabled(flags.FlagWorktrees) {
				strategy = "worktree"
			}
			parts = append(parts, templates.GitWorkflow(templates.GitWorkflowData{
				Strategy:      strategy,
				DefaultBranch: gitCfg.DefaultBranch,
				Branch:        snap.Branch,
				CommitStyle:   gitCfg.CommitStyle,
				RequiresPR:    gitCfg.RequiresPR,
				TargetBranch:  gitCfg.TargetBranch,
			}))
		}
	}

	if memory := m.memoryPart(ctx, snap); memory != "" {
		parts = append(parts, memory)
	}

	if bundles := m.skillBundles(); len(bundles) > 0 {
		infos := make([]templates.SkillInfo, 0, len(bundles))
		for _, b := range bundles {
			infos = append(infos, templates.SkillInfo{Slug: b.Slug, Description: b.AgentDescription()})
		}
		parts = append(parts, templates.SkillsPreamble(infos))
	}

	parts = append(parts,
		stripTrailingMetadata(description),
		templates.CommunicationDirective(),
		templates.MetadataFooter(templates.MetadataData{
			WorkerID:  snap.ID,
			Workspace: snap.WorkspaceName,
			Branch:    snap.Branch,
		}),
	)
	return strings.Join(parts, "\n\n")
}

// memoryPart renders the workspace memory digest plus the observations
// matching the task. Server errors degrade to an empty part.
func (m *Manager) memoryPart(ctx context.Context, snap worker.Worker) string {
	digest, err := m.cfg.Server.ObservationDigest(ctx, snap.WorkspaceID)
	if err != nil {
		log.Debug(log.CatManager, "memory digest unavailable",
			"workspace", snap.WorkspaceID, "error", err)
		digest = ""
	}
	if len(digest) > maxMemoryDigestBytes {
		digest = digest[:maxMemoryDigestBytes]
	}

	query := snap.TaskTitle
	if query == "" {
		query = snap.TaskDescription
		if len(query) > 100 {
			query = query[:100]
		}
	}
	var found []buildd.Observation
	if query != "" {
		found, err = m.cfg.Server.SearchObservations(ctx, snap.WorkspaceID, query, 5)
		if err != nil {
			log.Debug(log.CatManager, "observation search unavailable",
				"workspace", snap.WorkspaceID, "error", err)
			found = nil
		}
	}

	if digest == "" && len(found) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(templates.MemoryPreamble())
	if digest != "" {
		b.WriteString("\n\n")
		b.WriteString(digest)
	}
	if len(found) > 0 {
		b.WriteString("\n\nObservations related to this task:")
		for _, o := range found {
			b.WriteString("\n- ")
			if o.Title != "" {
				b.WriteString(o.Title)
				b.WriteString(": ")
			}
			b.WriteString(o.Content)
		}
	}
	return b.String()
}

// stripTrailingMetadata removes the server-appended metadata block from a
// task description. The block is delimited by the last "\n---" line.
func stripTrailingMetadata(desc string) string {
	if idx := strings.LastIndex(desc, "\n---"); idx >= 0 {
		desc = desc[:idx]
	}
	return strings.TrimSpace(desc)
}

// reconstructedDescription synthesizes a fresh-session prompt carrying
// enough of the previous conversation that the agent can act on the
// follow-up without replaying the whole session.
func reconstructedDescription(snap worker.Worker, followUp string) string {
	var b strings.Builder
	b.WriteString(templates.ResumePreamble())

	b.WriteString("\n\n## Original Task\n")
	if snap.TaskTitle != "" {
		b.WriteString(snap.TaskTitle)
		b.WriteString("\n\n")
	}
	b.WriteString(stripTrailingMetadata(snap.TaskDescription))

	if files := collapsedFiles(snap.ToolCalls); files != "" {
		b.WriteString("\n\n## Files Already Examined\n")
		b.WriteString(files)
	}

	convo, lastAgent := renderTimeline(snap.Messages)
	if convo != "" {
		b.WriteString("\n\n## Previous Conversation\n")
		b.WriteString(convo)
	}
	if lastAgent != "" {
		b.WriteString("\n\n## Your Last Response\n")
		b.WriteString(lastAgent)
	}

	if summary := milestoneSummary(snap.Milestones); summary != "" {
		b.WriteString("\n\n## Work Completed\n")
		b.WriteString(summary)
	}

	if followUp != "" {
		b.WriteString("\n\n## New User Message\n")
		b.WriteString(followUp)
	}
	return b.String()
}

// collapsedFiles summarizes which files the previous session touched:
// the most recent reads and every file that was modified.
func collapsedFiles(calls []worker.ToolCall) string {
	var reads, edits []string
	seenRead := make(map[string]struct{})
	seenEdit := make(map[string]struct{})

	for _, call := range calls {
		path := toolFilePath(call.Input)
		if path == "" {
			continue
		}
		switch call.Name {
		case "Read":
			if _, ok := seenRead[path]; !ok {
				seenRead[path] = struct{}{}
				reads = append(reads, path)
			}
		case "Edit", "Write", "MultiEdit":
			if _, ok := seenEdit[path]; !ok {
				seenEdit[path] = struct{}{}
				edits = append(edits, path)
			}
		}
	}
	if len(reads) > maxReconstructedReads {
		reads = reads[len(reads)-maxReconstructedReads:]
	}

	lines := make([]string, 0, len(reads)+len(edits))
	for _, p := range reads {
		lines = append(lines, "- Read "+p)
	}
	for _, p := range edits {
		lines = append(lines, "- Modified "+p)
	}
	return strings.Join(lines, "\n")
}

// toolFilePath extracts the file_path argument from a recorded tool
// input. Truncated or malformed inputs return empty.
func toolFilePath(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var args struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	return args.FilePath
}

// renderTimeline renders the recent conversation, lifting the final agent
// text out so the caller can re-render it under its own heading.
func renderTimeline(msgs []worker.Message) (convo, lastAgent string) {
	var filtered []worker.Message
	for _, msg := range msgs {
		if msg.Type == "text" || msg.Type == "user" {
			filtered = append(filtered, msg)
		}
	}
	if len(filtered) > maxReconstructedMessages {
		filtered = filtered[len(filtered)-maxReconstructedMessages:]
	}

	lastIdx := -1
	for i := len(filtered) - 1; i >= 0; i-- {
		if filtered[i].Type == "text" {
			lastIdx = i
			break
		}
	}

	var lines []string
	for i, msg := range filtered {
		if i == lastIdx {
			continue
		}
		switch msg.Type {
		case "text":
			lines = append(lines, "**Agent:** "+msg.Content)
		case "user":
			lines = append(lines, "**User:** "+msg.Content)
		}
	}
	if lastIdx >= 0 {
		lastAgent = filtered[lastIdx].Content
	}
	return strings.Join(lines, "\n\n"), lastAgent
}

// milestoneSummary flattens the milestone timeline into a bullet list.
func milestoneSummary(milestones []worker.Milestone) string {
	var lines []string
	for _, ms := range milestones {
		switch ms.Type {
		case worker.MilestoneStatus:
			if ms.Label != "" {
				lines = append(lines, "- "+ms.Label)
			}
		case worker.MilestonePhase:
			if ms.Text != "" {
				lines = append(lines, "- "+ms.Text)
			}
		case worker.MilestoneCheckpoint:
			if ms.Event != "" {
				lines = append(lines, "- Checkpoint: "+ms.Event)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// retryDescription rebuilds the task prompt for a retry so the fresh
// session knows what already happened and why the last attempt stopped.
func retryDescription(snap worker.Worker) string {
	var b strings.Builder
	b.WriteString("A previous attempt at this task did not finish. Review the progress below and continue from where it stopped.")

	b.WriteString("\n\n## Original Task\n")
	if snap.TaskTitle != "" {
		b.WriteString(snap.TaskTitle)
		b.WriteString("\n\n")
	}
	b.WriteString(stripTrailingMetadata(snap.TaskDescription))

	if summary := milestoneSummary(snap.Milestones); summary != "" {
		b.WriteString("\n\n## Previous Progress\n")
		b.WriteString(summary)
	}
	if snap.Error != "" {
		b.WriteString("\n\n## Previous Error\n")
		b.WriteString(snap.Error)
	}
	return b.String()
}

// summaryObservation distills a completed session into a workspace
// observation. Sessions with no agent text produce nothing.
func summaryObservation(snap worker.Worker, stats git.Stats) (buildd.Observation, bool) {
	var lastText string
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].Type == "text" {
			lastText = snap.Messages[i].Content
			break
		}
	}
	if lastText == "" {
		return buildd.Observation{}, false
	}

	title := snap.TaskTitle
	if title == "" {
		title = "Task " + snap.TaskID
	}

	content := lastText
	if stats.CommitCount > 0 {
		content += fmt.Sprintf("\n\nCommits: %d, files changed: %d (+%d/-%d)",
			stats.CommitCount, stats.FilesChanged, stats.LinesAdded, stats.LinesRemoved)
	}
	if len(content) > maxMemoryDigestBytes {
		content = content[:maxMemoryDigestBytes]
	}

	return buildd.Observation{
		Type:    "session_summary",
		Title:   "Completed: " + title,
		Content: content,
	}, true
}
