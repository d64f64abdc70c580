// Package presentation shapes runner records for CLI output.
package presentation

import (
	"time"

	"github.com/buildd-ai/runner/internal/history"
	"github.com/buildd-ai/runner/internal/worker"
)

// WorkerDTO is the workers-command view of a stored or live worker.
type WorkerDTO struct {
	ID            string `json:"id"`
	TaskID        string `json:"taskId,omitempty"`
	TaskTitle     string `json:"taskTitle,omitempty"`
	Workspace     string `json:"workspace,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	CurrentAction string `json:"currentAction,omitempty"`
	WaitingFor    string `json:"waitingFor,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	LastActivity  string `json:"lastActivity,omitempty"`
	CompletedAt   string `json:"completedAt,omitempty"`
	Commits       int    `json:"commits"`
	Milestones    int    `json:"milestones"`
	Messages      int    `json:"messages"`
}

// ArchivedWorkerDTO is the workers --history view of an archived row.
type ArchivedWorkerDTO struct {
	ID           string `json:"id"`
	TaskID       string `json:"taskId,omitempty"`
	TaskTitle    string `json:"taskTitle,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
	Branch       string `json:"branch,omitempty"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	CommitCount  int    `json:"commitCount"`
	FilesChanged int    `json:"filesChanged"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`
	CompletedAt  string `json:"completedAt,omitempty"`
	EvictedAt    string `json:"evictedAt,omitempty"`
	Milestones   int    `json:"milestones"`
}

// FromWorker converts a worker record to its listing view.
func FromWorker(w *worker.Worker) WorkerDTO {
	dto := WorkerDTO{
		ID:            w.ID,
		TaskID:        w.TaskID,
		TaskTitle:     w.TaskTitle,
		Workspace:     w.WorkspaceName,
		Branch:        w.Branch,
		Status:        string(w.Status),
		Error:         w.Error,
		CurrentAction: w.CurrentAction,
		SessionID:     w.SessionID,
		LastActivity:  formatMillis(w.LastActivity),
		Commits:       len(w.Commits),
		Milestones:    len(w.Milestones),
		Messages:      len(w.Messages),
	}
	if w.WaitingFor != nil {
		dto.WaitingFor = w.WaitingFor.Type
	}
	if w.CompletedAt != nil {
		dto.CompletedAt = formatMillis(*w.CompletedAt)
	}
	return dto
}

// FromWorkers converts a store scan to listing views.
func FromWorkers(workers []*worker.Worker) []WorkerDTO {
	dtos := make([]WorkerDTO, len(workers))
	for i, w := range workers {
		dtos[i] = FromWorker(w)
	}
	return dtos
}

// FromArchived converts an archive row to its listing view.
func FromArchived(a history.ArchivedWorker) ArchivedWorkerDTO {
	return ArchivedWorkerDTO{
		ID:           a.ID,
		TaskID:       a.TaskID,
		TaskTitle:    a.TaskTitle,
		Workspace:    a.Workspace,
		Branch:       a.Branch,
		Status:       a.Status,
		Error:        a.Error,
		SessionID:    a.SessionID,
		CommitCount:  a.CommitCount,
		FilesChanged: a.FilesChanged,
		LinesAdded:   a.LinesAdded,
		LinesRemoved: a.LinesRemoved,
		CompletedAt:  formatMillis(a.CompletedAt),
		EvictedAt:    formatMillis(a.EvictedAt),
		Milestones:   len(a.Milestones),
	}
}

// FromArchivedList converts archive rows to listing views.
func FromArchivedList(rows []history.ArchivedWorker) []ArchivedWorkerDTO {
	dtos := make([]ArchivedWorkerDTO, len(rows))
	for i, a := range rows {
		dtos[i] = FromArchived(a)
	}
	return dtos
}

// formatMillis renders a Unix-millisecond timestamp; zero means unset.
func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
