package testutil

import (
	"time"

	"github.com/buildd-ai/runner/internal/worker"
)

// WorkerOption configures a worker under construction.
type WorkerOption func(*worker.Worker)

// defaultWorker returns a working-state record with plausible claim fields.
func defaultWorker(id string, now time.Time) *worker.Worker {
	w := worker.New(id, now)
	w.TaskID = "task-" + id
	w.TaskTitle = id // Default title is the ID
	w.WorkspaceID = "ws-1"
	w.WorkspaceName = "acme/web"
	w.Branch = "buildd/" + id
	return w
}

// Task sets the claimed task id and title.
func Task(id, title string) WorkerOption {
	return func(w *worker.Worker) {
		w.TaskID = id
		w.TaskTitle = title
	}
}

// Description sets the task description.
func Description(text string) WorkerOption {
	return func(w *worker.Worker) { w.TaskDescription = text }
}

// Workspace sets the workspace id and name.
func Workspace(id, name string) WorkerOption {
	return func(w *worker.Worker) {
		w.WorkspaceID = id
		w.WorkspaceName = name
	}
}

// Branch sets the working branch.
func Branch(name string) WorkerOption {
	return func(w *worker.Worker) { w.Branch = name }
}

// Status sets the lifecycle status.
func Status(s worker.Status) WorkerOption {
	return func(w *worker.Worker) { w.Status = s }
}

// SessionID sets the engine resume anchor.
func SessionID(id string) WorkerOption {
	return func(w *worker.Worker) { w.SessionID = id }
}

// LastActivity sets the activity timestamp.
func LastActivity(at time.Time) WorkerOption {
	return func(w *worker.Worker) { w.LastActivity = at.UnixMilli() }
}

// CompletedAt sets the completion timestamp without touching the status.
func CompletedAt(at time.Time) WorkerOption {
	return func(w *worker.Worker) {
		ms := at.UnixMilli()
		w.CompletedAt = &ms
	}
}

// Done marks the worker completed at the given time.
func Done(at time.Time) WorkerOption {
	return func(w *worker.Worker) {
		ms := at.UnixMilli()
		w.Status = worker.StatusDone
		w.CompletedAt = &ms
		w.LastActivity = ms
	}
}

// Failed marks the worker failed at the given time with the given message.
func Failed(msg string, at time.Time) WorkerOption {
	return func(w *worker.Worker) {
		ms := at.UnixMilli()
		w.Status = worker.StatusError
		w.Error = msg
		w.CompletedAt = &ms
		w.LastActivity = ms
	}
}

// Question blocks the worker on a user question with the given choices.
func Question(prompt string, options ...string) WorkerOption {
	return func(w *worker.Worker) {
		wf := &worker.WaitingFor{Type: "question", Prompt: prompt}
		for _, label := range options {
			wf.Options = append(wf.Options, worker.Option{Label: label})
		}
		w.Status = worker.StatusWaiting
		w.WaitingFor = wf
	}
}

// PlanApproval blocks the worker on plan approval with the given plan text.
func PlanApproval(prompt, plan string) WorkerOption {
	return func(w *worker.Worker) {
		w.Status = worker.StatusWaiting
		w.WaitingFor = &worker.WaitingFor{Type: "plan_approval", Prompt: prompt}
		w.PlanContent = plan
	}
}

// Commits sets the observed commit list.
func Commits(commits ...worker.Commit) WorkerOption {
	return func(w *worker.Worker) { w.Commits = commits }
}

// Commit builds a commit entry for use with Commits.
func Commit(sha, message string) worker.Commit {
	return worker.Commit{SHA: sha, Message: message}
}

// Milestones sets the milestone timeline.
func Milestones(ms ...worker.Milestone) WorkerOption {
	return func(w *worker.Worker) { w.Milestones = ms }
}

// Messages sets the conversation timeline.
func Messages(msgs ...worker.Message) WorkerOption {
	return func(w *worker.Worker) { w.Messages = msgs }
}

// Output sets the captured output lines.
func Output(lines ...string) WorkerOption {
	return func(w *worker.Worker) { w.Output = lines }
}

// Worktree sets the git worktree path.
func Worktree(path string) WorkerOption {
	return func(w *worker.Worker) { w.WorktreePath = path }
}
