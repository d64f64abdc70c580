// Package store persists worker records to disk, one JSON file per worker,
// written atomically via a sibling temp file. Records carry a version and a
// save timestamp; anything older than 24 hours is discarded on load.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildd-ai/runner/internal/log"
	"github.com/buildd-ai/runner/internal/worker"
)

// Version is the on-disk format version.
const Version = 1

// maxAge is how long a record stays loadable.
const maxAge = 24 * time.Hour

// ErrNotFound is returned when no record exists for the worker id.
var ErrNotFound = errors.New("worker record not found")

// record is the on-disk shape: metadata plus the persisted subset of the
// worker fields. Transient fields (currentAction, hasNewActivity, phase
// tracker, checkpoints) are reconstructed as zero values on load.
type record struct {
	Version int   `json:"_version"`
	SavedAt int64 `json:"_savedAt"`

	ID              string              `json:"id"`
	TaskID          string              `json:"taskId"`
	TaskTitle       string              `json:"taskTitle"`
	TaskDescription string              `json:"taskDescription"`
	WorkspaceID     string              `json:"workspaceId"`
	WorkspaceName   string              `json:"workspaceName"`
	Branch          string              `json:"branch"`
	Status          worker.Status       `json:"status"`
	Error           string              `json:"error,omitempty"`
	LastActivity    int64               `json:"lastActivity"`
	CompletedAt     *int64              `json:"completedAt,omitempty"`
	SessionID       string              `json:"sessionId,omitempty"`
	WaitingFor      *worker.WaitingFor  `json:"waitingFor,omitempty"`
	PlanContent     string              `json:"planContent,omitempty"`
	Messages        []worker.Message    `json:"messages"`
	ToolCalls       []worker.ToolCall   `json:"toolCalls"`
	Milestones      []worker.Milestone  `json:"milestones"`
	Commits         []worker.Commit     `json:"commits"`
	Output          []string            `json:"output"`
	TeamState       *worker.TeamState   `json:"teamState,omitempty"`
	WorktreePath    string              `json:"worktreePath,omitempty"`
}

// Store saves and loads worker records under one directory.
type Store struct {
	dir string
}

// New creates the directory if needed and returns a store over it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create worker store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the worker's persisted fields atomically: temp file, fsync,
// rename. The caller passes a snapshot; bounds are re-applied before write
// and oversized tool inputs are truncated.
func (s *Store) Save(w worker.Worker) error {
	rec := toRecord(&w, time.Now())
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode worker %s: %w", w.ID, err)
	}

	final := s.path(w.ID)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Load reads one worker record. Records older than 24 hours are deleted and
// reported as not found.
func (s *Store) Load(id string) (*worker.Worker, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read worker %s: %w", id, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse worker %s: %w", id, err)
	}
	if s.expired(rec.SavedAt) {
		os.Remove(s.path(id))
		return nil, ErrNotFound
	}
	return fromRecord(&rec), nil
}

// LoadAll scans the store directory: orphan .tmp files are deleted, expired
// and unparsable records are deleted, everything else loads. Individual
// failures are logged and skipped.
func (s *Store) LoadAll() ([]*worker.Worker, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan worker store: %w", err)
	}

	var workers []*worker.Worker
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		full := filepath.Join(s.dir, name)

		if strings.HasSuffix(name, ".tmp") {
			// Leftover from an interrupted save.
			if err := os.Remove(full); err != nil {
				log.Warn(log.CatStore, "removing orphan temp file failed", "file", name, "error", err)
			}
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(full)
		if err != nil {
			log.Warn(log.CatStore, "reading worker record failed", "file", name, "error", err)
			continue
		}

		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warn(log.CatStore, "deleting unparsable worker record", "file", name, "error", err)
			os.Remove(full)
			continue
		}
		if s.expired(rec.SavedAt) {
			log.Debug(log.CatStore, "deleting expired worker record", "file", name)
			os.Remove(full)
			continue
		}
		workers = append(workers, fromRecord(&rec))
	}
	return workers, nil
}

// Delete removes the worker's disk record. Missing files are not an error.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) expired(savedAt int64) bool {
	return time.Since(time.UnixMilli(savedAt)) > maxAge
}

func toRecord(w *worker.Worker, now time.Time) *record {
	return &record{
		Version: Version,
		SavedAt: now.UnixMilli(),

		ID:              w.ID,
		TaskID:          w.TaskID,
		TaskTitle:       w.TaskTitle,
		TaskDescription: w.TaskDescription,
		WorkspaceID:     w.WorkspaceID,
		WorkspaceName:   w.WorkspaceName,
		Branch:          w.Branch,
		Status:          w.Status,
		Error:           w.Error,
		LastActivity:    w.LastActivity,
		CompletedAt:     w.CompletedAt,
		SessionID:       w.SessionID,
		WaitingFor:      w.WaitingFor,
		PlanContent:     w.PlanContent,
		Messages:        tail(w.Messages, worker.MaxMessages),
		ToolCalls:       boundToolCalls(tail(w.ToolCalls, worker.MaxToolCalls)),
		Milestones:      tail(w.Milestones, worker.MaxMilestones),
		Commits:         tail(w.Commits, worker.MaxCommits),
		Output:          tail(w.Output, worker.MaxOutputLines),
		TeamState:       boundTeamState(w.TeamState),
		WorktreePath:    w.WorktreePath,
	}
}

func fromRecord(rec *record) *worker.Worker {
	w := &worker.Worker{
		ID:              rec.ID,
		TaskID:          rec.TaskID,
		TaskTitle:       rec.TaskTitle,
		TaskDescription: rec.TaskDescription,
		WorkspaceID:     rec.WorkspaceID,
		WorkspaceName:   rec.WorkspaceName,
		Branch:          rec.Branch,
		Status:          rec.Status,
		Error:           rec.Error,
		LastActivity:    rec.LastActivity,
		CompletedAt:     rec.CompletedAt,
		SessionID:       rec.SessionID,
		WaitingFor:      rec.WaitingFor,
		PlanContent:     rec.PlanContent,
		Messages:        rec.Messages,
		ToolCalls:       rec.ToolCalls,
		Milestones:      rec.Milestones,
		Commits:         rec.Commits,
		Output:          rec.Output,
		TeamState:       rec.TeamState,
		WorktreePath:    rec.WorktreePath,
	}
	w.RebuildCheckpointEvents()
	return w
}

// boundToolCalls replaces any tool input whose JSON encoding exceeds the
// persistence cap with {"_truncated": "<first 500 bytes>"}.
func boundToolCalls(calls []worker.ToolCall) []worker.ToolCall {
	out := make([]worker.ToolCall, len(calls))
	for i, tc := range calls {
		if len(tc.Input) > worker.MaxToolInputBytes {
			truncated, _ := json.Marshal(map[string]string{
				"_truncated": string(tc.Input[:worker.MaxToolInputBytes]),
			})
			tc.Input = truncated
		}
		out[i] = tc
	}
	return out
}

func boundTeamState(ts *worker.TeamState) *worker.TeamState {
	if ts == nil {
		return nil
	}
	bounded := *ts
	bounded.Messages = tail(ts.Messages, worker.MaxTeamMessages)
	return &bounded
}

func tail[T any](list []T, max int) []T {
	if len(list) > max {
		return list[len(list)-max:]
	}
	return list
}
