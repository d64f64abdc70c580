package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildd-ai/runner/internal/worker"
)

// workerColumns is the column list shared by archive queries.
const workerColumns = `id, task_id, task_title, workspace, branch, status, error,
	session_id, commit_count, files_changed, lines_added, lines_removed,
	completed_at, evicted_at, milestones`

// ArchivedWorker is the terminal snapshot kept after a worker is evicted.
// Timestamps are Unix milliseconds, matching the worker record.
type ArchivedWorker struct {
	ID           string
	TaskID       string
	TaskTitle    string
	Workspace    string
	Branch       string
	Status       string
	Error        string
	SessionID    string
	CommitCount  int
	FilesChanged int
	LinesAdded   int
	LinesRemoved int
	CompletedAt  int64 // 0 when the worker never completed
	EvictedAt    int64
	Milestones   []worker.Milestone
}

// FromWorker builds the archive row for w. Stat fields default to the
// recorded commit list; callers holding fresher git stats overwrite them.
func FromWorker(w *worker.Worker, evictedAt time.Time) ArchivedWorker {
	a := ArchivedWorker{
		ID:          w.ID,
		TaskID:      w.TaskID,
		TaskTitle:   w.TaskTitle,
		Workspace:   w.WorkspaceName,
		Branch:      w.Branch,
		Status:      string(w.Status),
		Error:       w.Error,
		SessionID:   w.SessionID,
		CommitCount: len(w.Commits),
		EvictedAt:   evictedAt.UnixMilli(),
		Milestones:  w.Milestones,
	}
	if w.CompletedAt != nil {
		a.CompletedAt = *w.CompletedAt
	}
	return a
}

// WorkerArchive reads and writes archived workers.
type WorkerArchive struct {
	db *sql.DB
}

func newWorkerArchive(db *sql.DB) *WorkerArchive {
	return &WorkerArchive{db: db}
}

// Archive inserts or replaces the row for a.ID.
func (r *WorkerArchive) Archive(a ArchivedWorker) error {
	milestones := []byte("[]")
	if len(a.Milestones) > 0 {
		var err error
		milestones, err = json.Marshal(a.Milestones)
		if err != nil {
			return fmt.Errorf("encoding milestones: %w", err)
		}
	}

	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO workers (`+workerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.TaskTitle, a.Workspace, a.Branch, a.Status, a.Error,
		a.SessionID, a.CommitCount, a.FilesChanged, a.LinesAdded, a.LinesRemoved,
		a.CompletedAt, a.EvictedAt, string(milestones),
	)
	if err != nil {
		return fmt.Errorf("archiving worker %s: %w", a.ID, err)
	}
	return nil
}

// List returns archived workers, newest eviction first. A limit of 0 or
// less returns everything.
func (r *WorkerArchive) List(limit int) ([]ArchivedWorker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers ORDER BY evicted_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing archived workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []ArchivedWorker
	for rows.Next() {
		a, err := scanArchived(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating archived workers: %w", err)
	}
	return workers, nil
}

func scanArchived(scanner interface{ Scan(...any) error }) (ArchivedWorker, error) {
	var (
		a          ArchivedWorker
		milestones string
	)
	err := scanner.Scan(
		&a.ID, &a.TaskID, &a.TaskTitle, &a.Workspace, &a.Branch, &a.Status, &a.Error,
		&a.SessionID, &a.CommitCount, &a.FilesChanged, &a.LinesAdded, &a.LinesRemoved,
		&a.CompletedAt, &a.EvictedAt, &milestones,
	)
	if err != nil {
		return ArchivedWorker{}, fmt.Errorf("scanning archived worker: %w", err)
	}
	if err := json.Unmarshal([]byte(milestones), &a.Milestones); err != nil {
		return ArchivedWorker{}, fmt.Errorf("decoding milestones for %s: %w", a.ID, err)
	}
	return a, nil
}
