package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/buildd-ai/runner/internal/worker"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "workers"))
	require.NoError(t, err)
	return s
}

func sampleWorker() worker.Worker {
	now := time.Now()
	w := worker.New("w-1", now)
	w.TaskID = "task-1"
	w.TaskTitle = "Fix the parser"
	w.TaskDescription = "Fix the tokenizer edge case"
	w.WorkspaceID = "ws-1"
	w.WorkspaceName = "acme/api"
	w.Branch = "buildd/fix-parser"
	w.SessionID = "s-xyz"
	w.AppendMessage(worker.Message{Type: "text", Content: "hello", Timestamp: now.UnixMilli()})
	w.AppendToolCall(worker.ToolCall{Name: "Read", Timestamp: now.UnixMilli(), Input: []byte(`{"file_path":"/a"}`)})
	w.AppendMilestone(worker.StatusMilestone("started", now))
	w.AppendCommit(worker.Commit{SHA: "abc", Message: "fix"})
	w.AppendOutput("line one")
	return *w
}

// === Round trip ===

func TestStore_SaveLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	w := sampleWorker()

	// Transient state present before save must not survive the round trip.
	w.HasNewActivity = true
	w.CurrentAction = "Editing files"
	w.Checkpoints = []worker.Checkpoint{{UUID: "u", Event: "e", SHA: "s"}}
	w.StartPhase("open phase", time.Now())

	require.NoError(t, s.Save(w))

	got, err := s.Load("w-1")
	require.NoError(t, err)

	require.Equal(t, w.ID, got.ID)
	require.Equal(t, w.TaskID, got.TaskID)
	require.Equal(t, w.TaskTitle, got.TaskTitle)
	require.Equal(t, w.TaskDescription, got.TaskDescription)
	require.Equal(t, w.WorkspaceID, got.WorkspaceID)
	require.Equal(t, w.WorkspaceName, got.WorkspaceName)
	require.Equal(t, w.Branch, got.Branch)
	require.Equal(t, w.Status, got.Status)
	require.Equal(t, w.LastActivity, got.LastActivity)
	require.Equal(t, "s-xyz", got.SessionID)
	require.Equal(t, w.Messages, got.Messages)
	require.Equal(t, w.ToolCalls, got.ToolCalls)
	require.Equal(t, w.Milestones, got.Milestones)
	require.Equal(t, w.Commits, got.Commits)
	require.Equal(t, w.Output, got.Output)

	// Transients reset to documented defaults.
	require.False(t, got.HasNewActivity)
	require.Empty(t, got.CurrentAction)
	require.Nil(t, got.Checkpoints)
	require.Nil(t, got.PhaseText)
	require.Nil(t, got.PhaseStart)
	require.Zero(t, got.PhaseToolCount)
}

func TestStore_Load_RebuildsCheckpointEvents(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	w := sampleWorker()
	w.AppendMilestone(worker.CheckpointMilestone("Add parser", "u-1", "sha1", now))
	w.AppendMilestone(worker.CheckpointMilestone("Fix tests", "u-2", "sha2", now))

	require.NoError(t, s.Save(w))
	got, err := s.Load("w-1")
	require.NoError(t, err)

	require.Len(t, got.CheckpointEvents, 2)
	require.True(t, got.CheckpointEvents["Add parser"])
	require.True(t, got.CheckpointEvents["Fix tests"])
}

func TestStore_RoundTrip_Property(t *testing.T) {
	s := newTestStore(t)

	rapid.Check(t, func(t *rapid.T) {
		now := time.Now()
		w := worker.New(rapid.StringMatching(`w-[a-z0-9]{4,12}`).Draw(t, "id"), now)
		w.TaskTitle = rapid.StringMatching(`[ -~]{0,60}`).Draw(t, "title")
		w.SessionID = rapid.StringMatching(`s-[a-f0-9]{8}`).Draw(t, "sessionId")
		w.Status = worker.Status(rapid.SampledFrom([]string{
			"idle", "working", "waiting", "stale", "done", "error",
		}).Draw(t, "status"))

		numMsgs := rapid.IntRange(0, 20).Draw(t, "numMsgs")
		for i := 0; i < numMsgs; i++ {
			w.AppendMessage(worker.Message{Type: "text", Content: "c", Timestamp: now.UnixMilli()})
		}

		if err := s.Save(*w); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := s.Load(w.ID)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.SessionID != w.SessionID {
			t.Fatalf("sessionId changed: %q != %q", got.SessionID, w.SessionID)
		}
		if got.Status != w.Status {
			t.Fatalf("status changed: %q != %q", got.Status, w.Status)
		}
		if len(got.Messages) != len(w.Messages) {
			t.Fatalf("message count changed: %d != %d", len(got.Messages), len(w.Messages))
		}
	})
}

// === Tool input truncation ===

func TestStore_Save_TruncatesOversizedToolInput(t *testing.T) {
	s := newTestStore(t)
	w := sampleWorker()

	big, err := json.Marshal(map[string]string{"content": strings.Repeat("x", 2000)})
	require.NoError(t, err)
	require.Greater(t, len(big), worker.MaxToolInputBytes)
	w.ToolCalls = []worker.ToolCall{{Name: "Write", Input: big}}

	require.NoError(t, s.Save(w))
	got, err := s.Load("w-1")
	require.NoError(t, err)

	var truncated map[string]string
	require.NoError(t, json.Unmarshal(got.ToolCalls[0].Input, &truncated))
	require.Equal(t, string(big[:worker.MaxToolInputBytes]), truncated["_truncated"])
}

func TestStore_Save_KeepsSmallToolInput(t *testing.T) {
	s := newTestStore(t)
	w := sampleWorker()

	require.NoError(t, s.Save(w))
	got, err := s.Load("w-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"file_path":"/a"}`, string(got.ToolCalls[0].Input))
}

// === Atomic write ===

func TestStore_Save_LeavesNoTempFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(sampleWorker()))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}

	// The record itself is in place.
	_, err = os.Stat(filepath.Join(s.Dir(), "w-1.json"))
	require.NoError(t, err)
}

// === Load edge cases ===

func TestStore_Load_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Load_ExpiredRecordDeleted(t *testing.T) {
	s := newTestStore(t)
	writeRecord(t, s, "old", time.Now().Add(-25*time.Hour))

	_, err := s.Load("old")
	require.ErrorIs(t, err, ErrNotFound)

	_, statErr := os.Stat(filepath.Join(s.Dir(), "old.json"))
	require.True(t, os.IsNotExist(statErr))
}

func TestStore_Load_FreshRecordSurvives(t *testing.T) {
	s := newTestStore(t)
	writeRecord(t, s, "fresh", time.Now().Add(-23*time.Hour))

	got, err := s.Load("fresh")
	require.NoError(t, err)
	require.Equal(t, "fresh", got.ID)
}

// === LoadAll ===

func TestStore_LoadAll_CleansAndSkips(t *testing.T) {
	s := newTestStore(t)

	// One good record.
	require.NoError(t, s.Save(sampleWorker()))
	// One orphan temp file.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "orphan.json.tmp"), []byte("{"), 0o600))
	// One unparsable record.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "corrupt.json"), []byte("{not json"), 0o600))
	// One expired record.
	writeRecord(t, s, "expired", time.Now().Add(-48*time.Hour))
	// A stray non-JSON file is ignored, not deleted.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("keep"), 0o600))

	workers, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "w-1", workers[0].ID)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{"w-1.json", "notes.txt"}, names)
}

func TestStore_LoadAll_EmptyDir(t *testing.T) {
	s := newTestStore(t)
	workers, err := s.LoadAll()
	require.NoError(t, err)
	require.Empty(t, workers)
}

// === Delete ===

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(sampleWorker()))

	require.NoError(t, s.Delete("w-1"))
	_, err := s.Load("w-1")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing record is not an error.
	require.NoError(t, s.Delete("w-1"))
}

// writeRecord writes a minimal valid record with a chosen save time.
func writeRecord(t *testing.T, s *Store, id string, savedAt time.Time) {
	t.Helper()
	rec := record{Version: Version, SavedAt: savedAt.UnixMilli(), ID: id, Status: worker.StatusDone}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), id+".json"), data, 0o600))
}
