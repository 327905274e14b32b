package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func executionSnapshot(taskID string) *Snapshot {
	return &Snapshot{
		TaskID: taskID,
		Phase:  models.PhaseExecution,
		Payload: &ExecutionPayload{
			SubState:  models.SubStateApplyingChanges,
			Iteration: 2,
			Changes: []models.FileChange{
				{Path: "app.py", Content: "import flask\n"},
				{Path: "util.py", Content: "x = 1\n"},
			},
			AppliedChanges: []string{"app.py"},
			PendingChanges: []string{"util.py"},
		},
	}
}

func TestSaveLoadRoundTripAllPhases(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New().String()

	payloads := []Payload{
		&PlanningPayload{RequestText: "add auth", PlanText: "plan", Discussion: []string{"q", "a"}},
		&PromptApprovalPayload{RequestText: "add auth", Approved: true},
		&IssueCreationPayload{RequestText: "add auth", IssueTitle: "Add auth", IssueNumber: 12},
		&CodeGenerationPayload{RequestText: "add auth", Iteration: 1, Changes: []models.FileChange{{Path: "a.py", Content: "pass\n"}}},
		&ExecutionPayload{SubState: models.SubStateRunningTests, Iteration: 1},
		&PRCreationPayload{SubState: models.SubStateCommitting, Branch: "feat/auth", Title: "Add auth", Draft: true},
	}

	for _, payload := range payloads {
		t.Run(string(payload.Phase()), func(t *testing.T) {
			snap := &Snapshot{TaskID: taskID, Payload: payload}
			require.NoError(t, s.Save(snap))

			loaded, err := s.Load(taskID, payload.Phase())
			require.NoError(t, err)
			assert.Equal(t, CurrentVersion, loaded.Version)
			assert.Equal(t, taskID, loaded.TaskID)
			assert.Equal(t, payload.Phase(), loaded.Phase)
			assert.Equal(t, payload, loaded.Payload)
		})
	}
}

func TestSnapshotFilenameMatchesPhase(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New().String()
	require.NoError(t, s.Save(executionSnapshot(taskID)))

	_, err := os.Stat(filepath.Join(s.BaseDir(), taskID, "execution.json"))
	assert.NoError(t, err)
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("no-such-task", models.PhasePlanning)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveLeavesNoTempFileVisible(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New().String()
	require.NoError(t, s.Save(executionSnapshot(taskID)))

	matches, err := filepath.Glob(filepath.Join(s.BaseDir(), taskID, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCrashBeforeRenamePreservesOldSnapshot(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New().String()
	require.NoError(t, s.Save(executionSnapshot(taskID)))

	// Simulate a crash between temp-write and rename: a stray .tmp file.
	tmpPath := filepath.Join(s.BaseDir(), taskID, "execution.json.tmp")
	require.NoError(t, os.WriteFile(tmpPath, []byte("{partial"), 0o600))

	loaded, err := s.Load(taskID, models.PhaseExecution)
	require.NoError(t, err)
	assert.Equal(t, models.SubStateApplyingChanges, loaded.Payload.(*ExecutionPayload).SubState)

	// The stray temp file must not surface in listings.
	tasks, err := s.ListActive()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, taskID, tasks[0].TaskID)
}

func TestLoadRejectsIdentityMismatch(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New().String()
	require.NoError(t, s.Save(executionSnapshot(taskID)))

	// Copy the snapshot under a different task directory.
	otherTask := uuid.New().String()
	data, err := os.ReadFile(filepath.Join(s.BaseDir(), taskID, "execution.json"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(s.BaseDir(), otherTask), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(s.BaseDir(), otherTask, "execution.json"), data, 0o600))

	_, err = s.Load(otherTask, models.PhaseExecution)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New().String()

	record := map[string]any{
		"state_version": CurrentVersion + 1,
		"task_id":       taskID,
		"phase":         "planning",
		"timestamp":     time.Now().Format(time.RFC3339Nano),
		"request_text":  "x",
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(s.BaseDir(), taskID), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(s.BaseDir(), taskID, "planning.json"), data, 0o600))

	_, err = s.Load(taskID, models.PhasePlanning)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestMigrateV1RenamesTextField(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New().String()

	record := map[string]any{
		"state_version": 1,
		"task_id":       taskID,
		"phase":         "planning",
		"timestamp":     time.Now().Format(time.RFC3339Nano),
		"text":          "legacy request",
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(s.BaseDir(), taskID), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(s.BaseDir(), taskID, "planning.json"), data, 0o600))

	loaded, err := s.Load(taskID, models.PhasePlanning)
	require.NoError(t, err)
	assert.Equal(t, "legacy request", loaded.Payload.(*PlanningPayload).RequestText)
	assert.Equal(t, CurrentVersion, loaded.Version)
}

func TestRecoverFromPrefixGarbage(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New().String()
	require.NoError(t, s.Save(executionSnapshot(taskID)))

	path := filepath.Join(s.BaseDir(), taskID, "execution.json")
	clean, err := os.ReadFile(path)
	require.NoError(t, err)
	corrupted := append([]byte("\x00\x01{garbage} junk "), clean...)
	require.NoError(t, os.WriteFile(path, corrupted, 0o600))

	_, err = s.Load(taskID, models.PhaseExecution)
	require.ErrorIs(t, err, ErrCorrupt)

	recovered, err := s.Recover(taskID, models.PhaseExecution)
	require.NoError(t, err)
	payload := recovered.Payload.(*ExecutionPayload)
	assert.Equal(t, models.SubStateApplyingChanges, payload.SubState)
	assert.Equal(t, []string{"util.py"}, payload.PendingChanges)

	// The recovery re-persisted a clean snapshot.
	loaded, err := s.Load(taskID, models.PhaseExecution)
	require.NoError(t, err)
	assert.Equal(t, payload, loaded.Payload)
}

func TestRecoverFromBackupFile(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New().String()
	snap := executionSnapshot(taskID)
	require.NoError(t, s.Save(snap))

	dir := filepath.Join(s.BaseDir(), taskID)
	clean, err := os.ReadFile(filepath.Join(dir, "execution.json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "execution_backup.json"), clean, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "execution.json"), []byte("totally broken"), 0o600))

	recovered, err := s.Recover(taskID, models.PhaseExecution)
	require.NoError(t, err)
	assert.Equal(t, models.SubStateApplyingChanges, recovered.Payload.(*ExecutionPayload).SubState)
}

func TestRecoverFallsBackToPreviousPhase(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New().String()
	require.NoError(t, s.Save(&Snapshot{TaskID: taskID, Payload: &CodeGenerationPayload{RequestText: "r", Iteration: 1}}))

	dir := filepath.Join(s.BaseDir(), taskID)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "execution.json"), []byte("broken"), 0o600))

	recovered, err := s.Recover(taskID, models.PhaseExecution)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCodeGeneration, recovered.Phase)
}

func TestListActiveSortsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	older := uuid.New().String()
	require.NoError(t, s.Save(&Snapshot{TaskID: older, Payload: &PlanningPayload{RequestText: "older"}}))
	oldTime := time.Now().Add(-1 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.BaseDir(), older, "planning.json"), oldTime, oldTime))

	newer := uuid.New().String()
	require.NoError(t, s.Save(&Snapshot{TaskID: newer, Payload: &PlanningPayload{RequestText: "newer"}}))

	tasks, err := s.ListActive()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, newer, tasks[0].TaskID)
	assert.Equal(t, "newer", tasks[0].RequestText)
	assert.Equal(t, older, tasks[1].TaskID)
}

func TestDeleteAndClearState(t *testing.T) {
	s := newTestStore(t)
	taskID := uuid.New().String()
	require.NoError(t, s.Save(executionSnapshot(taskID)))

	require.NoError(t, s.ClearState(taskID))
	_, err := s.Load(taskID, models.PhaseExecution)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvictOlderThan(t *testing.T) {
	s := newTestStore(t)

	stale := uuid.New().String()
	require.NoError(t, s.Save(&Snapshot{TaskID: stale, Payload: &PlanningPayload{RequestText: "old"}}))
	oldTime := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.BaseDir(), stale), oldTime, oldTime))

	fresh := uuid.New().String()
	require.NoError(t, s.Save(&Snapshot{TaskID: fresh, Payload: &PlanningPayload{RequestText: "new"}}))

	removed, err := s.EvictOlderThan(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	tasks, err := s.ListActive()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, fresh, tasks[0].TaskID)
}
