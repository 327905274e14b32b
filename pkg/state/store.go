// Package state persists workflow snapshots as versioned JSON files,
// one per (task, phase), with atomic writes, corruption recovery, and
// age-based eviction.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

// CurrentVersion is the snapshot format version written by this build.
const CurrentVersion = 2

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no snapshot exists for the (task, phase) pair.
	ErrNotFound = errors.New("snapshot not found")

	// ErrCorrupt indicates a snapshot that failed to parse or whose
	// embedded identity does not match its location.
	ErrCorrupt = errors.New("corrupt snapshot")

	// ErrIncompatibleVersion indicates a snapshot written by a newer build.
	ErrIncompatibleVersion = errors.New("incompatible state version")
)

var (
	savesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_state_saves_total",
		Help: "Snapshot saves completed.",
	})
	recoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_state_recoveries_total",
		Help: "Successful snapshot recoveries, by strategy.",
	}, []string{"strategy"})
)

// Snapshot is a durable, versioned record of state for a (task, phase)
// pair. Snapshots are immutable once saved; a new save replaces the file
// atomically.
type Snapshot struct {
	Version   int
	TaskID    string
	Phase     models.Phase
	Timestamp time.Time
	Payload   Payload
}

// snapshotHeader is the fixed portion of the on-disk record.
type snapshotHeader struct {
	StateVersion int          `json:"state_version"`
	TaskID       string       `json:"task_id"`
	Phase        models.Phase `json:"phase"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Store is the filesystem-backed snapshot store. Layout:
// <baseDir>/<task_id>/<phase>.json. All files are owner-only.
type Store struct {
	baseDir string
}

// New creates the store, making baseDir if needed.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) taskDir(taskID string) string {
	return filepath.Join(s.baseDir, taskID)
}

func (s *Store) snapshotPath(taskID string, phase models.Phase) string {
	return filepath.Join(s.taskDir(taskID), string(phase)+".json")
}

// Save writes the snapshot atomically: serialize to a sibling .tmp with
// owner-only permissions, then rename over the target. A crash before the
// rename leaves the previous snapshot intact.
func (s *Store) Save(snap *Snapshot) error {
	if snap.TaskID == "" {
		return fmt.Errorf("save snapshot: empty task id")
	}
	if snap.Payload == nil {
		return fmt.Errorf("save snapshot: nil payload")
	}
	if snap.Phase == "" {
		snap.Phase = snap.Payload.Phase()
	}
	if snap.Phase != snap.Payload.Phase() {
		return fmt.Errorf("save snapshot: phase %s does not match payload phase %s", snap.Phase, snap.Payload.Phase())
	}
	if snap.Version == 0 {
		snap.Version = CurrentVersion
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	data, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}

	dir := s.taskDir(snap.TaskID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}

	target := s.snapshotPath(snap.TaskID, snap.Phase)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		// Best effort: do not leave the temp file behind.
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot into place: %w", err)
	}

	savesTotal.Inc()
	return nil
}

// Load reads, migrates and validates the snapshot for (taskID, phase).
// Returns ErrNotFound when absent and an ErrCorrupt-wrapped error on parse
// failure; callers may then attempt Recover.
func (s *Store) Load(taskID string, phase models.Phase) (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(taskID, phase))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: task %s phase %s", ErrNotFound, taskID, phase)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return parseSnapshot(data, taskID, phase)
}

// marshalSnapshot flattens header and payload fields into one top-level
// JSON object, matching the on-disk format.
func marshalSnapshot(snap *Snapshot) ([]byte, error) {
	merged := map[string]any{}

	payloadJSON, err := json.Marshal(snap.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &merged); err != nil {
		return nil, fmt.Errorf("flatten payload: %w", err)
	}

	merged["state_version"] = snap.Version
	merged["task_id"] = snap.TaskID
	merged["phase"] = snap.Phase
	merged["timestamp"] = snap.Timestamp.Format(time.RFC3339Nano)

	return json.MarshalIndent(merged, "", "  ")
}

// parseSnapshot decodes a raw snapshot, migrating old versions and
// verifying the embedded identity against the file location.
func parseSnapshot(data []byte, taskID string, phase models.Phase) (*Snapshot, error) {
	var header snapshotHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if header.StateVersion > CurrentVersion {
		return nil, fmt.Errorf("%w: snapshot version %d, supported up to %d",
			ErrIncompatibleVersion, header.StateVersion, CurrentVersion)
	}
	if header.StateVersion < CurrentVersion {
		migrated, err := migrate(data, header.StateVersion)
		if err != nil {
			return nil, err
		}
		data = migrated
		header.StateVersion = CurrentVersion
	}

	if header.TaskID != taskID {
		return nil, fmt.Errorf("%w: task id %q does not match location %q", ErrCorrupt, header.TaskID, taskID)
	}
	if header.Phase != phase {
		return nil, fmt.Errorf("%w: phase %q does not match filename %q", ErrCorrupt, header.Phase, phase)
	}

	construct, ok := payloadConstructors[phase]
	if !ok {
		return nil, fmt.Errorf("%w: unknown phase %q", ErrCorrupt, phase)
	}
	payload := construct()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}

	return &Snapshot{
		Version:   header.StateVersion,
		TaskID:    header.TaskID,
		Phase:     header.Phase,
		Timestamp: header.Timestamp,
		Payload:   payload,
	}, nil
}

// ListActive enumerates task directories and returns the most recently
// written snapshot's metadata per task, sorted newest first. Temp files
// are never considered.
func (s *Store) ListActive() ([]models.TaskInfo, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list state dir: %w", err)
	}

	var tasks []models.TaskInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, ok := s.newestSnapshotInfo(entry.Name())
		if ok {
			tasks = append(tasks, info)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})
	return tasks, nil
}

// newestSnapshotInfo finds the snapshot with the latest mtime in a task
// directory and extracts its listing metadata.
func (s *Store) newestSnapshotInfo(taskID string) (models.TaskInfo, bool) {
	dir := s.taskDir(taskID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return models.TaskInfo{}, false
	}

	var newestPath string
	var newestTime time.Time
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if newestPath == "" || fi.ModTime().After(newestTime) {
			newestPath = filepath.Join(dir, name)
			newestTime = fi.ModTime()
		}
	}
	if newestPath == "" {
		return models.TaskInfo{}, false
	}

	data, err := os.ReadFile(newestPath)
	if err != nil {
		return models.TaskInfo{}, false
	}
	var meta struct {
		Phase       models.Phase `json:"phase"`
		RequestText string       `json:"request_text"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		slog.Warn("Skipping unreadable snapshot in listing", "path", newestPath, "error", err)
		return models.TaskInfo{}, false
	}

	return models.TaskInfo{
		TaskID:      taskID,
		Phase:       meta.Phase,
		RequestText: meta.RequestText,
		UpdatedAt:   newestTime,
	}, true
}

// Delete removes the task directory and every snapshot in it.
func (s *Store) Delete(taskID string) error {
	return os.RemoveAll(s.taskDir(taskID))
}

// ClearState removes a completed task's snapshots. Alias of Delete, used
// on successful completion.
func (s *Store) ClearState(taskID string) error {
	return s.Delete(taskID)
}

// EvictOlderThan deletes task directories whose mtime is older than
// maxAge and returns the number removed.
func (s *Store) EvictOlderThan(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("list state dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(s.baseDir, entry.Name())); err != nil {
				slog.Error("Failed to evict old task", "task_id", entry.Name(), "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Evicted old tasks", "count", removed)
	}
	return removed, nil
}

// migrate upgrades raw snapshot bytes one version at a time until they
// reach CurrentVersion.
func migrate(data []byte, fromVersion int) ([]byte, error) {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: migration source: %v", ErrCorrupt, err)
	}

	for v := fromVersion; v < CurrentVersion; v++ {
		switch v {
		case 1:
			migrateV1ToV2(raw)
		default:
			return nil, fmt.Errorf("%w: no migration from version %d", ErrIncompatibleVersion, v)
		}
	}
	raw["state_version"] = CurrentVersion
	return json.Marshal(raw)
}

// migrateV1ToV2 renames the v1 "text" field to "request_text".
func migrateV1ToV2(raw map[string]any) {
	if _, has := raw["request_text"]; has {
		return
	}
	if text, ok := raw["text"]; ok {
		raw["request_text"] = text
		delete(raw, "text")
	}
}
