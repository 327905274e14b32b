package state

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

// Recover attempts to salvage a snapshot whose primary file failed to
// parse. Strategies, in order:
//
//  1. Scan the raw file for the first position where the remainder parses
//     as a valid record with matching identity (handles prefix garbage).
//  2. Fall back to the most recent <phase>_*.json backup file.
//  3. Fall back to the previous phase's snapshot.
//
// Recoveries from strategies 1 and 2 are immediately re-persisted as a
// clean snapshot.
func (s *Store) Recover(taskID string, phase models.Phase) (*Snapshot, error) {
	log := slog.With("task_id", taskID, "phase", phase)

	if snap, ok := s.recoverFromRawScan(taskID, phase); ok {
		log.Info("Recovered snapshot by raw scan")
		recoveriesTotal.WithLabelValues("raw_scan").Inc()
		if err := s.Save(snap); err != nil {
			return nil, fmt.Errorf("re-persist recovered snapshot: %w", err)
		}
		return snap, nil
	}

	if snap, ok := s.recoverFromBackup(taskID, phase); ok {
		log.Info("Recovered snapshot from backup file")
		recoveriesTotal.WithLabelValues("backup").Inc()
		if err := s.Save(snap); err != nil {
			return nil, fmt.Errorf("re-persist recovered snapshot: %w", err)
		}
		return snap, nil
	}

	if prev, ok := phase.Previous(); ok {
		snap, err := s.Load(taskID, prev)
		if err == nil {
			log.Info("Falling back to previous phase snapshot", "previous_phase", prev)
			recoveriesTotal.WithLabelValues("previous_phase").Inc()
			return snap, nil
		}
	}

	return nil, fmt.Errorf("%w: recovery failed for task %s phase %s", ErrCorrupt, taskID, phase)
}

// recoverFromRawScan tries to parse the file remainder starting at each
// '{' position until a valid record with matching identity emerges.
func (s *Store) recoverFromRawScan(taskID string, phase models.Phase) (*Snapshot, bool) {
	data, err := os.ReadFile(s.snapshotPath(taskID, phase))
	if err != nil {
		return nil, false
	}

	for offset := 0; offset < len(data); {
		idx := bytes.IndexByte(data[offset:], '{')
		if idx < 0 {
			break
		}
		start := offset + idx
		if snap, err := parseSnapshot(data[start:], taskID, phase); err == nil {
			return snap, true
		}
		offset = start + 1
	}
	return nil, false
}

// recoverFromBackup tries <phase>_*.json backup files, newest mtime first.
func (s *Store) recoverFromBackup(taskID string, phase models.Phase) (*Snapshot, bool) {
	pattern := filepath.Join(s.taskDir(taskID), string(phase)+"_*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return nil, false
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	candidates := make([]candidate, 0, len(matches))
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: path, mtime: fi.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].mtime.After(candidates[j].mtime)
	})

	for _, c := range candidates {
		data, err := os.ReadFile(c.path)
		if err != nil {
			continue
		}
		if snap, err := parseSnapshot(data, taskID, phase); err == nil {
			return snap, true
		}
	}
	return nil, false
}
