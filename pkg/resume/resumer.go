// Package resume lets a restarted process pick up an interrupted run. The
// resumer inspects the state store, proposes the newest interrupted task,
// and hands its snapshot to the orchestrator's phase-specific entry point.
package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/noelgit/agent-s3-sub005/pkg/faults"
	"github.com/noelgit/agent-s3-sub005/pkg/models"
	"github.com/noelgit/agent-s3-sub005/pkg/state"
	"github.com/noelgit/agent-s3-sub005/pkg/tools"
)

const component = "resumer"

// Runner is the orchestrator surface the resumer dispatches into.
type Runner interface {
	RunWithTask(ctx context.Context, taskID, task string) error
	ResumeExecution(ctx context.Context, taskID string, payload *state.ExecutionPayload) error
	ResumePRCreation(ctx context.Context, taskID string, payload *state.PRCreationPayload, paths []string) error
}

// Resumer re-enters interrupted tasks at the right phase boundary.
type Resumer struct {
	store     *state.Store
	runner    Runner
	moderator tools.Moderator
}

// New creates a Resumer over the store and orchestrator.
func New(store *state.Store, runner Runner, moderator tools.Moderator) *Resumer {
	return &Resumer{store: store, runner: runner, moderator: moderator}
}

// ListInterrupted returns the store's active tasks, newest first.
func (r *Resumer) ListInterrupted() ([]models.TaskInfo, error) {
	return r.store.ListActive()
}

// AutoResume proposes the newest interrupted task and, when the user
// confirms, resumes it. Returns false when there was nothing to resume or
// the user declined.
func (r *Resumer) AutoResume(ctx context.Context) (bool, error) {
	tasks, err := r.ListInterrupted()
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}
	newest := tasks[0]

	prompt := fmt.Sprintf("Resume interrupted task %s (phase %s", newest.TaskID, newest.Phase)
	if newest.RequestText != "" {
		prompt = fmt.Sprintf("%s, %q", prompt, newest.RequestText)
	}
	prompt += ")?"

	confirmed, err := r.moderator.AskYesNo(ctx, prompt)
	if err != nil {
		return false, faults.Wrap(err, faults.CategoryCoordination, component, "confirm resume")
	}
	if !confirmed {
		slog.Info("Resume declined", "task_id", newest.TaskID)
		return false, nil
	}
	return true, r.Resume(ctx, newest.TaskID, newest.Phase)
}

// Resume loads the snapshot for an explicit task and phase, recovering
// from corruption when needed, and dispatches it.
func (r *Resumer) Resume(ctx context.Context, taskID string, phase models.Phase) error {
	snap, err := r.load(taskID, phase)
	if err != nil {
		return err
	}
	slog.Info("Resuming task", "task_id", taskID, "phase", phase)
	return r.dispatch(ctx, snap)
}

// load reads the snapshot, falling back to the store's recovery chain when
// the primary file is corrupt.
func (r *Resumer) load(taskID string, phase models.Phase) (*state.Snapshot, error) {
	snap, err := r.store.Load(taskID, phase)
	if err == nil {
		return snap, nil
	}
	if errors.Is(err, state.ErrCorrupt) {
		slog.Warn("Snapshot corrupt, attempting recovery", "task_id", taskID, "phase", phase)
		return r.store.Recover(taskID, phase)
	}
	return nil, err
}

// dispatch hands the snapshot to the orchestrator entry point matching its
// phase. Phases before execution have no irreversible side effects, so
// they restart the chain from planning with the recorded request text.
func (r *Resumer) dispatch(ctx context.Context, snap *state.Snapshot) error {
	switch payload := snap.Payload.(type) {
	case *state.PlanningPayload:
		return r.restart(ctx, snap.TaskID, payload.RequestText)
	case *state.PromptApprovalPayload:
		return r.restart(ctx, snap.TaskID, payload.RequestText)
	case *state.IssueCreationPayload:
		return r.restart(ctx, snap.TaskID, payload.RequestText)
	case *state.CodeGenerationPayload:
		// Generated-but-unapplied changes are cheap to reproduce and may
		// be stale; regenerate rather than trust them.
		return r.restart(ctx, snap.TaskID, payload.RequestText)
	case *state.ExecutionPayload:
		return r.runner.ResumeExecution(ctx, snap.TaskID, payload)
	case *state.PRCreationPayload:
		return r.runner.ResumePRCreation(ctx, snap.TaskID, payload, r.appliedPaths(snap.TaskID))
	default:
		return faults.New(faults.CategoryCoordination, component, "dispatch",
			fmt.Sprintf("no resume handler for phase %s", snap.Phase))
	}
}

func (r *Resumer) restart(ctx context.Context, taskID, task string) error {
	if task == "" {
		return faults.New(faults.CategoryCoordination, component, "restart",
			fmt.Sprintf("snapshot for task %s carries no request text", taskID))
	}
	return r.runner.RunWithTask(ctx, taskID, task)
}

// appliedPaths recovers the commit file list from the task's execution
// snapshot. A pr_creation payload does not carry it; the execution
// snapshot from the same run does.
func (r *Resumer) appliedPaths(taskID string) []string {
	snap, err := r.store.Load(taskID, models.PhaseExecution)
	if err != nil {
		slog.Warn("No execution snapshot for applied paths", "task_id", taskID, "error", err)
		return nil
	}
	payload, ok := snap.Payload.(*state.ExecutionPayload)
	if !ok {
		return nil
	}
	if len(payload.AppliedChanges) > 0 {
		return payload.AppliedChanges
	}
	paths := make([]string, 0, len(payload.Changes))
	for _, change := range payload.Changes {
		paths = append(paths, change.Path)
	}
	return paths
}
