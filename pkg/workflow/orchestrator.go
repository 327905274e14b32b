package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/noelgit/agent-s3-sub005/pkg/apply"
	"github.com/noelgit/agent-s3-sub005/pkg/bus"
	"github.com/noelgit/agent-s3-sub005/pkg/config"
	"github.com/noelgit/agent-s3-sub005/pkg/faults"
	"github.com/noelgit/agent-s3-sub005/pkg/models"
	"github.com/noelgit/agent-s3-sub005/pkg/state"
	"github.com/noelgit/agent-s3-sub005/pkg/tools"
	"github.com/noelgit/agent-s3-sub005/pkg/validate"
)

// Deps are the collaborators the orchestrator consumes through narrow
// interfaces. All fields are required.
type Deps struct {
	Bus        *bus.Bus
	Store      *state.Store
	Applicator *apply.Applicator
	Pipeline   *validate.Pipeline
	Planner    tools.Planner
	Checker    tools.PlanChecker
	Generator  tools.Generator
	Moderator  tools.Moderator
	Context    tools.ContextProvider
	Git        tools.GitTool
}

// Orchestrator owns the phase machine and the current task. One task runs
// at a time per instance.
type Orchestrator struct {
	cfg  config.WorkflowConfig
	deps Deps
	fsm  *FSM
	gate *Gate

	controlID string
}

// New creates an Orchestrator in the ready state.
func New(cfg config.WorkflowConfig, deps Deps) *Orchestrator {
	fsm := NewFSM(deps.Bus)
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		fsm:  fsm,
		gate: NewGate(fsm, cfg.PausePollTimeout.Std()),
	}
}

// Start subscribes the orchestrator to workflow_control messages so UI
// clients can pause, resume and stop the run.
func (o *Orchestrator) Start() {
	o.controlID = o.deps.Bus.RegisterHandler(bus.KindWorkflowControl, func(m *bus.Message) {
		switch m.ContentString("action") {
		case "pause":
			o.Pause()
		case "resume":
			o.Resume()
		case "stop", "cancel":
			o.Stop()
		}
	})
}

// Close unsubscribes the control handler.
func (o *Orchestrator) Close() {
	if o.controlID != "" {
		o.deps.Bus.UnregisterHandler(bus.KindWorkflowControl, o.controlID)
	}
}

// FSM exposes the state machine, primarily for status queries.
func (o *Orchestrator) FSM() *FSM { return o.fsm }

// Pause requests a cooperative pause at the next gate check.
func (o *Orchestrator) Pause() bool { return o.fsm.Transition(models.WorkflowPaused) }

// Resume lifts a pause.
func (o *Orchestrator) Resume() bool { return o.fsm.Transition(models.WorkflowRunning) }

// Stop requests a sticky stop, honoured at the next gate check.
func (o *Orchestrator) Stop() bool { return o.fsm.Transition(models.WorkflowStopped) }

// Run drives a new task through the full phase chain.
func (o *Orchestrator) Run(ctx context.Context, task string) error {
	return o.runTask(ctx, uuid.New().String(), func(ctx context.Context, taskID string) error {
		return o.execute(ctx, taskID, task)
	})
}

// RunWithTask re-runs the chain for an existing task id, used when a
// resumed snapshot predates any irreversible side effects.
func (o *Orchestrator) RunWithTask(ctx context.Context, taskID, task string) error {
	return o.runTask(ctx, taskID, func(ctx context.Context, taskID string) error {
		return o.execute(ctx, taskID, task)
	})
}

// runTask frames every entry point: transition to running, execute, and
// map the outcome onto the terminal states.
func (o *Orchestrator) runTask(ctx context.Context, taskID string, fn func(context.Context, string) error) error {
	if !o.fsm.Transition(models.WorkflowRunning) {
		return faults.New(faults.CategoryCoordination, "orchestrator", "start",
			fmt.Sprintf("workflow is %s, not ready", o.fsm.State()))
	}
	slog.Info("Workflow started", "task_id", taskID)

	err := fn(ctx, taskID)
	switch {
	case errors.Is(err, ErrStopped):
		// The stop transition already happened at the control point.
		slog.Info("Workflow stopped", "task_id", taskID)
		return nil
	case err != nil:
		slog.Error("Workflow failed", "task_id", taskID, "error", err)
		o.fsm.Fail(shortMessage(err))
		return err
	default:
		return nil
	}
}

// execute is the full phase chain for a fresh or restarted task.
func (o *Orchestrator) execute(ctx context.Context, taskID, task string) error {
	plans, err := o.planning(ctx, taskID, task)
	if err != nil {
		return err
	}
	plans, err = o.promptApproval(ctx, taskID, task, plans)
	if err != nil {
		return err
	}
	if err := o.issueCreation(ctx, taskID, task, plans); err != nil {
		return err
	}
	changes, err := o.implement(ctx, taskID, task, plans)
	if err != nil {
		return err
	}
	return o.finalize(ctx, taskID, task, changes)
}

// planning asks the external planner for structured plans.
func (o *Orchestrator) planning(ctx context.Context, taskID, task string) ([]models.Plan, error) {
	o.fsm.SetPhase(models.PhasePlanning)
	if err := o.gate.Check(ctx); err != nil {
		return nil, err
	}
	o.say("Planning: " + task)

	if err := o.deps.Store.Save(&state.Snapshot{
		TaskID:  taskID,
		Payload: &state.PlanningPayload{RequestText: task},
	}); err != nil {
		return nil, err
	}

	var snapshot tools.ContextSnapshot
	err := Retry(ctx, o.cfg, "context snapshot", func() error {
		var e error
		snapshot, e = o.deps.Context.Snapshot(ctx)
		return e
	})
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryCoordination, "orchestrator", "context snapshot").
			WithPhase(models.PhasePlanning)
	}

	var plans []models.Plan
	err = Retry(ctx, o.cfg, "plan", func() error {
		var e error
		plans, e = o.deps.Planner.Plan(ctx, task, snapshot)
		return e
	})
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryPlanning, "orchestrator", "plan").
			WithPhase(models.PhasePlanning)
	}
	if len(plans) == 0 {
		return nil, faults.New(faults.CategoryPlanning, "orchestrator", "plan", "planner returned no plans").
			WithPhase(models.PhasePlanning)
	}

	if err := o.deps.Store.Save(&state.Snapshot{
		TaskID: taskID,
		Payload: &state.PlanningPayload{
			RequestText: task,
			PlanText:    renderPlans(plans),
		},
	}); err != nil {
		return nil, err
	}
	return plans, nil
}

// promptApproval presents the plans to the user: yes proceeds, no ends
// the run as stopped, modify feeds the re-planner and re-validates.
// Modification rounds are bounded; on exhaustion the user chooses whether
// to proceed with the current plan.
func (o *Orchestrator) promptApproval(ctx context.Context, taskID, task string, plans []models.Plan) ([]models.Plan, error) {
	o.fsm.SetPhase(models.PhasePromptApproval)
	if err := o.gate.Check(ctx); err != nil {
		return nil, err
	}

	var modifications []string
	savePayload := func(approved bool) error {
		return o.deps.Store.Save(&state.Snapshot{
			TaskID: taskID,
			Payload: &state.PromptApprovalPayload{
				RequestText:   task,
				PlanText:      renderPlans(plans),
				Approved:      approved,
				Modifications: modifications,
			},
		})
	}

	for iteration := 0; iteration < o.cfg.MaxPlanIterations; iteration++ {
		if err := o.gate.Check(ctx); err != nil {
			return nil, err
		}
		decision, modification, err := o.deps.Moderator.AskTernary(ctx, renderPlans(plans))
		if err != nil {
			return nil, faults.Wrap(err, faults.CategoryCoordination, "orchestrator", "plan approval").
				WithPhase(models.PhasePromptApproval)
		}

		switch decision {
		case models.DecisionYes:
			if err := savePayload(true); err != nil {
				return nil, err
			}
			return plans, nil

		case models.DecisionNo:
			if err := savePayload(false); err != nil {
				return nil, err
			}
			o.say("Plan declined, stopping")
			o.fsm.Transition(models.WorkflowStopped)
			return nil, ErrStopped

		case models.DecisionModify:
			modifications = append(modifications, modification)
			revised, err := o.revisePlans(ctx, plans, modification)
			if err != nil {
				return nil, err
			}
			plans = revised

		default:
			return nil, faults.New(faults.CategoryCoordination, "orchestrator", "plan approval",
				fmt.Sprintf("unexpected decision %q", decision)).WithPhase(models.PhasePromptApproval)
		}
	}

	proceed, err := o.deps.Moderator.AskYesNo(ctx, "Modification rounds exhausted. Proceed with the current plan?")
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryCoordination, "orchestrator", "plan approval").
			WithPhase(models.PhasePromptApproval)
	}
	if !proceed {
		if err := savePayload(false); err != nil {
			return nil, err
		}
		o.fsm.Transition(models.WorkflowStopped)
		return nil, ErrStopped
	}
	if err := savePayload(true); err != nil {
		return nil, err
	}
	return plans, nil
}

// revisePlans runs each plan through the re-planner and the static plan
// checker.
func (o *Orchestrator) revisePlans(ctx context.Context, plans []models.Plan, modification string) ([]models.Plan, error) {
	revised := make([]models.Plan, 0, len(plans))
	for _, plan := range plans {
		var next models.Plan
		err := Retry(ctx, o.cfg, "regenerate plan", func() error {
			var e error
			next, e = o.deps.Planner.Regenerate(ctx, plan, modification)
			return e
		})
		if err != nil {
			return nil, faults.Wrap(err, faults.CategoryPlanning, "orchestrator", "regenerate plan")
		}
		if err := o.deps.Checker.Check(ctx, next); err != nil {
			return nil, faults.Wrap(err, faults.CategoryPlanning, "orchestrator", "check plan")
		}
		revised = append(revised, next)
	}
	return revised, nil
}

// issueCreation records the approved work item. The issue itself lives in
// the snapshot; the pull request created at finalization carries it to
// the code host.
func (o *Orchestrator) issueCreation(ctx context.Context, taskID, task string, plans []models.Plan) error {
	o.fsm.SetPhase(models.PhaseIssueCreation)
	if err := o.gate.Check(ctx); err != nil {
		return err
	}
	return o.deps.Store.Save(&state.Snapshot{
		TaskID: taskID,
		Payload: &state.IssueCreationPayload{
			RequestText: task,
			IssueTitle:  summarize(task),
			IssueBody:   renderPlans(plans),
		},
	})
}

// implement runs the generate/apply/validate loop for every approved plan
// and returns the accumulated file changes.
func (o *Orchestrator) implement(ctx context.Context, taskID, task string, plans []models.Plan) (map[string]string, error) {
	var snapshot tools.ContextSnapshot
	err := Retry(ctx, o.cfg, "context snapshot", func() error {
		var e error
		snapshot, e = o.deps.Context.Snapshot(ctx)
		return e
	})
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryCoordination, "orchestrator", "context snapshot")
	}

	accumulated := map[string]string{}
	for _, plan := range plans {
		changes, err := o.implementPlan(ctx, taskID, task, plan, snapshot.TechStack)
		if err != nil {
			return nil, err
		}
		for path, content := range changes {
			accumulated[path] = content
		}
	}
	return accumulated, nil
}

// implementPlan loops generate → apply → validate up to MaxAttempts. A
// validation failure asks the moderator for debugging guidance; guidance
// revises the plan and retries, silence unstashes and aborts.
func (o *Orchestrator) implementPlan(ctx context.Context, taskID, task string, plan models.Plan, techStack map[string]string) (map[string]string, error) {
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if err := o.gate.Check(ctx); err != nil {
			return nil, err
		}
		o.say(fmt.Sprintf("Implementing %q (attempt %d/%d)", plan.Title, attempt, o.cfg.MaxAttempts))

		if err := o.deps.Git.Stash(ctx); err != nil {
			return nil, faults.Wrap(err, faults.CategoryCoordination, "orchestrator", "stash").
				WithPhase(models.PhaseCodeGeneration).WithAttempt(attempt)
		}

		changes, err := o.generate(ctx, taskID, task, plan, techStack, attempt)
		if err != nil {
			_ = o.deps.Git.StashPop(ctx)
			return nil, err
		}

		result, err := o.applyAndValidate(ctx, taskID, task, changes, attempt)
		if err != nil {
			_ = o.deps.Git.StashPop(ctx)
			return nil, err
		}
		if result.Success {
			if err := o.deps.Git.StashDrop(ctx); err != nil {
				slog.Warn("Failed to drop stash after success", "error", err)
			}
			o.say(fmt.Sprintf("Plan %q validated on attempt %d", plan.Title, attempt))
			return changes, nil
		}

		o.say(fmt.Sprintf("Validation failed at step %q", result.FailingStep))
		guidance, err := o.deps.Moderator.AskModification(ctx, debuggingPrompt(result))
		if err != nil {
			_ = o.deps.Git.StashPop(ctx)
			return nil, faults.Wrap(err, faults.CategoryDebugging, "orchestrator", "debugging guidance").
				WithPhase(models.PhaseExecution).WithAttempt(attempt)
		}
		if guidance == "" {
			_ = o.deps.Git.StashPop(ctx)
			return nil, faults.New(faults.CategoryValidation, "orchestrator", "validate",
				fmt.Sprintf("validation failed at %q with no debugging guidance", result.FailingStep)).
				WithPhase(models.PhaseExecution).WithAttempt(attempt)
		}

		// Restore the pre-attempt tree before retrying with a revised plan.
		if err := o.deps.Git.StashPop(ctx); err != nil {
			slog.Warn("Failed to restore stash before retry", "error", err)
		}
		revised, err := o.revisePlans(ctx, []models.Plan{plan}, guidance)
		if err != nil {
			return nil, err
		}
		plan = revised[0]
	}

	return nil, faults.New(faults.CategoryValidation, "orchestrator", "validate",
		fmt.Sprintf("plan %q failed validation after %d attempts", plan.Title, o.cfg.MaxAttempts)).
		WithPhase(models.PhaseExecution).WithAttempt(o.cfg.MaxAttempts)
}

// generate invokes the external code generator and snapshots the result.
func (o *Orchestrator) generate(ctx context.Context, taskID, task string, plan models.Plan, techStack map[string]string, attempt int) (map[string]string, error) {
	o.fsm.SetPhase(models.PhaseCodeGeneration)

	var changes map[string]string
	err := Retry(ctx, o.cfg, "generate", func() error {
		var e error
		changes, e = o.deps.Generator.Generate(ctx, plan, techStack)
		return e
	})
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryGeneration, "orchestrator", "generate").
			WithPhase(models.PhaseCodeGeneration).WithAttempt(attempt)
	}
	if len(changes) == 0 {
		return nil, faults.New(faults.CategoryGeneration, "orchestrator", "generate", "generator produced no changes").
			WithPhase(models.PhaseCodeGeneration).WithAttempt(attempt)
	}

	if err := o.deps.Store.Save(&state.Snapshot{
		TaskID: taskID,
		Payload: &state.CodeGenerationPayload{
			RequestText: task,
			PlanText:    plan.Text,
			Iteration:   attempt,
			Changes:     toFileChanges(changes),
		},
	}); err != nil {
		return nil, err
	}
	return changes, nil
}

// applyAndValidate runs the execution phase for one change set, advancing
// the sub-state at every step boundary so a crash resumes precisely.
func (o *Orchestrator) applyAndValidate(ctx context.Context, taskID, task string, changes map[string]string, attempt int) (models.ValidationResult, error) {
	o.fsm.SetPhase(models.PhaseExecution)
	paths := sortedPaths(changes)
	fileChanges := toFileChanges(changes)

	save := func(payload *state.ExecutionPayload) error {
		payload.RequestText = task
		payload.Iteration = attempt
		payload.Changes = fileChanges
		return o.deps.Store.Save(&state.Snapshot{TaskID: taskID, Payload: payload})
	}

	if err := save(&state.ExecutionPayload{SubState: models.SubStatePreparing}); err != nil {
		return models.ValidationResult{}, err
	}
	if err := o.gate.Check(ctx); err != nil {
		return models.ValidationResult{}, err
	}

	if err := save(&state.ExecutionPayload{
		SubState:       models.SubStateApplyingChanges,
		PendingChanges: paths,
	}); err != nil {
		return models.ValidationResult{}, err
	}
	if err := o.deps.Applicator.Apply(ctx, changes); err != nil {
		// The outer loop's stash covers rollback; surface as a failed
		// validation so the debugging path can run.
		slog.Error("Change application failed", "task_id", taskID, "error", err)
		return models.ValidationResult{Success: false, FailingStep: models.StepUnknownError}, nil
	}

	if err := save(&state.ExecutionPayload{
		SubState:       models.SubStateRunningTests,
		AppliedChanges: paths,
	}); err != nil {
		return models.ValidationResult{}, err
	}
	result := o.deps.Pipeline.Run(ctx)

	if err := save(&state.ExecutionPayload{
		SubState:       models.SubStateAnalyzingResults,
		AppliedChanges: paths,
		RawTestOutput:  result.TestOutput,
		Results:        &result,
	}); err != nil {
		return models.ValidationResult{}, err
	}
	return result, nil
}

// finalize accumulates the changes into a branch, commit, push and pull
// request, then completes the run.
func (o *Orchestrator) finalize(ctx context.Context, taskID, task string, changes map[string]string) error {
	o.fsm.SetPhase(models.PhasePRCreation)
	if err := o.gate.Check(ctx); err != nil {
		return err
	}

	payload := &state.PRCreationPayload{
		SubState: models.SubStatePreparing,
		Branch:   "agent/" + shortID(taskID),
		Title:    summarize(task),
		Body:     renderPRBody(task, changes),
	}
	if err := o.deps.Store.Save(&state.Snapshot{TaskID: taskID, Payload: payload}); err != nil {
		return err
	}

	if err := o.RunPRSteps(ctx, taskID, payload, sortedPaths(changes)); err != nil {
		return err
	}
	return o.Complete(taskID)
}

// RunPRSteps executes the pr_creation ladder from the payload's recorded
// sub-state: branch → commit → push → submit. Each step persists its
// boundary before running so a crash resumes at the right point; the
// CommitSHA and PRURL guards make re-entry idempotent.
func (o *Orchestrator) RunPRSteps(ctx context.Context, taskID string, payload *state.PRCreationPayload, paths []string) error {
	save := func() error {
		return o.deps.Store.Save(&state.Snapshot{TaskID: taskID, Payload: payload})
	}
	from := prStepIndex(payload.SubState)

	if from <= prStepIndex(models.SubStateCreatingBranch) {
		payload.SubState = models.SubStateCreatingBranch
		if err := save(); err != nil {
			return err
		}
		if err := o.gate.Check(ctx); err != nil {
			return err
		}
		if err := o.deps.Git.CreateBranch(ctx, payload.Branch); err != nil {
			return faults.Wrap(err, faults.CategoryCoordination, "orchestrator", "create branch").
				WithPhase(models.PhasePRCreation)
		}
	}

	if from <= prStepIndex(models.SubStateCommitting) && payload.CommitSHA == "" {
		payload.SubState = models.SubStateCommitting
		if err := save(); err != nil {
			return err
		}
		if err := o.deps.Git.Add(ctx, paths); err != nil {
			return faults.Wrap(err, faults.CategoryCoordination, "orchestrator", "git add").
				WithPhase(models.PhasePRCreation)
		}
		sha, err := o.deps.Git.Commit(ctx, payload.Title)
		if err != nil {
			return faults.Wrap(err, faults.CategoryCoordination, "orchestrator", "commit").
				WithPhase(models.PhasePRCreation)
		}
		payload.CommitSHA = sha
		if err := save(); err != nil {
			return err
		}
	}

	if from <= prStepIndex(models.SubStatePushing) {
		payload.SubState = models.SubStatePushing
		if err := save(); err != nil {
			return err
		}
		err := Retry(ctx, o.cfg, "push", func() error {
			if e := o.deps.Git.Push(ctx, payload.Branch); e != nil {
				return faults.Wrap(e, faults.CategoryNetwork, "orchestrator", "push")
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if payload.PRURL == "" {
		payload.SubState = models.SubStateCreatingAPIRequest
		if err := save(); err != nil {
			return err
		}
		var url string
		err := Retry(ctx, o.cfg, "create pull request", func() error {
			var e error
			url, e = o.deps.Git.CreatePullRequest(ctx, tools.PullRequest{
				Title:  payload.Title,
				Body:   payload.Body,
				Branch: payload.Branch,
				Draft:  payload.Draft,
			})
			if e != nil {
				return faults.Wrap(e, faults.CategoryNetwork, "orchestrator", "create pull request")
			}
			return nil
		})
		if err != nil {
			return err
		}
		payload.PRURL = url
		if err := save(); err != nil {
			return err
		}
		o.say("Pull request created: " + url)
	}
	return nil
}

// Complete clears the task's snapshots and moves the machine to
// completed.
func (o *Orchestrator) Complete(taskID string) error {
	if err := o.deps.Store.ClearState(taskID); err != nil {
		slog.Warn("Failed to clear completed task state", "task_id", taskID, "error", err)
	}
	o.fsm.Transition(models.WorkflowCompleted)
	slog.Info("Workflow completed", "task_id", taskID)
	return nil
}

// ResumeExecution re-enters the execution phase at the recorded sub-state
// boundary, then continues through finalization.
func (o *Orchestrator) ResumeExecution(ctx context.Context, taskID string, payload *state.ExecutionPayload) error {
	return o.runTask(ctx, taskID, func(ctx context.Context, taskID string) error {
		return o.resumeExecution(ctx, taskID, payload)
	})
}

func (o *Orchestrator) resumeExecution(ctx context.Context, taskID string, payload *state.ExecutionPayload) error {
	o.fsm.SetPhase(models.PhaseExecution)
	if err := o.gate.Check(ctx); err != nil {
		return err
	}

	all := changesByPath(payload.Changes)
	task := payload.RequestText

	switch payload.SubState {
	case models.SubStatePreparing:
		// Nothing irreversible happened yet; restart the phase.
		result, err := o.applyAndValidate(ctx, taskID, task, all, payload.Iteration)
		if err != nil {
			return err
		}
		return o.finishResumedExecution(ctx, taskID, task, all, result)

	case models.SubStateApplyingChanges:
		pending := map[string]string{}
		for _, path := range payload.PendingChanges {
			if content, ok := all[path]; ok {
				pending[path] = content
			}
		}
		o.say(fmt.Sprintf("Resuming: applying %d pending changes", len(pending)))
		if err := o.deps.Applicator.Apply(ctx, pending); err != nil {
			return err
		}
		applied := append(append([]string{}, payload.AppliedChanges...), payload.PendingChanges...)
		if err := o.deps.Store.Save(&state.Snapshot{TaskID: taskID, Payload: &state.ExecutionPayload{
			SubState:       models.SubStateRunningTests,
			RequestText:    task,
			Iteration:      payload.Iteration,
			Changes:        payload.Changes,
			AppliedChanges: applied,
		}}); err != nil {
			return err
		}
		return o.resumeTests(ctx, taskID, task, all, payload)

	case models.SubStateRunningTests:
		return o.resumeTests(ctx, taskID, task, all, payload)

	case models.SubStateAnalyzingResults:
		if payload.Results != nil {
			return o.finishResumedExecution(ctx, taskID, task, all, *payload.Results)
		}
		// Raw output without structured results does not establish an
		// outcome; run the pipeline again rather than guess.
		return o.resumeTests(ctx, taskID, task, all, payload)

	default:
		return faults.New(faults.CategoryCoordination, "orchestrator", "resume execution",
			fmt.Sprintf("unknown sub-state %q", payload.SubState)).WithPhase(models.PhaseExecution)
	}
}

// resumeTests runs the validation pipeline on the recorded change set
// without re-applying files.
func (o *Orchestrator) resumeTests(ctx context.Context, taskID, task string, all map[string]string, payload *state.ExecutionPayload) error {
	result := o.deps.Pipeline.Run(ctx)
	if err := o.deps.Store.Save(&state.Snapshot{TaskID: taskID, Payload: &state.ExecutionPayload{
		SubState:       models.SubStateAnalyzingResults,
		RequestText:    task,
		Iteration:      payload.Iteration,
		Changes:        payload.Changes,
		AppliedChanges: sortedPaths(all),
		RawTestOutput:  result.TestOutput,
		Results:        &result,
	}}); err != nil {
		return err
	}
	return o.finishResumedExecution(ctx, taskID, task, all, result)
}

func (o *Orchestrator) finishResumedExecution(ctx context.Context, taskID, task string, all map[string]string, result models.ValidationResult) error {
	if !result.Success {
		return faults.New(faults.CategoryValidation, "orchestrator", "validate",
			fmt.Sprintf("resumed validation failed at %q", result.FailingStep)).
			WithPhase(models.PhaseExecution)
	}
	return o.finalize(ctx, taskID, task, all)
}

// ResumePRCreation re-enters the pr_creation ladder at the recorded
// sub-state and completes the run.
func (o *Orchestrator) ResumePRCreation(ctx context.Context, taskID string, payload *state.PRCreationPayload, paths []string) error {
	return o.runTask(ctx, taskID, func(ctx context.Context, taskID string) error {
		o.fsm.SetPhase(models.PhasePRCreation)
		if err := o.RunPRSteps(ctx, taskID, payload, paths); err != nil {
			return err
		}
		return o.Complete(taskID)
	})
}

// say broadcasts a terminal_output line to the UI.
func (o *Orchestrator) say(text string) {
	o.deps.Bus.Publish(bus.MustNew(bus.KindTerminalOutput, map[string]any{"text": text}))
}

func prStepIndex(s models.SubState) int {
	switch s {
	case models.SubStateCreatingBranch:
		return 1
	case models.SubStateCommitting:
		return 2
	case models.SubStatePushing:
		return 3
	case models.SubStateCreatingAPIRequest:
		return 4
	default: // preparing
		return 0
	}
}

func toFileChanges(changes map[string]string) []models.FileChange {
	out := make([]models.FileChange, 0, len(changes))
	for _, path := range sortedPaths(changes) {
		out = append(out, models.FileChange{Path: path, Content: changes[path]})
	}
	return out
}

func changesByPath(changes []models.FileChange) map[string]string {
	out := make(map[string]string, len(changes))
	for _, change := range changes {
		out[change.Path] = change.Content
	}
	return out
}

func sortedPaths(changes map[string]string) []string {
	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func renderPlans(plans []models.Plan) string {
	var b strings.Builder
	for i, plan := range plans {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n%s", plan.Title, plan.Text)
	}
	return b.String()
}

func renderPRBody(task string, changes map[string]string) string {
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\nChanged files:\n")
	for _, path := range sortedPaths(changes) {
		fmt.Fprintf(&b, "- %s\n", path)
	}
	return b.String()
}

func debuggingPrompt(result models.ValidationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Validation failed at step %q.\n", result.FailingStep)
	switch result.FailingStep {
	case models.StepLint:
		b.WriteString(result.LintOutput)
	case models.StepTypeCheck:
		b.WriteString(result.TypeOutput)
	case models.StepTests:
		b.WriteString(result.TestOutput)
	case models.StepMutation:
		fmt.Fprintf(&b, "mutation score %.2f", result.MutationScore)
	}
	b.WriteString("\nProvide debugging guidance, or leave empty to abort this plan.")
	return b.String()
}

// summarize turns a task description into a one-line title.
func summarize(task string) string {
	line := strings.TrimSpace(task)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	const maxTitle = 72
	if len(line) > maxTitle {
		line = line[:maxTitle-3] + "..."
	}
	return line
}

func shortID(taskID string) string {
	if len(taskID) > 8 {
		return taskID[:8]
	}
	return taskID
}

// shortMessage bounds the user-visible failure text; full detail stays in
// the logs.
func shortMessage(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
