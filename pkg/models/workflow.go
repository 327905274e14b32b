package models

import "time"

// WorkflowState is the run-time state of the orchestrator's state machine.
type WorkflowState string

// Workflow machine states. Stopped, Completed and Failed are terminal.
const (
	WorkflowReady     WorkflowState = "ready"
	WorkflowRunning   WorkflowState = "running"
	WorkflowPaused    WorkflowState = "paused"
	WorkflowStopped   WorkflowState = "stopped"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowStopped || s == WorkflowCompleted || s == WorkflowFailed
}

// TaskInfo summarizes a persisted task for interrupted-task listings.
type TaskInfo struct {
	TaskID      string    `json:"task_id"`
	Phase       Phase     `json:"phase"`
	RequestText string    `json:"request_text,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FileChange is a single generated file: target path plus full content.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Plan is an approved unit of work produced by the external planner.
type Plan struct {
	ID           string `json:"id"`
	FeatureGroup string `json:"feature_group,omitempty"`
	Title        string `json:"title"`
	Text         string `json:"text"`
}

// Decision is a ternary moderator answer.
type Decision string

// Moderator decisions.
const (
	DecisionYes    Decision = "yes"
	DecisionNo     Decision = "no"
	DecisionModify Decision = "modify"
)

// ValidationResult is the outcome of the validation pipeline. Success is
// true exactly when FailingStep is empty.
type ValidationResult struct {
	Success       bool    `json:"success"`
	FailingStep   string  `json:"failing_step,omitempty"`
	LintOutput    string  `json:"lint_output,omitempty"`
	TypeOutput    string  `json:"type_output,omitempty"`
	TestOutput    string  `json:"test_output,omitempty"`
	Coverage      float64 `json:"coverage,omitempty"`
	MutationScore float64 `json:"mutation_score,omitempty"`
}

// Validation pipeline step identities, surfaced verbatim in FailingStep.
const (
	StepLint         = "lint"
	StepTypeCheck    = "type_check"
	StepTests        = "tests"
	StepMutation     = "mutation"
	StepUnknownError = "unknown_error"
)
