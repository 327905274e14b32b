// Package models holds the shared value types used across the workflow
// engine: phases, sub-states, workflow states, and result records.
package models

// Phase is a named stage of a workflow run. Phases advance in the strict
// order returned by PhaseOrder.
type Phase string

// Workflow phases, in execution order.
const (
	PhasePlanning       Phase = "planning"
	PhasePromptApproval Phase = "prompt_approval"
	PhaseIssueCreation  Phase = "issue_creation"
	PhaseCodeGeneration Phase = "code_generation"
	PhaseExecution      Phase = "execution"
	PhasePRCreation     Phase = "pr_creation"
)

// phaseOrder is the canonical phase sequence.
var phaseOrder = []Phase{
	PhasePlanning,
	PhasePromptApproval,
	PhaseIssueCreation,
	PhaseCodeGeneration,
	PhaseExecution,
	PhasePRCreation,
}

// PhaseOrder returns a copy of the canonical phase sequence.
func PhaseOrder() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, candidate := range phaseOrder {
		if p == candidate {
			return true
		}
	}
	return false
}

// Next returns the phase that follows p. The second return is false when p
// is the final phase or unknown.
func (p Phase) Next() (Phase, bool) {
	for i, candidate := range phaseOrder {
		if p == candidate && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// Previous returns the phase that precedes p. The second return is false
// when p is the first phase or unknown.
func (p Phase) Previous() (Phase, bool) {
	for i, candidate := range phaseOrder {
		if p == candidate && i > 0 {
			return phaseOrder[i-1], true
		}
	}
	return "", false
}

// SubState marks the last completed step boundary inside a phase. Resumption
// uses it to avoid repeating side effects that already happened.
type SubState string

// Execution phase sub-states.
const (
	SubStatePreparing        SubState = "preparing"
	SubStateApplyingChanges  SubState = "applying_changes"
	SubStateRunningTests     SubState = "running_tests"
	SubStateAnalyzingResults SubState = "analyzing_results"
)

// PR-creation phase sub-states. SubStatePreparing is shared.
const (
	SubStateCreatingBranch     SubState = "creating_branch"
	SubStateCommitting         SubState = "committing"
	SubStatePushing            SubState = "pushing"
	SubStateCreatingAPIRequest SubState = "creating_api_request"
)
