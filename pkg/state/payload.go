package state

import (
	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

// Payload is the phase-specific portion of a snapshot. Each phase has its
// own payload type; loading dispatches through payloadConstructors rather
// than reflection.
type Payload interface {
	Phase() models.Phase
}

// PlanningPayload is the planning-phase snapshot body.
type PlanningPayload struct {
	RequestText string   `json:"request_text"`
	PlanText    string   `json:"plan_text,omitempty"`
	Discussion  []string `json:"discussion,omitempty"`
}

// Phase implements Payload.
func (PlanningPayload) Phase() models.Phase { return models.PhasePlanning }

// PromptApprovalPayload is the prompt-approval snapshot body.
type PromptApprovalPayload struct {
	RequestText   string   `json:"request_text"`
	PlanText      string   `json:"plan_text,omitempty"`
	Approved      bool     `json:"approved"`
	Modifications []string `json:"modifications,omitempty"`
}

// Phase implements Payload.
func (PromptApprovalPayload) Phase() models.Phase { return models.PhasePromptApproval }

// IssueCreationPayload is the issue-creation snapshot body.
type IssueCreationPayload struct {
	RequestText string `json:"request_text"`
	IssueTitle  string `json:"issue_title,omitempty"`
	IssueBody   string `json:"issue_body,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
}

// Phase implements Payload.
func (IssueCreationPayload) Phase() models.Phase { return models.PhaseIssueCreation }

// CodeGenerationPayload is the code-generation snapshot body.
type CodeGenerationPayload struct {
	RequestText string              `json:"request_text"`
	PlanText    string              `json:"plan_text,omitempty"`
	Iteration   int                 `json:"iteration"`
	Changes     []models.FileChange `json:"changes,omitempty"`
}

// Phase implements Payload.
func (CodeGenerationPayload) Phase() models.Phase { return models.PhaseCodeGeneration }

// ExecutionPayload is the execution-phase snapshot body. SubState names
// the last completed step boundary so resumption can skip already
// performed side effects.
type ExecutionPayload struct {
	SubState       models.SubState          `json:"sub_state"`
	RequestText    string                   `json:"request_text,omitempty"`
	Iteration      int                      `json:"iteration"`
	Changes        []models.FileChange      `json:"changes,omitempty"`
	AppliedChanges []string                 `json:"applied_changes,omitempty"`
	PendingChanges []string                 `json:"pending_changes,omitempty"`
	RawTestOutput  string                   `json:"raw_test_output,omitempty"`
	Results        *models.ValidationResult `json:"results,omitempty"`
}

// Phase implements Payload.
func (ExecutionPayload) Phase() models.Phase { return models.PhaseExecution }

// PRCreationPayload is the pr-creation snapshot body.
type PRCreationPayload struct {
	SubState  models.SubState `json:"sub_state"`
	Branch    string          `json:"branch,omitempty"`
	Title     string          `json:"title,omitempty"`
	Body      string          `json:"body,omitempty"`
	Draft     bool            `json:"draft,omitempty"`
	CommitSHA string          `json:"commit_sha,omitempty"`
	PRURL     string          `json:"pr_url,omitempty"`
}

// Phase implements Payload.
func (PRCreationPayload) Phase() models.Phase { return models.PhasePRCreation }

// payloadConstructors selects the payload type for each phase.
var payloadConstructors = map[models.Phase]func() Payload{
	models.PhasePlanning:       func() Payload { return &PlanningPayload{} },
	models.PhasePromptApproval: func() Payload { return &PromptApprovalPayload{} },
	models.PhaseIssueCreation:  func() Payload { return &IssueCreationPayload{} },
	models.PhaseCodeGeneration: func() Payload { return &CodeGenerationPayload{} },
	models.PhaseExecution:      func() Payload { return &ExecutionPayload{} },
	models.PhasePRCreation:     func() Payload { return &PRCreationPayload{} },
}
