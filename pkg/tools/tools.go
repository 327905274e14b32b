// Package tools defines the narrow capability interfaces through which the
// orchestrator consumes its external collaborators: file, bash, and git
// wrappers, the planner and code generator, the moderator, and the context
// provider. Local filesystem/exec implementations live in local.go; LLM-
// backed implementations are supplied by the embedding application.
package tools

import (
	"context"
	"time"

	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

// RunResult is the outcome of a bash command.
type RunResult struct {
	ExitCode int
	Output   string // combined stdout + stderr
}

// BashTool runs a shell command with a per-call timeout.
type BashTool interface {
	Run(ctx context.Context, command string, timeout time.Duration) (RunResult, error)
}

// FileTool reads and writes workspace files with path-safety constraints.
type FileTool interface {
	Read(path string) (string, error)
	Write(path, content string) error
	Exists(path string) (bool, error)
}

// PullRequest describes the API request submitted at the end of a run.
type PullRequest struct {
	Title  string
	Body   string
	Branch string
	Draft  bool
}

// GitTool is the VCS capability surface the orchestrator depends on.
// CreateBranch must silently reuse an existing branch.
type GitTool interface {
	CreateBranch(ctx context.Context, name string) error
	Add(ctx context.Context, paths []string) error
	Commit(ctx context.Context, message string) (sha string, err error)
	Push(ctx context.Context, branch string) error
	CreatePullRequest(ctx context.Context, pr PullRequest) (url string, err error)
	Stash(ctx context.Context) error
	StashPop(ctx context.Context) error
	StashDrop(ctx context.Context) error
}

// ContextSnapshot is the typed project context handed to the planner.
type ContextSnapshot struct {
	TechStack        map[string]string
	ProjectStructure string
	Dependencies     []string
}

// ContextProvider answers typed context queries about the target project.
type ContextProvider interface {
	Snapshot(ctx context.Context) (ContextSnapshot, error)
	Focused(ctx context.Context, keywords []string) (string, error)
}

// Planner produces and revises structured plans from a task description.
type Planner interface {
	Plan(ctx context.Context, task string, snapshot ContextSnapshot) ([]models.Plan, error)
	Regenerate(ctx context.Context, plan models.Plan, modification string) (models.Plan, error)
}

// PlanChecker statically validates a revised plan before it is accepted.
type PlanChecker interface {
	Check(ctx context.Context, plan models.Plan) error
}

// Generator turns an approved plan into generated file contents.
type Generator interface {
	Generate(ctx context.Context, plan models.Plan, techStack map[string]string) (map[string]string, error)
}

// Moderator mediates user interaction points.
type Moderator interface {
	// AskTernary asks yes/no/modify; on modify, the second return carries
	// the user's modification text.
	AskTernary(ctx context.Context, prompt string) (models.Decision, string, error)
	AskYesNo(ctx context.Context, prompt string) (bool, error)
	AskModification(ctx context.Context, prompt string) (string, error)
}
