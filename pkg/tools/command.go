package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

// CommandBridge adapts an external planner/generator backend exposed as a
// shell command. Each call writes a JSON request to the command's stdin
// and decodes a JSON response from its stdout:
//
//	{"action": "plan", "request": {...}}
//
// Stderr passes through for diagnostics but is never parsed. The bridge
// implements Planner, PlanChecker, Generator and ContextProvider, so one
// backend process serves all four collaborator roles.
type CommandBridge struct {
	Command string
	Dir     string
	Timeout time.Duration
}

// NewCommandBridge creates a bridge running command in dir.
func NewCommandBridge(command, dir string, timeout time.Duration) *CommandBridge {
	return &CommandBridge{Command: command, Dir: dir, Timeout: timeout}
}

func (b *CommandBridge) invoke(ctx context.Context, action string, request, response any) error {
	if b.Command == "" {
		return fmt.Errorf("bridge %s: no bridge command configured", action)
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(map[string]any{"action": action, "request": request})
	if err != nil {
		return fmt.Errorf("bridge %s: encode request: %w", action, err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", b.Command)
	cmd.Dir = b.Dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("bridge %s: %s", action, detail)
	}
	if err := json.Unmarshal(stdout.Bytes(), response); err != nil {
		return fmt.Errorf("bridge %s: decode response: %w", action, err)
	}
	return nil
}

// Plan implements Planner.
func (b *CommandBridge) Plan(ctx context.Context, task string, snapshot ContextSnapshot) ([]models.Plan, error) {
	var plans []models.Plan
	err := b.invoke(ctx, "plan", map[string]any{
		"task":              task,
		"tech_stack":        snapshot.TechStack,
		"project_structure": snapshot.ProjectStructure,
		"dependencies":      snapshot.Dependencies,
	}, &plans)
	return plans, err
}

// Regenerate implements Planner.
func (b *CommandBridge) Regenerate(ctx context.Context, plan models.Plan, modification string) (models.Plan, error) {
	var revised models.Plan
	err := b.invoke(ctx, "regenerate_plan", map[string]any{
		"plan":         plan,
		"modification": modification,
	}, &revised)
	return revised, err
}

// Check implements PlanChecker.
func (b *CommandBridge) Check(ctx context.Context, plan models.Plan) error {
	var verdict struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	if err := b.invoke(ctx, "check_plan", map[string]any{"plan": plan}, &verdict); err != nil {
		return err
	}
	if !verdict.OK {
		return fmt.Errorf("plan rejected: %s", verdict.Reason)
	}
	return nil
}

// Generate implements Generator.
func (b *CommandBridge) Generate(ctx context.Context, plan models.Plan, techStack map[string]string) (map[string]string, error) {
	var changes map[string]string
	err := b.invoke(ctx, "generate", map[string]any{
		"plan":       plan,
		"tech_stack": techStack,
	}, &changes)
	return changes, err
}

// Snapshot implements ContextProvider.
func (b *CommandBridge) Snapshot(ctx context.Context) (ContextSnapshot, error) {
	var response struct {
		TechStack        map[string]string `json:"tech_stack"`
		ProjectStructure string            `json:"project_structure"`
		Dependencies     []string          `json:"dependencies"`
	}
	if err := b.invoke(ctx, "context", map[string]any{}, &response); err != nil {
		return ContextSnapshot{}, err
	}
	return ContextSnapshot{
		TechStack:        response.TechStack,
		ProjectStructure: response.ProjectStructure,
		Dependencies:     response.Dependencies,
	}, nil
}

// Focused implements ContextProvider.
func (b *CommandBridge) Focused(ctx context.Context, keywords []string) (string, error) {
	var response struct {
		Text string `json:"text"`
	}
	err := b.invoke(ctx, "context_focused", map[string]any{"keywords": keywords}, &response)
	return response.Text, err
}
