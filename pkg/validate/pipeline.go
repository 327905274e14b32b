// Package validate runs the ordered validation gate over applied changes:
// environment setup, lint, type check, tests with coverage, and a mutation
// score threshold. Steps short-circuit on first failure and report the
// failing step by name.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noelgit/agent-s3-sub005/pkg/config"
	"github.com/noelgit/agent-s3-sub005/pkg/models"
	"github.com/noelgit/agent-s3-sub005/pkg/tools"
)

var stepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agent_validation_step_failures_total",
	Help: "Validation pipeline failures, by failing step.",
}, []string{"step"})

// Pipeline executes the configured validation commands through a bash tool.
type Pipeline struct {
	bash tools.BashTool
	cfg  config.ValidationConfig
}

// New creates a Pipeline. Steps whose command is empty are skipped.
func New(bash tools.BashTool, cfg config.ValidationConfig) *Pipeline {
	return &Pipeline{bash: bash, cfg: cfg}
}

// Run executes the gate in order and returns the aggregate result. It
// never returns an error: unexpected failures, including panics inside a
// step, are folded into a result with failing step "unknown_error".
func (p *Pipeline) Run(ctx context.Context) (result models.ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Validation step panicked", "panic", r)
			result = models.ValidationResult{FailingStep: models.StepUnknownError}
			stepFailuresTotal.WithLabelValues(models.StepUnknownError).Inc()
		}
	}()

	if failed := p.setup(ctx, &result); failed {
		return result
	}
	if failed := p.lint(ctx, &result); failed {
		return result
	}
	if failed := p.typeCheck(ctx, &result); failed {
		return result
	}
	if failed := p.tests(ctx, &result); failed {
		return result
	}
	if failed := p.mutation(ctx, &result); failed {
		return result
	}

	result.Success = true
	slog.Info("Validation passed", "coverage", result.Coverage, "mutation_score", result.MutationScore)
	return result
}

func (p *Pipeline) setup(ctx context.Context, result *models.ValidationResult) bool {
	if p.cfg.SetupCommand == "" {
		return false
	}
	res, err := p.bash.Run(ctx, p.cfg.SetupCommand, p.cfg.CommandTimeout.Std())
	if err != nil || res.ExitCode != 0 {
		return fail(result, models.StepUnknownError, fmt.Sprintf("setup: %v exit=%d", err, res.ExitCode))
	}
	return false
}

func (p *Pipeline) lint(ctx context.Context, result *models.ValidationResult) bool {
	if p.cfg.LintCommand == "" {
		return false
	}
	res, err := p.bash.Run(ctx, p.cfg.LintCommand, p.cfg.CommandTimeout.Std())
	result.LintOutput = res.Output
	if err != nil {
		return fail(result, models.StepLint, err.Error())
	}
	if res.ExitCode != 0 {
		return fail(result, models.StepLint, "")
	}
	return false
}

func (p *Pipeline) typeCheck(ctx context.Context, result *models.ValidationResult) bool {
	if p.cfg.TypeCheckCommand == "" {
		return false
	}
	res, err := p.bash.Run(ctx, p.cfg.TypeCheckCommand, p.cfg.CommandTimeout.Std())
	result.TypeOutput = res.Output
	if err != nil {
		return fail(result, models.StepTypeCheck, err.Error())
	}
	if res.ExitCode != 0 {
		return fail(result, models.StepTypeCheck, "")
	}
	return false
}

func (p *Pipeline) tests(ctx context.Context, result *models.ValidationResult) bool {
	if p.cfg.TestCommand == "" {
		return false
	}
	res, err := p.bash.Run(ctx, p.cfg.TestCommand, p.cfg.TestTimeout.Std())
	result.TestOutput = res.Output
	result.Coverage = ParseCoverage(res.Output)
	if err != nil {
		return fail(result, models.StepTests, err.Error())
	}
	if res.ExitCode != 0 {
		return fail(result, models.StepTests, "")
	}
	return false
}

func (p *Pipeline) mutation(ctx context.Context, result *models.ValidationResult) bool {
	if p.cfg.MutationCommand == "" {
		return false
	}
	res, err := p.bash.Run(ctx, p.cfg.MutationCommand, p.cfg.TestTimeout.Std())
	if err != nil {
		return fail(result, models.StepMutation, err.Error())
	}
	score, ok := ParseMutationScore(res.Output)
	if !ok {
		return fail(result, models.StepMutation, "no mutation score in output")
	}
	result.MutationScore = score
	if score < p.cfg.MutationThreshold {
		return fail(result, models.StepMutation,
			fmt.Sprintf("score %.2f below threshold %.2f", score, p.cfg.MutationThreshold))
	}
	return false
}

// fail marks the result failed at step and logs the reason. Always true.
func fail(result *models.ValidationResult, step, reason string) bool {
	result.Success = false
	result.FailingStep = step
	stepFailuresTotal.WithLabelValues(step).Inc()
	slog.Warn("Validation step failed", "step", step, "reason", reason)
	return true
}

var (
	// coveragePattern matches pytest-cov's TOTAL line, e.g.
	// "TOTAL    412    31    92%".
	coveragePattern = regexp.MustCompile(`(?m)^TOTAL\s.*?(\d+(?:\.\d+)?)%`)

	// mutationPattern matches critic output such as
	// "mutation score: 0.85" or "Mutation score 85%".
	mutationPattern = regexp.MustCompile(`(?i)mutation score:?\s*([0-9]+(?:\.[0-9]+)?)(%?)`)
)

// ParseCoverage extracts a 0-100 coverage percentage from test runner
// output, or 0 when none is present.
func ParseCoverage(output string) float64 {
	match := coveragePattern.FindStringSubmatch(output)
	if match == nil {
		return 0
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0
	}
	return value
}

// ParseMutationScore extracts a 0-1 mutation score. Percent-formatted
// scores are normalized.
func ParseMutationScore(output string) (float64, bool) {
	match := mutationPattern.FindStringSubmatch(output)
	if match == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	if match[2] == "%" || value > 1 {
		value /= 100
	}
	return value, true
}
