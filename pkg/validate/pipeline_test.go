package validate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noelgit/agent-s3-sub005/pkg/config"
	"github.com/noelgit/agent-s3-sub005/pkg/models"
	"github.com/noelgit/agent-s3-sub005/pkg/tools"
)

// scriptedBash returns a canned result per command and records the order
// in which commands ran.
type scriptedBash struct {
	results map[string]tools.RunResult
	ran     []string
	panicOn string
}

func (b *scriptedBash) Run(_ context.Context, command string, _ time.Duration) (tools.RunResult, error) {
	b.ran = append(b.ran, command)
	if command == b.panicOn {
		panic("boom")
	}
	if res, ok := b.results[command]; ok {
		return res, nil
	}
	return tools.RunResult{ExitCode: 0}, nil
}

func testConfig() config.ValidationConfig {
	return config.ValidationConfig{
		LintCommand:       "ruff check .",
		TypeCheckCommand:  "mypy .",
		TestCommand:       "pytest --cov",
		MutationCommand:   "mutmut run",
		MutationThreshold: 0.7,
		CommandTimeout:    config.Duration(2 * time.Minute),
		TestTimeout:       config.Duration(5 * time.Minute),
	}
}

func TestPipelineAllStepsPass(t *testing.T) {
	bash := &scriptedBash{results: map[string]tools.RunResult{
		"pytest --cov": {ExitCode: 0, Output: "collected 12 items\nTOTAL    412    31    92%\n"},
		"mutmut run":   {ExitCode: 0, Output: "mutation score: 0.85\n"},
	}}
	result := New(bash, testConfig()).Run(context.Background())

	assert.True(t, result.Success)
	assert.Empty(t, result.FailingStep)
	assert.InDelta(t, 92.0, result.Coverage, 0.01)
	assert.InDelta(t, 0.85, result.MutationScore, 0.001)
	assert.Equal(t, []string{"ruff check .", "mypy .", "pytest --cov", "mutmut run"}, bash.ran)
}

func TestPipelineLintFailureShortCircuits(t *testing.T) {
	bash := &scriptedBash{results: map[string]tools.RunResult{
		"ruff check .": {ExitCode: 1, Output: "app.py:3: E501 line too long"},
	}}
	result := New(bash, testConfig()).Run(context.Background())

	assert.False(t, result.Success)
	assert.Equal(t, models.StepLint, result.FailingStep)
	assert.Contains(t, result.LintOutput, "E501")
	assert.Equal(t, []string{"ruff check ."}, bash.ran)
}

func TestPipelineTypeCheckFailure(t *testing.T) {
	bash := &scriptedBash{results: map[string]tools.RunResult{
		"mypy .": {ExitCode: 1, Output: "app.py:9: error: incompatible types"},
	}}
	result := New(bash, testConfig()).Run(context.Background())

	assert.Equal(t, models.StepTypeCheck, result.FailingStep)
	assert.Contains(t, result.TypeOutput, "incompatible types")
	assert.NotContains(t, bash.ran, "pytest --cov")
}

func TestPipelineTestFailureCarriesOutputAndCoverage(t *testing.T) {
	bash := &scriptedBash{results: map[string]tools.RunResult{
		"pytest --cov": {ExitCode: 1, Output: "FAILED test_app.py::test_x\nTOTAL    100    40    60%\n"},
	}}
	result := New(bash, testConfig()).Run(context.Background())

	assert.Equal(t, models.StepTests, result.FailingStep)
	assert.Contains(t, result.TestOutput, "FAILED")
	assert.InDelta(t, 60.0, result.Coverage, 0.01)
	assert.NotContains(t, bash.ran, "mutmut run")
}

func TestPipelineMutationBelowThreshold(t *testing.T) {
	bash := &scriptedBash{results: map[string]tools.RunResult{
		"pytest --cov": {ExitCode: 0, Output: "TOTAL 10 0 100%"},
		"mutmut run":   {ExitCode: 0, Output: "Mutation score 55%"},
	}}
	result := New(bash, testConfig()).Run(context.Background())

	assert.Equal(t, models.StepMutation, result.FailingStep)
	assert.InDelta(t, 0.55, result.MutationScore, 0.001)
}

func TestPipelineEmptyCommandsSkipSteps(t *testing.T) {
	cfg := testConfig()
	cfg.LintCommand = ""
	cfg.MutationCommand = ""
	bash := &scriptedBash{results: map[string]tools.RunResult{}}

	result := New(bash, cfg).Run(context.Background())

	require.True(t, result.Success)
	assert.Equal(t, []string{"mypy .", "pytest --cov"}, bash.ran)
}

func TestPipelinePanicYieldsUnknownError(t *testing.T) {
	bash := &scriptedBash{panicOn: "mypy ."}
	result := New(bash, testConfig()).Run(context.Background())

	assert.False(t, result.Success)
	assert.Equal(t, models.StepUnknownError, result.FailingStep)
}

func TestPipelineSetupFailure(t *testing.T) {
	cfg := testConfig()
	cfg.SetupCommand = "make db-up"
	bash := &scriptedBash{results: map[string]tools.RunResult{
		"make db-up": {ExitCode: 2, Output: "no docker"},
	}}
	result := New(bash, cfg).Run(context.Background())

	assert.False(t, result.Success)
	assert.Equal(t, models.StepUnknownError, result.FailingStep)
	assert.Equal(t, []string{"make db-up"}, bash.ran)
}

func TestParseCoverage(t *testing.T) {
	assert.InDelta(t, 92.0, ParseCoverage("Name  Stmts  Miss  Cover\nTOTAL    412    31    92%"), 0.01)
	assert.InDelta(t, 87.5, ParseCoverage("TOTAL 8 1 87.5%"), 0.01)
	assert.Zero(t, ParseCoverage("no coverage here"))
}

func TestParseMutationScore(t *testing.T) {
	score, ok := ParseMutationScore("mutation score: 0.85")
	require.True(t, ok)
	assert.InDelta(t, 0.85, score, 0.001)

	score, ok = ParseMutationScore("Mutation Score: 73%")
	require.True(t, ok)
	assert.InDelta(t, 0.73, score, 0.001)

	_, ok = ParseMutationScore("all mutants survived, no score")
	assert.False(t, ok)
}
