package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrPathOutsideRoot indicates a file path escaping the workspace root.
var ErrPathOutsideRoot = errors.New("path outside workspace root")

// LocalFileTool is a FileTool confined to a workspace root directory.
// Relative paths resolve against the root; any path escaping it is
// rejected.
type LocalFileTool struct {
	Root string
}

// NewLocalFileTool creates a file tool rooted at root.
func NewLocalFileTool(root string) *LocalFileTool {
	return &LocalFileTool{Root: root}
}

// resolve maps path into the root and enforces confinement.
func (t *LocalFileTool) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}
	full := filepath.Join(t.Root, path)
	rel, err := filepath.Rel(t.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}
	return full, nil
}

// Read returns the file's content.
func (t *LocalFileTool) Read(path string) (string, error) {
	full, err := t.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write creates or replaces the file, creating parent directories as
// needed.
func (t *LocalFileTool) Write(path, content string) error {
	full, err := t.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

// Exists reports whether the file exists.
func (t *LocalFileTool) Exists(path string) (bool, error) {
	full, err := t.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LocalBashTool runs commands through `sh -c` in a working directory.
type LocalBashTool struct {
	Dir string
}

// NewLocalBashTool creates a bash tool running in dir.
func NewLocalBashTool(dir string) *LocalBashTool {
	return &LocalBashTool{Dir: dir}
}

// Run executes command with the given timeout and returns its exit code
// and combined output. A non-zero exit is not an error; err is reserved
// for failures to run the command at all (including timeout).
func (t *LocalBashTool) Run(ctx context.Context, command string, timeout time.Duration) (RunResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.Dir
	out, err := cmd.CombinedOutput()

	result := RunResult{Output: string(out)}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return result, fmt.Errorf("command timed out: %w", ctx.Err())
		}
		return result, nil
	}
	return result, fmt.Errorf("failed to run command: %w", err)
}

// LocalGitTool implements GitTool by invoking git (and gh for pull
// requests) in the repository directory. Arguments are passed as argv,
// never through a shell, so branch names, titles and messages cannot be
// interpreted as shell syntax.
type LocalGitTool struct {
	Dir     string
	timeout time.Duration
}

// NewLocalGitTool creates a git tool operating in dir.
func NewLocalGitTool(dir string, timeout time.Duration) *LocalGitTool {
	return &LocalGitTool{Dir: dir, timeout: timeout}
}

func (g *LocalGitTool) run(ctx context.Context, name string, args ...string) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = g.Dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return string(out), fmt.Errorf("%s command timed out: %w", name, ctx.Err())
		}
		return string(out), fmt.Errorf("%s command failed (exit %d): %s",
			name, exitErr.ExitCode(), strings.TrimSpace(string(out)))
	}
	return string(out), fmt.Errorf("failed to run %s: %w", name, err)
}

// CreateBranch creates and checks out name, silently reusing a branch that
// already exists.
func (g *LocalGitTool) CreateBranch(ctx context.Context, name string) error {
	if _, err := g.run(ctx, "git", "checkout", "-b", name); err == nil {
		return nil
	}
	// Branch may already exist; reuse it.
	_, err := g.run(ctx, "git", "checkout", name)
	return err
}

// Add stages the given paths, or everything when paths is empty.
func (g *LocalGitTool) Add(ctx context.Context, paths []string) error {
	args := []string{"add"}
	if len(paths) == 0 {
		args = append(args, "-A")
	} else {
		args = append(args, "--")
		args = append(args, paths...)
	}
	_, err := g.run(ctx, "git", args...)
	return err
}

// Commit records a commit and returns its sha.
func (g *LocalGitTool) Commit(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "git", "commit", "-m", message); err != nil {
		return "", err
	}
	out, err := g.run(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Push pushes branch to origin.
func (g *LocalGitTool) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "git", "push", "-u", "origin", branch)
	return err
}

// CreatePullRequest submits a pull request via the gh CLI and returns its
// URL.
func (g *LocalGitTool) CreatePullRequest(ctx context.Context, pr PullRequest) (string, error) {
	args := []string{"pr", "create", "--title", pr.Title, "--body", pr.Body, "--head", pr.Branch}
	if pr.Draft {
		args = append(args, "--draft")
	}
	out, err := g.run(ctx, "gh", args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Stash saves the working tree, including untracked files.
func (g *LocalGitTool) Stash(ctx context.Context) error {
	_, err := g.run(ctx, "git", "stash", "push", "--include-untracked")
	return err
}

// StashPop restores the most recent stash.
func (g *LocalGitTool) StashPop(ctx context.Context) error {
	_, err := g.run(ctx, "git", "stash", "pop")
	return err
}

// StashDrop discards the most recent stash.
func (g *LocalGitTool) StashDrop(ctx context.Context) error {
	_, err := g.run(ctx, "git", "stash", "drop")
	return err
}
