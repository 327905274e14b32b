// Package apply writes generated file changes into the workspace and
// reconciles the Python dependency file: new top-level imports discovered
// in the written files are appended to requirements.txt and installed.
package apply

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/noelgit/agent-s3-sub005/pkg/config"
	"github.com/noelgit/agent-s3-sub005/pkg/faults"
	"github.com/noelgit/agent-s3-sub005/pkg/tools"
)

const component = "change_applicator"

// Applicator applies a batch of generated changes. It does not roll back
// on failure; the caller's VCS stash covers that.
type Applicator struct {
	files            tools.FileTool
	bash             tools.BashTool
	requirementsFile string
	installTimeout   config.Duration
}

// New creates an Applicator over the given file and bash tools.
func New(files tools.FileTool, bash tools.BashTool, cfg config.ApplyConfig) *Applicator {
	return &Applicator{
		files:            files,
		bash:             bash,
		requirementsFile: cfg.RequirementsFile,
		installTimeout:   cfg.InstallTimeout,
	}
}

// Apply writes every change, discovers new Python dependencies across the
// written .py files, appends them to the requirements file, and installs.
// The first write failure aborts the batch.
func (a *Applicator) Apply(ctx context.Context, changes map[string]string) error {
	if len(changes) == 0 {
		return nil
	}

	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := a.files.Write(path, changes[path]); err != nil {
			return faults.Wrap(err, faults.CategoryRuntime, component, "write "+path)
		}
	}
	slog.Info("Applied file changes", "files", len(paths))

	newPackages, err := a.discoverNewPackages(paths, changes)
	if err != nil {
		return err
	}
	if len(newPackages) == 0 {
		return nil
	}

	if err := a.appendRequirements(newPackages); err != nil {
		return err
	}
	return a.install(ctx)
}

// discoverNewPackages collects top-level imports from the written .py
// files and filters out the standard library and anything already listed
// in the requirements file. Order follows first appearance.
func (a *Applicator) discoverNewPackages(paths []string, changes map[string]string) ([]string, error) {
	existing, err := a.existingRequirements()
	if err != nil {
		return nil, err
	}

	var discovered []string
	seen := map[string]bool{}
	for _, path := range paths {
		if !strings.HasSuffix(path, ".py") {
			continue
		}
		for _, module := range pythonImports(changes[path]) {
			name := normalizePackageName(module)
			if seen[name] || existing[name] || pythonStdlib[module] {
				continue
			}
			seen[name] = true
			discovered = append(discovered, module)
		}
	}
	return discovered, nil
}

// install runs pip against the requirements file, once per batch.
func (a *Applicator) install(ctx context.Context) error {
	command := "pip install -r " + a.requirementsFile
	res, err := a.bash.Run(ctx, command, a.installTimeout.Std())
	if err != nil {
		return faults.Wrap(err, faults.CategoryCoordination, component, "pip install")
	}
	if res.ExitCode != 0 {
		slog.Error("Dependency install failed", "exit_code", res.ExitCode)
		return faults.New(faults.CategoryImport, component, "pip install",
			fmt.Sprintf("exit %d: %s", res.ExitCode, tail(res.Output, 2000)))
	}
	slog.Info("Installed dependencies", "file", a.requirementsFile)
	return nil
}

// tail returns the last n bytes of s, for bounded error messages.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
