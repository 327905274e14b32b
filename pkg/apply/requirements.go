package apply

import (
	"strings"

	"github.com/noelgit/agent-s3-sub005/pkg/faults"
)

// existingRequirements parses the requirements file into a set of
// normalized package names. A missing file yields an empty set.
func (a *Applicator) existingRequirements() (map[string]bool, error) {
	existing := map[string]bool{}

	ok, err := a.files.Exists(a.requirementsFile)
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryRuntime, component, "stat "+a.requirementsFile)
	}
	if !ok {
		return existing, nil
	}

	content, err := a.files.Read(a.requirementsFile)
	if err != nil {
		return nil, faults.Wrap(err, faults.CategoryRuntime, component, "read "+a.requirementsFile)
	}
	for _, line := range strings.Split(content, "\n") {
		if name := requirementName(line); name != "" {
			existing[name] = true
		}
	}
	return existing, nil
}

// appendRequirements appends the new packages one per line, preserving
// every existing line and comment verbatim.
func (a *Applicator) appendRequirements(packages []string) error {
	var content string
	ok, err := a.files.Exists(a.requirementsFile)
	if err != nil {
		return faults.Wrap(err, faults.CategoryRuntime, component, "stat "+a.requirementsFile)
	}
	if ok {
		content, err = a.files.Read(a.requirementsFile)
		if err != nil {
			return faults.Wrap(err, faults.CategoryRuntime, component, "read "+a.requirementsFile)
		}
	}

	var b strings.Builder
	b.WriteString(content)
	if content != "" && !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	for _, pkg := range packages {
		b.WriteString(pkg)
		b.WriteString("\n")
	}

	if err := a.files.Write(a.requirementsFile, b.String()); err != nil {
		return faults.Wrap(err, faults.CategoryRuntime, component, "write "+a.requirementsFile)
	}
	return nil
}

// requirementName extracts the normalized package name from one
// requirements line. Comments, blanks, options and bare URLs yield "".
func requirementName(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
		return ""
	}
	// Strip environment markers, extras and version specifiers.
	if idx := strings.IndexAny(line, " \t;@=<>!~["); idx >= 0 {
		line = line[:idx]
	}
	return normalizePackageName(line)
}

// normalizePackageName lowercases and folds '_' and '.' to '-', matching
// pip's case-insensitive name comparison.
func normalizePackageName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "_", "-")
	name = strings.ReplaceAll(name, ".", "-")
	return name
}
