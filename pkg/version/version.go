// Package version reports the build identity of the agentd binary.
// The commit hash comes from -ldflags when set, otherwise from the VCS
// stamp the toolchain embeds; builds without either report "dev".
package version

import "runtime/debug"

// AppName is the application name used in version strings and the
// connection descriptor.
const AppName = "agentd"

// gitCommitOverride can be injected with -ldflags for builds where the
// .git directory is not present, such as container image builds.
var gitCommitOverride string

// GitCommit is the short commit hash identifying this build, or "dev".
var GitCommit = resolveCommit()

func resolveCommit() string {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shorten(s.Value)
			}
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "agentd/<commit>" for handshakes and log lines.
func Full() string {
	return AppName + "/" + GitCommit
}
