// agentd drives LLM-planned software-engineering tasks through planning,
// approval, code generation, validation and pull-request creation, while
// streaming progress to connected UI clients over WebSocket.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/noelgit/agent-s3-sub005/pkg/apply"
	"github.com/noelgit/agent-s3-sub005/pkg/bus"
	"github.com/noelgit/agent-s3-sub005/pkg/cleanup"
	"github.com/noelgit/agent-s3-sub005/pkg/config"
	"github.com/noelgit/agent-s3-sub005/pkg/resume"
	"github.com/noelgit/agent-s3-sub005/pkg/state"
	"github.com/noelgit/agent-s3-sub005/pkg/stream"
	"github.com/noelgit/agent-s3-sub005/pkg/tools"
	"github.com/noelgit/agent-s3-sub005/pkg/validate"
	"github.com/noelgit/agent-s3-sub005/pkg/version"
	"github.com/noelgit/agent-s3-sub005/pkg/workflow"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:           "agentd",
	Short:         "LLM workflow orchestrator daemon",
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env from the config directory before anything reads the
		// environment; auth tokens live there in development setups.
		envPath := filepath.Join(configDir, ".env")
		if err := godotenv.Load(envPath); err != nil {
			slog.Debug("No .env file loaded", "path", envPath, "error", err)
		} else {
			slog.Info("Loaded environment", "path", envPath)
		}
	},
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// app bundles every wired subsystem. Commands pick the parts they need.
type app struct {
	cfg     *config.Config
	bus     *bus.Bus
	store   *state.Store
	server  *stream.Server
	orch    *workflow.Orchestrator
	resumer *resume.Resumer
	cleanup *cleanup.Service
}

// buildApp loads configuration and wires the subsystems together.
func buildApp() (*app, error) {
	cfg, err := config.Initialize(configDir)
	if err != nil {
		return nil, err
	}

	b := bus.New()

	store, err := state.New(cfg.State.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	workspace := cfg.Tools.WorkspaceDir
	files := tools.NewLocalFileTool(workspace)
	bash := tools.NewLocalBashTool(workspace)
	git := tools.NewLocalGitTool(workspace, cfg.Tools.GitTimeout.Std())
	bridge := tools.NewCommandBridge(cfg.Tools.BridgeCommand, workspace, cfg.Tools.BridgeTimeout.Std())
	moderator := tools.NewConsoleModerator(os.Stdin, os.Stdout)

	orch := workflow.New(cfg.Workflow, workflow.Deps{
		Bus:        b,
		Store:      store,
		Applicator: apply.New(files, bash, cfg.Apply),
		Pipeline:   validate.New(bash, cfg.Validation),
		Planner:    bridge,
		Checker:    bridge,
		Generator:  bridge,
		Moderator:  moderator,
		Context:    bridge,
		Git:        git,
	})

	server := stream.NewServer(cfg.Server, b, version.Full())

	return &app{
		cfg:     cfg,
		bus:     b,
		store:   store,
		server:  server,
		orch:    orch,
		resumer: resume.New(store, orch, moderator),
		cleanup: cleanup.NewService(cfg.Retention, cfg.State, store, server),
	}, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir",
		getEnv("AGENT_CONFIG_DIR", filepath.Join(defaultConfigHome(), "agent")),
		"Path to configuration directory")
	rootCmd.AddCommand(serveCmd, runCmd, tasksCmd, resumeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigHome() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}
