package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the YAML file loaded from the config directory.
const ConfigFileName = "agent.yaml"

// Defaults returns the built-in configuration. User values from agent.yaml
// override these field by field.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8765,
			AuthTokenEnv:      "AGENT_AUTH_TOKEN",
			HeartbeatInterval: Duration(30 * time.Second),
			MaxMessageBytes:   1 << 20, // 1 MiB
			MaxQueueSize:      1000,
			OfflineQueueTTL:   Duration(10 * time.Minute),
			DescriptorPath:    defaultDescriptorPath(),
			RateLimits:        RateLimitConfig{MessagesPerSecond: 50},
			Batching:          BatchingConfig{Window: 0, MaxBatch: 25},
		},
		Workflow: WorkflowConfig{
			MaxAttempts:       3,
			MaxPlanIterations: 5,
			PausePollTimeout:  Duration(30 * time.Second),
			MaxRetries:        3,
			BackoffInitial:    Duration(500 * time.Millisecond),
			BackoffMax:        Duration(30 * time.Second),
		},
		State: StateConfig{
			BaseDir:    defaultStateDir(),
			MaxAgeDays: 7,
		},
		Validation: ValidationConfig{
			LintCommand:       "ruff check .",
			TypeCheckCommand:  "mypy .",
			TestCommand:       "pytest --cov --cov-report=term",
			MutationThreshold: 0.7,
			CommandTimeout:    Duration(120 * time.Second),
			TestTimeout:       Duration(300 * time.Second),
		},
		Apply: ApplyConfig{
			RequirementsFile: "requirements.txt",
			InstallTimeout:   Duration(300 * time.Second),
		},
		Retention: RetentionConfig{
			CleanupInterval: Duration(1 * time.Hour),
		},
		Tools: ToolsConfig{
			WorkspaceDir:  ".",
			BridgeTimeout: Duration(120 * time.Second),
			GitTimeout:    Duration(60 * time.Second),
		},
	}
}

// Initialize loads, defaults, and validates the configuration from
// configDir. This is the primary entry point for configuration loading.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"server_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"state_dir", cfg.State.BaseDir,
		"max_attempts", cfg.Workflow.MaxAttempts)
	return cfg, nil
}

// load reads agent.yaml (if present), expands environment variables in the
// raw bytes, and decodes the document over the built-in defaults. Decoding
// into the pre-populated struct keeps defaults for keys the user never
// wrote while letting explicit values, including zeros, through to the
// validator.
func load(configDir string) (*Config, error) {
	cfg := Defaults()

	path := filepath.Join(configDir, ConfigFileName)
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("No agent.yaml found, using built-in defaults", "path", path)
	case err != nil:
		return nil, NewLoadError(ConfigFileName, err)
	default:
		expanded := os.ExpandEnv(string(raw))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, NewLoadError(ConfigFileName, err)
		}
	}

	cfg.Server.AuthToken = os.Getenv(cfg.Server.AuthTokenEnv)
	return cfg, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent/state"
	}
	return filepath.Join(home, ".agent", "state")
}

func defaultDescriptorPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent/connection.json"
	}
	return filepath.Join(home, ".agent", "connection.json")
}
