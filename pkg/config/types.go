// Package config loads, defaults and validates the agent.yaml configuration.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete, validated runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	State      StateConfig      `yaml:"state"`
	Validation ValidationConfig `yaml:"validation"`
	Apply      ApplyConfig      `yaml:"apply"`
	Retention  RetentionConfig  `yaml:"retention"`
	Tools      ToolsConfig      `yaml:"tools"`
}

// ServerConfig configures the streaming server.
type ServerConfig struct {
	Host              string          `yaml:"host"`
	Port              int             `yaml:"port"`
	AuthTokenEnv      string          `yaml:"auth_token_env"`
	AuthToken         string          `yaml:"-"` // resolved from AuthTokenEnv, never serialized
	HeartbeatInterval Duration        `yaml:"heartbeat_interval"`
	MaxMessageBytes   int             `yaml:"max_message_bytes"`
	MaxQueueSize      int             `yaml:"max_queue_size"`
	OfflineQueueTTL   Duration        `yaml:"offline_queue_ttl"`
	DescriptorPath    string          `yaml:"descriptor_path"`
	RateLimits        RateLimitConfig `yaml:"rate_limits"`
	Batching          BatchingConfig  `yaml:"batching"`
}

// RateLimitConfig bounds per-client message delivery.
type RateLimitConfig struct {
	MessagesPerSecond int `yaml:"messages_per_second"`
}

// BatchingConfig controls per-client send coalescing. A zero Window
// disables batching entirely.
type BatchingConfig struct {
	Window   Duration `yaml:"window"`
	MaxBatch int      `yaml:"max_batch"`
}

// WorkflowConfig bounds the orchestrator's loops and waits.
type WorkflowConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	MaxPlanIterations int      `yaml:"max_plan_iterations"`
	PausePollTimeout  Duration `yaml:"pause_poll_timeout"`
	MaxRetries        int      `yaml:"max_retries"`
	BackoffInitial    Duration `yaml:"backoff_initial"`
	BackoffMax        Duration `yaml:"backoff_max"`
}

// StateConfig configures the snapshot store.
type StateConfig struct {
	BaseDir    string `yaml:"base_dir"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ValidationConfig configures the validation pipeline. Empty commands skip
// the corresponding step.
type ValidationConfig struct {
	SetupCommand      string   `yaml:"setup_command"`
	LintCommand       string   `yaml:"lint_command"`
	TypeCheckCommand  string   `yaml:"type_check_command"`
	TestCommand       string   `yaml:"test_command"`
	MutationCommand   string   `yaml:"mutation_command"`
	MutationThreshold float64  `yaml:"mutation_threshold"`
	CommandTimeout    Duration `yaml:"command_timeout"`
	TestTimeout       Duration `yaml:"test_timeout"`
}

// ApplyConfig configures the change applicator.
type ApplyConfig struct {
	RequirementsFile string   `yaml:"requirements_file"`
	InstallTimeout   Duration `yaml:"install_timeout"`
}

// RetentionConfig configures the background cleanup loop.
type RetentionConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// ToolsConfig configures the external collaborator bridges: the workspace
// the file/bash/git tools operate in and the command the planner and
// generator are bridged through. An empty BridgeCommand means no planner
// backend is available and task runs are rejected.
type ToolsConfig struct {
	WorkspaceDir  string   `yaml:"workspace_dir"`
	BridgeCommand string   `yaml:"bridge_command"`
	BridgeTimeout Duration `yaml:"bridge_timeout"`
	GitTimeout    Duration `yaml:"git_timeout"`
}
