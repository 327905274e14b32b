package config

import "fmt"

// validate checks the fully merged configuration and returns an aggregated
// ValidationError listing every problem found, rather than stopping at the
// first one.
func validate(cfg *Config) error {
	var problems []string

	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		add("server.port: %d is out of range", cfg.Server.Port)
	}
	if cfg.Server.HeartbeatInterval <= 0 {
		add("server.heartbeat_interval: must be positive")
	}
	if cfg.Server.MaxMessageBytes <= 0 {
		add("server.max_message_bytes: must be positive")
	}
	if cfg.Server.MaxQueueSize <= 0 {
		add("server.max_queue_size: must be positive")
	}
	if cfg.Server.RateLimits.MessagesPerSecond <= 0 {
		add("server.rate_limits.messages_per_second: must be positive")
	}
	if cfg.Server.Batching.Window < 0 {
		add("server.batching.window: must not be negative")
	}
	if cfg.Server.Batching.Window > 0 && cfg.Server.Batching.MaxBatch <= 1 {
		add("server.batching.max_batch: must exceed 1 when batching is enabled")
	}

	if cfg.Workflow.MaxAttempts < 1 {
		add("workflow.max_attempts: must be at least 1")
	}
	if cfg.Workflow.MaxPlanIterations < 1 {
		add("workflow.max_plan_iterations: must be at least 1")
	}
	if cfg.Workflow.PausePollTimeout <= 0 {
		add("workflow.pause_poll_timeout: must be positive")
	}
	if cfg.Workflow.MaxRetries < 0 {
		add("workflow.max_retries: must not be negative")
	}
	if cfg.Workflow.BackoffInitial <= 0 {
		add("workflow.backoff_initial: must be positive")
	}
	if cfg.Workflow.BackoffMax < cfg.Workflow.BackoffInitial {
		add("workflow.backoff_max: must not be below backoff_initial")
	}

	if cfg.State.BaseDir == "" {
		add("state.base_dir: must not be empty")
	}
	if cfg.State.MaxAgeDays < 1 {
		add("state.max_age_days: must be at least 1")
	}

	if cfg.Validation.MutationThreshold < 0 || cfg.Validation.MutationThreshold > 1 {
		add("validation.mutation_threshold: %v is out of range [0,1]", cfg.Validation.MutationThreshold)
	}
	if cfg.Validation.CommandTimeout <= 0 {
		add("validation.command_timeout: must be positive")
	}
	if cfg.Validation.TestTimeout <= 0 {
		add("validation.test_timeout: must be positive")
	}

	if cfg.Apply.RequirementsFile == "" {
		add("apply.requirements_file: must not be empty")
	}
	if cfg.Apply.InstallTimeout <= 0 {
		add("apply.install_timeout: must be positive")
	}

	if cfg.Retention.CleanupInterval <= 0 {
		add("retention.cleanup_interval: must be positive")
	}

	if cfg.Tools.WorkspaceDir == "" {
		add("tools.workspace_dir: must not be empty")
	}
	if cfg.Tools.BridgeTimeout <= 0 {
		add("tools.bridge_timeout: must be positive")
	}
	if cfg.Tools.GitTimeout <= 0 {
		add("tools.git_timeout: must be positive")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
