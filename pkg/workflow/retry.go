package workflow

import (
	"context"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/noelgit/agent-s3-sub005/pkg/config"
	"github.com/noelgit/agent-s3-sub005/pkg/faults"
)

// Retry runs fn with bounded-exponential backoff and jitter. Only
// categories the fault taxonomy marks transient are retried; everything
// else surfaces immediately. After exhaustion the last error is returned.
func Retry(ctx context.Context, cfg config.WorkflowConfig, operation string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial.Std()
	bo.MaxInterval = cfg.BackoffMax.Std()

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !faults.Retryable(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("Retryable failure",
			"operation", operation,
			"attempt", attempt,
			"category", faults.CategoryOf(err),
			"error", err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(cfg.MaxRetries)), ctx)
	return backoff.Retry(wrapped, policy)
}
