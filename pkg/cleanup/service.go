// Package cleanup provides data retention for persisted workflow state.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/noelgit/agent-s3-sub005/pkg/config"
)

// SnapshotEvictor removes stale task snapshot directories.
type SnapshotEvictor interface {
	EvictOlderThan(maxAge time.Duration) (int, error)
}

// QueuePruner drops offline delivery queues past their TTL.
type QueuePruner interface {
	PruneOfflineQueues() int
}

// Service periodically enforces retention policies:
//   - Evicts task state directories older than max_age_days
//   - Prunes expired offline delivery queues
//
// All operations are idempotent.
type Service struct {
	retention config.RetentionConfig
	maxAge    time.Duration
	store     SnapshotEvictor
	pruner    QueuePruner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. pruner may be nil when no
// streaming server is running.
func NewService(retention config.RetentionConfig, state config.StateConfig, store SnapshotEvictor, pruner QueuePruner) *Service {
	return &Service{
		retention: retention,
		maxAge:    time.Duration(state.MaxAgeDays) * 24 * time.Hour,
		store:     store,
		pruner:    pruner,
	}
}

// Start launches the background cleanup loop. The first pass runs
// immediately so stale state is gone before any new task starts.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"state_max_age", s.maxAge,
		"interval", s.retention.CleanupInterval.Std())
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll()

	ticker := time.NewTicker(s.retention.CleanupInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll()
		}
	}
}

func (s *Service) runAll() {
	s.evictStaleState()
	s.pruneOfflineQueues()
}

func (s *Service) evictStaleState() {
	count, err := s.store.EvictOlderThan(s.maxAge)
	if err != nil {
		slog.Error("Retention: state eviction failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: evicted stale task state", "count", count)
	}
}

func (s *Service) pruneOfflineQueues() {
	if s.pruner == nil {
		return
	}
	if count := s.pruner.PruneOfflineQueues(); count > 0 {
		slog.Info("Retention: pruned offline queues", "count", count)
	}
}
