package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

// ErrStopped is returned by the gate when an external stop was requested.
// The orchestrator honours it at the next check point; in-flight external
// calls are allowed to finish first.
var ErrStopped = errors.New("workflow stopped")

// pausePollInterval is how often the gate re-reads the machine state
// while paused.
const pausePollInterval = 100 * time.Millisecond

// Gate is the cooperative control point checked at every phase boundary
// and before each long external call. Pause suspends the caller up to
// pauseTimeout; a lost resume event therefore cannot deadlock the run.
// Stop is sticky and short-circuits.
type Gate struct {
	fsm          *FSM
	pauseTimeout time.Duration
}

// NewGate creates a gate over the machine.
func NewGate(fsm *FSM, pauseTimeout time.Duration) *Gate {
	return &Gate{fsm: fsm, pauseTimeout: pauseTimeout}
}

// Check blocks while the workflow is paused and returns ErrStopped once a
// stop was requested. A pause outlasting the timeout logs a warning and
// lets the caller proceed.
func (g *Gate) Check(ctx context.Context) error {
	deadline := time.Now().Add(g.pauseTimeout)
	for {
		switch g.fsm.State() {
		case models.WorkflowStopped:
			return ErrStopped
		case models.WorkflowPaused:
			if time.Now().After(deadline) {
				slog.Warn("Pause exceeded poll timeout, proceeding", "timeout", g.pauseTimeout)
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pausePollInterval):
			}
		default:
			return nil
		}
	}
}
