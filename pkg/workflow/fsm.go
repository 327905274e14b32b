// Package workflow drives a task through its phases: a controllable state
// machine, a cooperative pause/stop gate, a bounded retry policy for
// external calls, and the orchestrator that ties the planner, generator,
// applicator and validation pipeline together.
package workflow

import (
	"log/slog"
	"sync"

	"github.com/noelgit/agent-s3-sub005/pkg/bus"
	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

// transitions enumerates every legal state change. Anything not listed
// fails without touching the state.
var transitions = map[models.WorkflowState][]models.WorkflowState{
	models.WorkflowReady:   {models.WorkflowRunning},
	models.WorkflowRunning: {models.WorkflowPaused, models.WorkflowStopped, models.WorkflowCompleted, models.WorkflowFailed},
	models.WorkflowPaused:  {models.WorkflowRunning, models.WorkflowStopped},
}

// FSM is the orchestrator's state machine. All transitions are validated
// against the transition table under a single lock; every successful
// transition broadcasts a workflow_status message.
type FSM struct {
	bus *bus.Bus

	mu    sync.Mutex
	state models.WorkflowState
	phase models.Phase
}

// NewFSM creates a machine in the ready state.
func NewFSM(b *bus.Bus) *FSM {
	return &FSM{bus: b, state: models.WorkflowReady}
}

// State returns the current machine state.
func (f *FSM) State() models.WorkflowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Phase returns the phase most recently recorded with SetPhase.
func (f *FSM) Phase() models.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// Transition attempts a state change. Illegal attempts leave the state
// unchanged, log a warning, and broadcast nothing.
func (f *FSM) Transition(to models.WorkflowState) bool {
	f.mu.Lock()
	from := f.state
	if !legal(from, to) {
		f.mu.Unlock()
		slog.Warn("Rejected workflow transition", "from", from, "to", to)
		return false
	}
	f.state = to
	phase := f.phase
	f.mu.Unlock()

	slog.Info("Workflow transition", "from", from, "to", to)
	f.broadcast(to, phase, "")
	return true
}

// Fail moves to the failed state and attaches a short user-visible
// message to the broadcast. Detail belongs in the logs, not the stream.
func (f *FSM) Fail(message string) bool {
	f.mu.Lock()
	from := f.state
	if !legal(from, models.WorkflowFailed) {
		f.mu.Unlock()
		slog.Warn("Rejected workflow transition", "from", from, "to", models.WorkflowFailed)
		return false
	}
	f.state = models.WorkflowFailed
	phase := f.phase
	f.mu.Unlock()

	slog.Info("Workflow transition", "from", from, "to", models.WorkflowFailed)
	f.broadcast(models.WorkflowFailed, phase, message)
	return true
}

// SetPhase records the phase the orchestrator is entering and broadcasts
// the updated status.
func (f *FSM) SetPhase(phase models.Phase) {
	f.mu.Lock()
	f.phase = phase
	state := f.state
	f.mu.Unlock()

	// The status enum excludes "ready"; phase changes only ever happen
	// once the machine is running.
	if state != models.WorkflowReady {
		f.broadcast(state, phase, "")
	}
}

func legal(from, to models.WorkflowState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (f *FSM) broadcast(state models.WorkflowState, phase models.Phase, message string) {
	content := map[string]any{
		"status":     string(state),
		"phase":      string(phase),
		"can_pause":  state == models.WorkflowRunning,
		"can_resume": state == models.WorkflowPaused,
		"can_stop":   state == models.WorkflowRunning || state == models.WorkflowPaused,
	}
	if message != "" {
		content["message"] = message
	}
	f.bus.Publish(bus.MustNew(bus.KindWorkflowStatus, content))
}
