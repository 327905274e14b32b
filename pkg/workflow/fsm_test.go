package workflow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noelgit/agent-s3-sub005/pkg/bus"
	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

// statusRecorder captures workflow_status broadcasts.
type statusRecorder struct {
	mu       sync.Mutex
	contents []map[string]any
}

func recordStatus(t *testing.T, b *bus.Bus) *statusRecorder {
	t.Helper()
	rec := &statusRecorder{}
	b.RegisterHandler(bus.KindWorkflowStatus, func(m *bus.Message) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.contents = append(rec.contents, m.Content)
	})
	return rec
}

func (r *statusRecorder) all() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any{}, r.contents...)
}

func (r *statusRecorder) last(t *testing.T) map[string]any {
	t.Helper()
	all := r.all()
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func TestFSMLegalTransitions(t *testing.T) {
	fsm := NewFSM(bus.New())

	assert.Equal(t, models.WorkflowReady, fsm.State())
	assert.True(t, fsm.Transition(models.WorkflowRunning))
	assert.True(t, fsm.Transition(models.WorkflowPaused))
	assert.True(t, fsm.Transition(models.WorkflowRunning))
	assert.True(t, fsm.Transition(models.WorkflowCompleted))
	assert.Equal(t, models.WorkflowCompleted, fsm.State())
}

func TestFSMIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	b := bus.New()
	fsm := NewFSM(b)
	rec := recordStatus(t, b)

	// Pausing from ready is not allowed.
	assert.False(t, fsm.Transition(models.WorkflowPaused))
	assert.Equal(t, models.WorkflowReady, fsm.State())
	assert.Empty(t, rec.all())
}

func TestFSMResumeAfterStopIsRejected(t *testing.T) {
	b := bus.New()
	fsm := NewFSM(b)
	require.True(t, fsm.Transition(models.WorkflowRunning))
	require.True(t, fsm.Transition(models.WorkflowStopped))
	rec := recordStatus(t, b)

	assert.False(t, fsm.Transition(models.WorkflowRunning))
	assert.Equal(t, models.WorkflowStopped, fsm.State())
	assert.Empty(t, rec.all(), "rejected transition must not broadcast")
}

func TestFSMTerminalStatesAdmitNothing(t *testing.T) {
	for _, terminal := range []models.WorkflowState{models.WorkflowCompleted, models.WorkflowFailed} {
		fsm := NewFSM(bus.New())
		require.True(t, fsm.Transition(models.WorkflowRunning))
		if terminal == models.WorkflowFailed {
			require.True(t, fsm.Fail("boom"))
		} else {
			require.True(t, fsm.Transition(terminal))
		}
		for _, to := range []models.WorkflowState{models.WorkflowRunning, models.WorkflowPaused, models.WorkflowStopped} {
			assert.False(t, fsm.Transition(to), "from %s to %s", terminal, to)
		}
	}
}

func TestFSMBroadcastCarriesCapabilities(t *testing.T) {
	b := bus.New()
	fsm := NewFSM(b)
	rec := recordStatus(t, b)

	fsm.Transition(models.WorkflowRunning)
	status := rec.last(t)
	assert.Equal(t, "running", status["status"])
	assert.Equal(t, true, status["can_pause"])
	assert.Equal(t, false, status["can_resume"])
	assert.Equal(t, true, status["can_stop"])

	fsm.Transition(models.WorkflowPaused)
	status = rec.last(t)
	assert.Equal(t, false, status["can_pause"])
	assert.Equal(t, true, status["can_resume"])
	assert.Equal(t, true, status["can_stop"])

	fsm.Transition(models.WorkflowStopped)
	status = rec.last(t)
	assert.Equal(t, false, status["can_pause"])
	assert.Equal(t, false, status["can_resume"])
	assert.Equal(t, false, status["can_stop"])
}

func TestFSMFailCarriesShortMessage(t *testing.T) {
	b := bus.New()
	fsm := NewFSM(b)
	rec := recordStatus(t, b)
	require.True(t, fsm.Transition(models.WorkflowRunning))

	require.True(t, fsm.Fail("planner unreachable"))
	status := rec.last(t)
	assert.Equal(t, "failed", status["status"])
	assert.Equal(t, "planner unreachable", status["message"])
}

func TestFSMSetPhaseBroadcastsOnlyWhileActive(t *testing.T) {
	b := bus.New()
	fsm := NewFSM(b)
	rec := recordStatus(t, b)

	fsm.SetPhase(models.PhasePlanning)
	assert.Empty(t, rec.all(), "phase changes before running must not broadcast")

	require.True(t, fsm.Transition(models.WorkflowRunning))
	fsm.SetPhase(models.PhaseExecution)
	status := rec.last(t)
	assert.Equal(t, "execution", status["phase"])
	assert.Equal(t, models.PhaseExecution, fsm.Phase())
}
