package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"

	"github.com/sells-group/loadblast/internal/model"
)

func TestLocalLauncher_StartRunsSchedule(t *testing.T) {
	h := newSchedHarness(t, map[string]int{"c-1": 92})
	load := qualifiedLoad(t, h.store)
	ctx := context.Background()

	l := LocalLauncher{Scheduler: h.sched}
	require.NoError(t, l.Start(ctx, load.ID))
	h.sched.Wait()

	got, err := h.store.GetLoad(ctx, load.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LoadStatusDispatched, got.Status)
	assert.Equal(t, 1, h.dispatcher.Total())

	assert.NoError(t, l.Cancel(ctx, load.ID, "nothing running"))
}

func TestTemporalLauncher_Start(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	run.On("GetRunID").Return("run-1")
	c.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == "dispatch-load-1" && o.TaskQueue == "q"
	}), TierWorkflowName, TierWorkflowInput{LoadID: "load-1"}).Return(run, nil)

	l := TemporalLauncher{Client: c, TaskQueue: "q"}
	require.NoError(t, l.Start(context.Background(), "load-1"))
	c.AssertExpectations(t)
}

func TestTemporalLauncher_CancelIgnoresMissingWorkflow(t *testing.T) {
	c := &mocks.Client{}
	c.On("SignalWorkflow", mock.Anything, "dispatch-load-1", "", CancelSignal, "withdrawn").
		Return(serviceerror.NewNotFound("workflow not found"))

	l := TemporalLauncher{Client: c, TaskQueue: "q"}
	assert.NoError(t, l.Cancel(context.Background(), "load-1", "withdrawn"))
}

func TestTemporalLauncher_CancelSurfacesOtherErrors(t *testing.T) {
	c := &mocks.Client{}
	c.On("SignalWorkflow", mock.Anything, "dispatch-load-1", "", CancelSignal, "withdrawn").
		Return(serviceerror.NewUnavailable("frontend down"))

	l := TemporalLauncher{Client: c, TaskQueue: "q"}
	assert.Error(t, l.Cancel(context.Background(), "load-1", "withdrawn"))
}
