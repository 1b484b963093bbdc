package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

const (
	// TierWorkflowName is the registered name of TierWorkflow.
	TierWorkflowName = "DispatchTiers"
	// CancelSignal stops a running TierWorkflow before its next tier. The
	// payload is a reason string.
	CancelSignal = "cancel-dispatch"
)

// TierWorkflowInput starts a durable dispatch of one load.
type TierWorkflowInput struct {
	LoadID string `json:"load_id"`
}

// WorkflowID is the Temporal workflow id of a load's dispatch. One id per
// load keeps a second start from running the plan twice.
func WorkflowID(loadID string) string {
	return "dispatch-" + loadID
}

// Activities exposes the Scheduler steps to Temporal.
type Activities struct {
	Scheduler *Scheduler
}

// PrepareDispatch scores the load and builds its plan.
func (a *Activities) PrepareDispatch(ctx context.Context, loadID string) (*Plan, error) {
	plan, err := a.Scheduler.Prepare(ctx, loadID)
	if errors.Is(err, ErrNotDispatchable) {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "NotDispatchable", err)
	}
	return plan, err
}

// DeliverTier contacts one tier of the plan.
func (a *Activities) DeliverTier(ctx context.Context, plan *Plan, idx int) (TierResult, error) {
	res, err := a.Scheduler.DeliverTier(ctx, plan, idx)
	if errors.Is(err, ErrStaleScore) {
		return res, temporal.NewNonRetryableApplicationError(err.Error(), "StaleScore", err)
	}
	return res, err
}

// FinishDispatch marks the load DISPATCHED.
func (a *Activities) FinishDispatch(ctx context.Context, plan *Plan, results []TierResult) error {
	return a.Scheduler.Finish(ctx, plan, results)
}

// AbortDispatch records a cancellation.
func (a *Activities) AbortDispatch(ctx context.Context, plan *Plan, tier int, reason string) error {
	a.Scheduler.Abort(ctx, plan, tier, reason)
	return nil
}

// TierWorkflow is the durable form of Scheduler.Run: the waits between tiers
// are Temporal timers, so a plan survives worker restarts.
func TierWorkflow(ctx workflow.Context, in TierWorkflowInput) (*Summary, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	})
	log := workflow.GetLogger(ctx)

	var a *Activities
	var plan *Plan
	if err := workflow.ExecuteActivity(ctx, a.PrepareDispatch, in.LoadID).Get(ctx, &plan); err != nil {
		return nil, err
	}
	sum := &Summary{LoadID: in.LoadID, Carriers: plan.Carriers()}
	if plan.Empty() {
		sum.Reason = "no_eligible_carriers"
		return sum, nil
	}

	cancelCh := workflow.GetSignalChannel(ctx, CancelSignal)
	for i, pt := range plan.Tiers {
		if reason, cancelled := waitOrCancel(ctx, cancelCh, pt.Wait); cancelled {
			log.Info("dispatch cancelled by signal", "load_id", in.LoadID, "tier", pt.Tier, "reason", reason)
			if err := workflow.ExecuteActivity(ctx, a.AbortDispatch, plan, pt.Tier, reason).Get(ctx, nil); err != nil {
				return sum, err
			}
			sum.Cancelled = true
			sum.Reason = "cancelled"
			return sum, nil
		}

		var res TierResult
		if err := workflow.ExecuteActivity(ctx, a.DeliverTier, plan, i).Get(ctx, &res); err != nil {
			return sum, err
		}
		sum.Tiers = append(sum.Tiers, res)
		if res.Cancelled {
			sum.Cancelled = true
			sum.Reason = "cancelled"
			return sum, nil
		}
	}

	if err := workflow.ExecuteActivity(ctx, a.FinishDispatch, plan, sum.Tiers).Get(ctx, nil); err != nil {
		return sum, err
	}
	return sum, nil
}

// waitOrCancel sleeps for d unless a cancel signal arrives first. A signal
// already queued cancels even when d is zero.
func waitOrCancel(ctx workflow.Context, ch workflow.ReceiveChannel, d time.Duration) (string, bool) {
	var reason string
	if ch.ReceiveAsync(&reason) {
		return reason, true
	}
	if d <= 0 {
		return "", false
	}

	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()

	cancelled := false
	sel := workflow.NewSelector(ctx)
	sel.AddFuture(workflow.NewTimer(timerCtx, d), func(workflow.Future) {})
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, &reason)
		cancelled = true
	})
	sel.Select(ctx)
	return reason, cancelled
}

// RegisterWorker registers the workflow and its activities on w.
func RegisterWorker(w worker.Worker, s *Scheduler) {
	w.RegisterWorkflowWithOptions(TierWorkflow, workflow.RegisterOptions{Name: TierWorkflowName})
	w.RegisterActivity(&Activities{Scheduler: s})
}

// StartWorkflow starts the durable dispatch of loadID on taskQueue. Starting
// a load that already has a running dispatch returns the running one.
func StartWorkflow(ctx context.Context, c client.Client, taskQueue, loadID string) (client.WorkflowRun, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       WorkflowID(loadID),
		TaskQueue:                taskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}, TierWorkflowName, TierWorkflowInput{LoadID: loadID})
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: start workflow for %s", loadID)
	}
	return run, nil
}

// CancelWorkflow signals the running dispatch of loadID to stop.
func CancelWorkflow(ctx context.Context, c client.Client, loadID, reason string) error {
	if err := c.SignalWorkflow(ctx, WorkflowID(loadID), "", CancelSignal, reason); err != nil {
		return eris.Wrapf(err, "dispatch: signal workflow for %s", loadID)
	}
	return nil
}
