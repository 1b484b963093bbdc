package dispatch

import (
	"context"
	"errors"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// Launcher starts and stops the tier schedule of a load. Start on a load
// whose schedule is already running is a no-op, as is Cancel on a load
// with nothing running.
type Launcher interface {
	Start(ctx context.Context, loadID string) error
	Cancel(ctx context.Context, loadID, reason string) error
}

// LocalLauncher runs schedules in-process on a Scheduler.
type LocalLauncher struct {
	Scheduler *Scheduler
}

// Start launches the schedule in the background.
func (l LocalLauncher) Start(ctx context.Context, loadID string) error {
	if !l.Scheduler.Start(ctx, loadID) {
		zap.L().Debug("dispatch: schedule already running", zap.String("load_id", loadID))
	}
	return nil
}

// Cancel interrupts a pending inter-tier wait.
func (l LocalLauncher) Cancel(_ context.Context, loadID, _ string) error {
	l.Scheduler.Cancel(loadID)
	return nil
}

// TemporalLauncher runs schedules as TierWorkflow executions.
type TemporalLauncher struct {
	Client    client.Client
	TaskQueue string
}

// Start starts, or attaches to, the load's workflow.
func (t TemporalLauncher) Start(ctx context.Context, loadID string) error {
	run, err := StartWorkflow(ctx, t.Client, t.TaskQueue, loadID)
	if err != nil {
		return err
	}
	zap.L().Info("dispatch: workflow started",
		zap.String("load_id", loadID),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

// Cancel signals the load's workflow. A load without a running workflow
// is not an error.
func (t TemporalLauncher) Cancel(ctx context.Context, loadID, reason string) error {
	err := CancelWorkflow(ctx, t.Client, loadID, reason)
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return nil
	}
	return err
}
