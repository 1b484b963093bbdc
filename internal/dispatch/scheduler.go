package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/metrics"
	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/store"
)

const conflictRetries = 3

// errCancelled means the load left dispatch (withdrawn, filled, sent for
// review) while its plan was running.
var errCancelled = eris.New("dispatch: load no longer dispatchable")

// errFinished means another run already took the load to DISPATCHED.
var errFinished = eris.New("dispatch: load already dispatched")

// Summary is the outcome of one scheduler run.
type Summary struct {
	LoadID    string       `json:"load_id"`
	Carriers  int          `json:"carriers"`
	Tiers     []TierResult `json:"tiers"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// Scheduler runs the tier plan of a load: tier one immediately, each later
// tier after its delay, re-checking the load right before every tier.
type Scheduler struct {
	store     store.Store
	scorer    Scorer
	exec      *Executor
	escalator Escalator
	metrics   *metrics.Collectors
	tiers     []model.OutreachTier

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler. m may be nil.
func NewScheduler(st store.Store, sc Scorer, exec *Executor, esc Escalator, m *metrics.Collectors, tiers []model.OutreachTier) *Scheduler {
	return &Scheduler{
		store:     st,
		scorer:    sc,
		exec:      exec,
		escalator: esc,
		metrics:   m,
		tiers:     tiers,
		now:       time.Now,
		after:     time.After,
		running:   make(map[string]context.CancelFunc),
	}
}

// Start runs the plan for loadID in the background. The run outlives ctx
// but stops on Cancel or Stop. A load already running is left alone.
func (s *Scheduler) Start(ctx context.Context, loadID string) bool {
	s.mu.Lock()
	if _, ok := s.running[loadID]; ok {
		s.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.running[loadID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, loadID)
			s.mu.Unlock()
			cancel()
		}()

		sum, err := s.Run(runCtx, loadID)
		if err != nil {
			zap.L().Error("dispatch: run failed", zap.String("load_id", loadID), zap.Error(err))
			return
		}
		zap.L().Info("dispatch: run finished",
			zap.String("load_id", loadID),
			zap.Int("carriers", sum.Carriers),
			zap.Bool("cancelled", sum.Cancelled),
			zap.String("reason", sum.Reason),
		)
	}()
	return true
}

// Cancel interrupts the background run of loadID, if any. The run notices
// on its next wait and records why it stopped.
func (s *Scheduler) Cancel(loadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[loadID]
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether loadID has a background run.
func (s *Scheduler) Running(loadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[loadID]
	return ok
}

// Wait blocks until every background run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop cancels all background runs and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Resume restarts background runs for loads left DISPATCHING, typically by a
// previous process. Carriers already contacted are skipped.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	loads, err := s.store.ListLoads(ctx, store.LoadFilter{Status: model.LoadStatusDispatching, Limit: 1000})
	if err != nil {
		return 0, eris.Wrap(err, "dispatch: list dispatching loads")
	}
	n := 0
	for _, l := range loads {
		if s.Start(ctx, l.ID) {
			n++
		}
	}
	return n, nil
}

// Run executes the whole plan for loadID synchronously.
func (s *Scheduler) Run(ctx context.Context, loadID string) (*Summary, error) {
	plan, err := s.Prepare(ctx, loadID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{LoadID: loadID, Carriers: plan.Carriers()}
	if plan.Empty() {
		sum.Reason = model.EscalateNoCarriers
		return sum, nil
	}

	for i, pt := range plan.Tiers {
		if err := s.wait(ctx, pt.Wait); err != nil {
			// Interrupted: tell a withdrawal apart from a shutdown.
			if _, cerr := s.check(context.WithoutCancel(ctx), plan); errors.Is(cerr, errCancelled) {
				s.Abort(context.WithoutCancel(ctx), plan, pt.Tier, "load left dispatch")
				sum.Cancelled = true
				sum.Reason = "cancelled"
				return sum, nil
			}
			return sum, eris.Wrapf(err, "dispatch: waiting for tier %d of %s", pt.Tier, loadID)
		}

		res, err := s.DeliverTier(ctx, plan, i)
		if err != nil {
			return sum, err
		}
		sum.Tiers = append(sum.Tiers, res)
		if res.Cancelled {
			sum.Cancelled = true
			sum.Reason = "cancelled"
			return sum, nil
		}
	}

	if err := s.Finish(ctx, plan, sum.Tiers); err != nil {
		return sum, err
	}
	return sum, nil
}

// Prepare scores the load, builds its plan and marks it DISPATCHING. A plan
// with no carriers is escalated and leaves the load QUALIFIED.
func (s *Scheduler) Prepare(ctx context.Context, loadID string) (*Plan, error) {
	load, err := s.store.GetLoad(ctx, loadID)
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: get load %s", loadID)
	}
	if !dispatchable(load) {
		return nil, eris.Wrapf(ErrNotDispatchable, "load %s is %s", load.LoadNumber, load.Status)
	}

	scores, err := s.scorer.ScoreLoad(ctx, loadID)
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: score load %s", loadID)
	}
	plan := BuildPlan(load, scores, s.tiers)

	if plan.Empty() {
		escalate(ctx, s.escalator, s.metrics, model.Escalation{
			LoadID:     load.ID,
			LoadNumber: load.LoadNumber,
			Reason:     model.EscalateNoCarriers,
			Detail:     fmt.Sprintf("%d carriers scored, none fit a tier", len(scores)),
			At:         s.now().UTC(),
		})
		return plan, nil
	}

	_, err = s.update(ctx, loadID, func(l *model.Load) ([]model.ConversationEvent, bool) {
		if l.Status != model.LoadStatusQualified {
			return nil, false
		}
		l.Status = model.LoadStatusDispatching
		s.metrics.Transition(string(l.Status))
		return []model.ConversationEvent{{
			Direction: model.DirectionInternal,
			Type:      model.EventDispatchStarted,
			Note:      fmt.Sprintf("%d carriers in %d tiers", plan.Carriers(), len(plan.Tiers)),
		}}, true
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// DeliverTier re-checks the load and, if it is still the load that was
// scored, contacts the carriers of plan.Tiers[idx].
func (s *Scheduler) DeliverTier(ctx context.Context, plan *Plan, idx int) (TierResult, error) {
	pt := plan.Tiers[idx]
	load, err := s.check(ctx, plan)
	switch {
	case errors.Is(err, errFinished):
		return TierResult{Tier: pt.Tier, Cancelled: true}, nil
	case errors.Is(err, errCancelled):
		s.Abort(ctx, plan, pt.Tier, fmt.Sprintf("load is %s", load.Status))
		return TierResult{Tier: pt.Tier, Cancelled: true}, nil
	case errors.Is(err, ErrStaleScore):
		s.note(ctx, plan.LoadID, model.EventDispatchCancelled, fmt.Sprintf("tier %d: %s", pt.Tier, ErrStaleScore.Error()))
		return TierResult{Tier: pt.Tier}, eris.Wrapf(err, "load %s before tier %d", plan.LoadNumber, pt.Tier)
	case err != nil:
		return TierResult{Tier: pt.Tier}, err
	}

	res := s.exec.DeliverTier(ctx, load, pt.Tier, pt.Scores)
	s.note(ctx, plan.LoadID, model.EventTierDispatched,
		fmt.Sprintf("tier %d: %d sent, %d failed, %d skipped", res.Tier, res.Sent, res.Failed, res.Skipped))
	return res, nil
}

// Finish marks a fully processed plan DISPATCHED and archives the load.
func (s *Scheduler) Finish(ctx context.Context, plan *Plan, results []TierResult) error {
	sent, failed := 0, 0
	for _, r := range results {
		sent += r.Sent
		failed += r.Failed
	}
	_, err := s.update(ctx, plan.LoadID, func(l *model.Load) ([]model.ConversationEvent, bool) {
		if l.Status != model.LoadStatusDispatching {
			return nil, false
		}
		l.Status = model.LoadStatusDispatched
		l.Archive(s.now().UTC())
		s.metrics.Transition(string(l.Status))
		return []model.ConversationEvent{{
			Direction: model.DirectionInternal,
			Type:      model.EventDispatchFinished,
			Note:      fmt.Sprintf("%d tiers, %d sent, %d failed", len(results), sent, failed),
		}}, true
	})
	return err
}

// Abort records that the remaining tiers of plan will not run.
func (s *Scheduler) Abort(ctx context.Context, plan *Plan, tier int, reason string) {
	_, err := s.update(ctx, plan.LoadID, func(l *model.Load) ([]model.ConversationEvent, bool) {
		for _, e := range l.Events {
			if e.Type == model.EventDispatchCancelled {
				return nil, false
			}
		}
		return []model.ConversationEvent{{
			Direction: model.DirectionInternal,
			Type:      model.EventDispatchCancelled,
			Note:      fmt.Sprintf("before tier %d: %s", tier, reason),
		}}, true
	})
	if err != nil {
		zap.L().Error("dispatch: record cancellation", zap.String("load_id", plan.LoadID), zap.Error(err))
		return
	}
	zap.L().Info("dispatch: plan cancelled",
		zap.String("load_id", plan.LoadID),
		zap.Int("tier", tier),
		zap.String("reason", reason),
	)
}

func (s *Scheduler) check(ctx context.Context, plan *Plan) (*model.Load, error) {
	load, err := s.store.GetLoad(ctx, plan.LoadID)
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: get load %s", plan.LoadID)
	}
	if load.Status == model.LoadStatusDispatched {
		return load, errFinished
	}
	if !dispatchable(load) {
		return load, errCancelled
	}
	if !sameInstant(load.QualifiedAt, plan.QualifiedAt) {
		return load, ErrStaleScore
	}
	return load, nil
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.after(d):
		return nil
	}
}

func (s *Scheduler) note(ctx context.Context, loadID string, t model.EventType, note string) {
	_, err := s.update(ctx, loadID, func(*model.Load) ([]model.ConversationEvent, bool) {
		return []model.ConversationEvent{{Direction: model.DirectionInternal, Type: t, Note: note}}, true
	})
	if err != nil {
		zap.L().Error("dispatch: append event", zap.String("load_id", loadID), zap.String("type", string(t)), zap.Error(err))
	}
}

// update applies fn to a fresh copy of the load and writes it, retrying on
// version conflicts. fn returning false skips the write.
func (s *Scheduler) update(ctx context.Context, loadID string, fn func(l *model.Load) ([]model.ConversationEvent, bool)) (*model.Load, error) {
	for attempt := 0; ; attempt++ {
		load, err := s.store.GetLoad(ctx, loadID)
		if err != nil {
			return nil, eris.Wrapf(err, "dispatch: get load %s", loadID)
		}
		prev := load.Status
		events, write := fn(load)
		if !write {
			return load, nil
		}
		now := s.now().UTC()
		for i := range events {
			if events[i].Timestamp.IsZero() {
				events[i].Timestamp = now
			}
		}
		err = s.store.UpdateLoad(ctx, load, events...)
		if errors.Is(err, store.ErrConflict) && attempt < conflictRetries {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "dispatch: update load %s", loadID)
		}
		if load.Status != prev {
			zap.L().Info("dispatch: load transition",
				zap.String("load_id", load.ID),
				zap.String("from", string(prev)),
				zap.String("status", string(load.Status)),
			)
		}
		return load, nil
	}
}

func dispatchable(l *model.Load) bool {
	return l.Status.Dispatchable() && !l.RequiresHumanReview
}
