package dispatch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/store"
)

// SweepResult tallies one retry sweep.
type SweepResult struct {
	Considered int `json:"considered"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Closed     int `json:"closed"`
}

// Retrier re-delivers FAILED attempts, and PENDING ones abandoned by a
// crashed run, until they succeed or run out of tries.
type Retrier struct {
	store        store.Store
	exec         *Executor
	scorer       Scorer
	stalePending time.Duration
	batch        int
	now          func() time.Time
}

// NewRetrier creates a Retrier. PENDING attempts untouched for ten call
// timeouts are considered abandoned.
func NewRetrier(st store.Store, exec *Executor, sc Scorer) *Retrier {
	return &Retrier{
		store:        st,
		exec:         exec,
		scorer:       sc,
		stalePending: 10 * exec.opts.CallTimeout,
		batch:        500,
		now:          time.Now,
	}
}

type loadState struct {
	load   *model.Load
	scores map[string]model.CarrierScore
	err    error
}

// Sweep runs one pass over retryable attempts.
func (r *Retrier) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	attempts, err := r.store.ListRetryableAttempts(ctx, store.AttemptFilter{
		StalePendingBefore: r.now().Add(-r.stalePending),
		Limit:              r.batch,
	})
	if err != nil {
		return res, eris.Wrap(err, "dispatch: list retryable attempts")
	}

	loads := make(map[string]*loadState)
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		a := attempts[i]
		res.Considered++

		st, ok := loads[a.LoadID]
		if !ok {
			st = r.loadState(ctx, a.LoadID)
			loads[a.LoadID] = st
		}
		if st.err != nil {
			zap.L().Warn("dispatch: retry skipped, load unreadable", zap.String("load_id", a.LoadID), zap.Error(st.err))
			res.Skipped++
			continue
		}

		switch o := r.retry(ctx, st, &a); o {
		case outcomeSent:
			res.Sent++
		case outcomeFailed:
			res.Failed++
		case outcomeSkipped:
			res.Skipped++
		case outcomeClosed:
			res.Closed++
		}
	}

	if res.Considered > 0 {
		zap.L().Info("dispatch: retry sweep",
			zap.Int("considered", res.Considered),
			zap.Int("sent", res.Sent),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
			zap.Int("closed", res.Closed),
		)
	}
	return res, nil
}

const outcomeClosed outcome = -1

func (r *Retrier) retry(ctx context.Context, st *loadState, a *model.DispatchAttempt) outcome {
	load := st.load
	switch {
	case load.Status == model.LoadStatusWithdrawn || load.Status == model.LoadStatusFilled:
		return r.close(ctx, a, "load is "+string(load.Status))
	case load.RequiresHumanReview:
		return r.close(ctx, a, "load needs review")
	}

	sc, ok := st.scores[a.CarrierID]
	if !ok {
		return r.close(ctx, a, "carrier not in latest score run")
	}
	if !sameInstant(load.QualifiedAt, qualifiedAt(sc)) {
		return r.close(ctx, a, ErrStaleScore.Error())
	}

	if a.Status == model.AttemptPending {
		a.Status = model.AttemptFailed
		a.LastError = "abandoned in flight"
		if err := r.store.UpdateAttempt(ctx, a); err != nil {
			zap.L().Error("dispatch: release abandoned attempt", zap.String("attempt_id", a.ID), zap.Error(err))
			return outcomeSkipped
		}
	}

	if a.Attempts >= r.exec.opts.MaxAttempts {
		// Exhausted but never escalated, e.g. the process died mid-way.
		a.Escalated = true
		if err := r.store.UpdateAttempt(ctx, a); err != nil {
			zap.L().Error("dispatch: close exhausted attempt", zap.String("attempt_id", a.ID), zap.Error(err))
			return outcomeSkipped
		}
		r.exec.giveUp(ctx, load, a, eris.Wrap(ErrDeliveryFailure, a.LastError))
		return outcomeClosed
	}

	claimed, ok, err := r.store.ClaimAttempt(ctx, *a, r.exec.opts.MaxAttempts)
	if err != nil {
		zap.L().Error("dispatch: reclaim attempt", zap.String("attempt_id", a.ID), zap.Error(err))
		return outcomeSkipped
	}
	if !ok {
		return outcomeSkipped
	}
	return r.exec.send(ctx, load, sc, claimed)
}

// close takes an attempt out of automatic retry without contacting anyone.
func (r *Retrier) close(ctx context.Context, a *model.DispatchAttempt, reason string) outcome {
	a.Escalated = true
	a.LastError = reason
	if a.Status == model.AttemptPending {
		a.Status = model.AttemptFailed
	}
	if err := r.store.UpdateAttempt(ctx, a); err != nil {
		zap.L().Error("dispatch: close attempt", zap.String("attempt_id", a.ID), zap.Error(err))
		return outcomeSkipped
	}
	zap.L().Info("dispatch: attempt closed",
		zap.String("load_id", a.LoadID),
		zap.String("carrier_id", a.CarrierID),
		zap.String("reason", reason),
	)
	return outcomeClosed
}

func (r *Retrier) loadState(ctx context.Context, loadID string) *loadState {
	load, err := r.store.GetLoad(ctx, loadID)
	if err != nil {
		return &loadState{err: err}
	}
	scores, err := r.scorer.Latest(ctx, loadID)
	if err != nil {
		return &loadState{err: err}
	}
	byCarrier := make(map[string]model.CarrierScore, len(scores))
	for _, s := range scores {
		byCarrier[s.CarrierID] = s
	}
	return &loadState{load: load, scores: byCarrier}
}

func qualifiedAt(s model.CarrierScore) *time.Time {
	if s.LoadQualifiedAt.IsZero() {
		return nil
	}
	t := s.LoadQualifiedAt
	return &t
}
