package dispatch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/loadblast/internal/metrics"
	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
	"github.com/sells-group/loadblast/internal/store"
)

// TierResult tallies one tier's deliveries.
type TierResult struct {
	Tier      int  `json:"tier"`
	Sent      int  `json:"sent"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Cancelled bool `json:"cancelled,omitempty"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
)

// Executor delivers carrier offers through the Dispatcher, one
// DispatchAttempt per (load, carrier, channel).
type Executor struct {
	store      store.Store
	dispatcher Dispatcher
	escalator  Escalator
	breakers   *resilience.Breakers
	metrics    *metrics.Collectors
	opts       Options
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewExecutor creates an Executor. breakers and m may be nil.
func NewExecutor(st store.Store, d Dispatcher, esc Escalator, breakers *resilience.Breakers, m *metrics.Collectors, opts Options) *Executor {
	opts = opts.withDefaults()
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	limit := rate.Inf
	if opts.Stagger > 0 {
		limit = rate.Every(opts.Stagger)
	}
	return &Executor{
		store:      st,
		dispatcher: d,
		escalator:  esc,
		breakers:   breakers,
		metrics:    m,
		opts:       opts,
		limiter:    rate.NewLimiter(limit, 1),
		now:        time.Now,
	}
}

// DeliverTier contacts every carrier in scores concurrently. Carriers that
// already have a live or successful attempt are skipped. A failed delivery
// is recorded and never stops its siblings.
func (e *Executor) DeliverTier(ctx context.Context, load *model.Load, tier int, scores []model.CarrierScore) TierResult {
	start := e.now()
	outcomes := make([]outcome, len(scores))

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i, sc := range scores {
		g.Go(func() error {
			outcomes[i] = e.deliver(ctx, load, tier, sc)
			return nil
		})
	}
	_ = g.Wait()

	res := TierResult{Tier: tier}
	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			res.Sent++
		case outcomeFailed:
			res.Failed++
		case outcomeSkipped:
			res.Skipped++
		}
	}
	e.metrics.TierDuration(tier, e.now().Sub(start).Seconds())

	zap.L().Info("dispatch: tier delivered",
		zap.String("load_id", load.ID),
		zap.Int("tier", tier),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res
}

func (e *Executor) deliver(ctx context.Context, load *model.Load, tier int, sc model.CarrierScore) outcome {
	attempt, ok, err := e.store.ClaimAttempt(ctx, model.DispatchAttempt{
		LoadID:    load.ID,
		CarrierID: sc.CarrierID,
		Channel:   e.opts.Channel,
		Tier:      tier,
	}, e.opts.MaxAttempts)
	if err != nil {
		zap.L().Error("dispatch: claim attempt failed",
			zap.String("load_id", load.ID),
			zap.String("carrier_id", sc.CarrierID),
			zap.Error(err),
		)
		return outcomeFailed
	}
	if !ok {
		zap.L().Debug("dispatch: carrier already handled",
			zap.String("load_id", load.ID),
			zap.String("carrier_id", sc.CarrierID),
		)
		return outcomeSkipped
	}
	return e.send(ctx, load, sc, attempt)
}

// send performs one claimed attempt and records its outcome.
func (e *Executor) send(ctx context.Context, load *model.Load, sc model.CarrierScore, attempt *model.DispatchAttempt) outcome {
	log := zap.L().With(
		zap.String("load_id", load.ID),
		zap.String("carrier_id", sc.CarrierID),
		zap.Int("tier", attempt.Tier),
		zap.Int("attempt", attempt.Attempts),
	)

	res, err := e.call(ctx, load, sc, attempt)
	// The outcome must be recorded even when the caller gave up.
	saveCtx := context.WithoutCancel(ctx)

	if err == nil {
		attempt.Status = res.Status
		if !attempt.Status.Succeeded() {
			attempt.Status = model.AttemptSent
		}
		attempt.ExternalMessageID = res.ExternalMessageID
		attempt.LastError = ""
		if uerr := e.store.UpdateAttempt(saveCtx, attempt); uerr != nil {
			log.Error("dispatch: record sent attempt", zap.Error(uerr))
		}
		e.metrics.DispatchAttempt(attempt.Tier, string(attempt.Status))
		log.Info("dispatch: offer sent", zap.String("external_message_id", res.ExternalMessageID))
		return outcomeSent
	}

	attempt.Status = model.AttemptFailed
	attempt.LastError = err.Error()
	exhausted := attempt.Attempts >= e.opts.MaxAttempts
	if exhausted {
		attempt.Escalated = true
	}
	if uerr := e.store.UpdateAttempt(saveCtx, attempt); uerr != nil {
		log.Error("dispatch: record failed attempt", zap.Error(uerr))
	}
	e.metrics.DispatchAttempt(attempt.Tier, string(attempt.Status))
	log.Warn("dispatch: offer failed", zap.Bool("exhausted", exhausted), zap.Error(err))

	if exhausted {
		e.giveUp(saveCtx, load, attempt, err)
	}
	return outcomeFailed
}

func (e *Executor) call(ctx context.Context, load *model.Load, sc model.CarrierScore, attempt *model.DispatchAttempt) (model.DeliveryResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return model.DeliveryResult{}, eris.Wrap(err, "dispatch: stagger wait")
	}

	cb := e.breakers.Get(attempt.Channel)
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	res, err := resilience.ExecuteVal(callCtx, cb, func(ctx context.Context) (model.DeliveryResult, error) {
		r, err := e.dispatcher.Dispatch(ctx, load, sc, attempt.Tier)
		if err == nil && r.Status == model.AttemptFailed {
			err = eris.Wrapf(ErrDeliveryFailure, "gateway rejected %s", sc.CarrierID)
		}
		return r, err
	})
	if err != nil {
		return res, eris.Wrapf(err, "dispatch: deliver %s to %s", load.LoadNumber, sc.CarrierID)
	}
	return res, nil
}

func (e *Executor) giveUp(ctx context.Context, load *model.Load, attempt *model.DispatchAttempt, cause error) {
	now := e.now().UTC()
	entry := resilience.NewDLQEntry(resilience.DLQDelivery, load.ID, attempt.CarrierID, cause, attempt.Attempts, now)
	if err := e.store.EnqueueDLQ(ctx, entry); err != nil {
		zap.L().Error("dispatch: enqueue dlq", zap.String("load_id", load.ID), zap.Error(err))
	}
	escalate(ctx, e.escalator, e.metrics, model.Escalation{
		LoadID:     load.ID,
		LoadNumber: load.LoadNumber,
		CarrierID:  attempt.CarrierID,
		Reason:     model.EscalateDeliveryFailed,
		Detail:     cause.Error(),
		At:         now,
	})
}

func escalate(ctx context.Context, esc Escalator, m *metrics.Collectors, e model.Escalation) {
	m.Escalation(e.Reason)
	zap.L().Error("dispatch: escalating to operators",
		zap.String("load_id", e.LoadID),
		zap.String("carrier_id", e.CarrierID),
		zap.String("reason", e.Reason),
		zap.String("detail", e.Detail),
	)
	if esc == nil {
		return
	}
	if err := esc.Escalate(ctx, e); err != nil {
		zap.L().Error("dispatch: escalation failed", zap.String("load_id", e.LoadID), zap.Error(err))
	}
}
