// Package dispatch fans a qualified load out to scored carriers in timed
// tiers and tracks every delivery as an idempotent DispatchAttempt.
package dispatch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loadblast/internal/config"
	"github.com/sells-group/loadblast/internal/model"
)

var (
	// ErrStaleScore aborts a dispatch whose load was requalified after scoring.
	ErrStaleScore = eris.New("dispatch: load changed since scoring")
	// ErrDeliveryFailure marks a carrier delivery that did not go out.
	ErrDeliveryFailure = eris.New("dispatch: delivery failed")
	// ErrNotDispatchable is returned for loads outside QUALIFIED/DISPATCHING
	// or flagged for human review.
	ErrNotDispatchable = eris.New("dispatch: load is not dispatchable")
)

// Dispatcher delivers one load offer to one carrier. Implementations treat
// (load, carrier) as the idempotency key.
type Dispatcher interface {
	Dispatch(ctx context.Context, load *model.Load, score model.CarrierScore, tier int) (model.DeliveryResult, error)
}

// Escalator notifies human operators.
type Escalator interface {
	Escalate(ctx context.Context, e model.Escalation) error
}

// Scorer produces and returns carrier score runs.
type Scorer interface {
	ScoreLoad(ctx context.Context, loadID string) ([]model.CarrierScore, error)
	Latest(ctx context.Context, loadID string) ([]model.CarrierScore, error)
}

// Options are the runtime knobs of the executor, in native units.
type Options struct {
	Channel     string
	Workers     int
	Stagger     time.Duration
	CallTimeout time.Duration
	MaxAttempts int
}

// OptionsFromConfig converts the dispatch config section.
func OptionsFromConfig(cfg config.DispatchConfig) Options {
	o := Options{
		Channel:     cfg.Channel,
		Workers:     cfg.Workers,
		Stagger:     time.Duration(cfg.StaggerMs) * time.Millisecond,
		CallTimeout: time.Duration(cfg.CallTimeoutSecs) * time.Second,
		MaxAttempts: cfg.MaxDeliveryRetries,
	}
	return o.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Channel == "" {
		o.Channel = model.DefaultChannel
	}
	if o.Workers <= 0 {
		o.Workers = 5
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
