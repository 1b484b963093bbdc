package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/config"
	"github.com/sells-group/loadblast/internal/metrics"
)

// Checker periodically snapshots the backlog, publishes it as gauges and
// alerts operators when a threshold is crossed.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *metrics.Collectors
	cfg       config.MonitoringConfig
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithMetrics publishes every snapshot on m.
func WithMetrics(m *metrics.Collectors) CheckerOption {
	return func(c *Checker) {
		c.metrics = m
	}
}

// NewChecker creates a background backlog checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, opts ...CheckerOption) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run checks once, then on every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting backlog checker",
		zap.Duration("interval", interval),
		zap.Int("stale_incomplete_hours", c.cfg.StaleIncompleteHours),
	)
	if ctx.Err() == nil {
		c.Check(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("backlog checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot, publishes it and sends any alerts. It
// returns the number of alerts triggered.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	snap, err := c.collector.Collect(ctx, c.cfg.StaleIncompleteHours)
	if err != nil {
		log.Error("monitoring: failed to collect backlog", zap.Error(err))
		return 0
	}
	c.publish(snap)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: backlog within thresholds",
			zap.Int("needs_review", snap.NeedsReview),
			zap.Int("dlq_depth", snap.DLQDepth),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: backlog alerts",
		zap.Int("triggered", len(alerts)),
		zap.Int("sent", sent),
	)
	return len(alerts)
}

func (c *Checker) publish(snap *Snapshot) {
	if c.metrics == nil {
		return
	}
	for queue, n := range map[string]int{
		"received":          snap.Received,
		"incomplete":        snap.Incomplete,
		"needs_review":      snap.NeedsReview,
		"qualified":         snap.Qualified,
		"dispatching":       snap.Dispatching,
		"stale_incomplete":  snap.StaleIncomplete,
		"manual_extraction": snap.ManualExtraction,
		"dlq":               snap.DLQDepth,
		"retry":             snap.RetryBacklog,
	} {
		c.metrics.Backlog(queue, n)
	}
}
