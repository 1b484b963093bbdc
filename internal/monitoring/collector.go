package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
	"github.com/sells-group/loadblast/internal/store"
)

// scanLimit caps each backlog query.
const scanLimit = 5000

// Snapshot is a point-in-time view of the qualification and dispatch backlog.
type Snapshot struct {
	// Loads by open status.
	Received    int `json:"received"`
	Incomplete  int `json:"incomplete"`
	NeedsReview int `json:"needs_review"`
	Qualified   int `json:"qualified"`
	Dispatching int `json:"dispatching"`

	// StaleIncomplete counts INCOMPLETE loads with no activity since
	// StaleAfterHours.
	StaleIncomplete  int `json:"stale_incomplete"`
	ManualExtraction int `json:"manual_extraction"`

	DLQDepth     int `json:"dlq_depth"`
	RetryBacklog int `json:"retry_backlog"`

	StaleAfterHours int       `json:"stale_after_hours"`
	CollectedAt     time.Time `json:"collected_at"`
}

// Collector reads the backlog from the store.
type Collector struct {
	store store.Store
	now   func() time.Time
}

// NewCollector creates a new backlog collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot. INCOMPLETE loads untouched for staleAfterHours
// count as stale.
func (c *Collector) Collect(ctx context.Context, staleAfterHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{StaleAfterHours: staleAfterHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(staleAfterHours) * time.Hour)

	for _, status := range []model.LoadStatus{
		model.LoadStatusReceived,
		model.LoadStatusExtracted,
		model.LoadStatusIncomplete,
		model.LoadStatusNeedsReview,
		model.LoadStatusQualified,
		model.LoadStatusDispatching,
	} {
		loads, err := c.store.ListLoads(ctx, store.LoadFilter{Status: status, Limit: scanLimit})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list %s loads", status)
		}
		for _, l := range loads {
			if l.ManualExtraction {
				snap.ManualExtraction++
			}
		}
		switch status {
		case model.LoadStatusReceived, model.LoadStatusExtracted:
			snap.Received += len(loads)
		case model.LoadStatusIncomplete:
			snap.Incomplete = len(loads)
			if staleAfterHours > 0 {
				for _, l := range loads {
					if l.UpdatedAt.Before(cutoff) {
						snap.StaleIncomplete++
					}
				}
			}
		case model.LoadStatusNeedsReview:
			snap.NeedsReview = len(loads)
		case model.LoadStatusQualified:
			snap.Qualified = len(loads)
		case model.LoadStatusDispatching:
			snap.Dispatching = len(loads)
		}
	}

	dlq, err := c.store.ListDLQ(ctx, resilience.DLQFilter{Unresolved: true, Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list dlq")
	}
	snap.DLQDepth = len(dlq)

	retry, err := c.store.ListRetryableAttempts(ctx, store.AttemptFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list retryable attempts")
	}
	snap.RetryBacklog = len(retry)

	return snap, nil
}
