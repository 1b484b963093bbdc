// Package store persists loads, carriers, scores, dispatch attempts and
// dead-letter entries.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/resilience"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a load was modified since it was read.
	ErrConflict = eris.New("store: version conflict")
)

// LoadFilter specifies criteria for listing loads. Results are ordered most
// recently created first.
type LoadFilter struct {
	Status       model.LoadStatus `json:"status,omitempty"`
	ShipperEmail string           `json:"shipper_email,omitempty"`
	ThreadID     string           `json:"thread_id,omitempty"`
	Limit        int              `json:"limit,omitempty"`
	Offset       int              `json:"offset,omitempty"`
}

// AttemptFilter selects dispatch attempts for the retry sweep.
type AttemptFilter struct {
	// StalePendingBefore also returns PENDING attempts not touched since this
	// time. Zero disables it.
	StalePendingBefore time.Time
	Limit              int
}

// Store defines the persistence surface of the qualification and dispatch
// pipeline.
type Store interface {
	// Loads
	NextLoadNumber(ctx context.Context) (int64, error)
	CreateLoad(ctx context.Context, load *model.Load) error
	GetLoad(ctx context.Context, id string) (*model.Load, error)
	// UpdateLoad writes load if its Version still matches the stored one and
	// appends events atomically. On success load.Version is incremented and
	// the events are appended to load.Events.
	UpdateLoad(ctx context.Context, load *model.Load, events ...model.ConversationEvent) error
	ListLoads(ctx context.Context, filter LoadFilter) ([]model.Load, error)
	ListEvents(ctx context.Context, loadID string) ([]model.ConversationEvent, error)

	// Carriers
	UpsertCarriers(ctx context.Context, carriers []model.Carrier) (int64, error)
	ListCarriers(ctx context.Context, activeOnly bool) ([]model.Carrier, error)

	// Scores are append-only; ListScores returns the latest run.
	SaveScores(ctx context.Context, scores []model.CarrierScore) error
	ListScores(ctx context.Context, loadID string) ([]model.CarrierScore, error)

	// Dispatch attempts
	// ClaimAttempt inserts a PENDING attempt for (load, carrier, channel), or
	// moves an existing FAILED one back to PENDING while it has fewer than
	// maxAttempts tries and was not escalated. It reports false when the
	// attempt is owned elsewhere or already succeeded.
	ClaimAttempt(ctx context.Context, attempt model.DispatchAttempt, maxAttempts int) (*model.DispatchAttempt, bool, error)
	UpdateAttempt(ctx context.Context, attempt *model.DispatchAttempt) error
	ListAttempts(ctx context.Context, loadID string) ([]model.DispatchAttempt, error)
	ListRetryableAttempts(ctx context.Context, filter AttemptFilter) ([]model.DispatchAttempt, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	ResolveDLQ(ctx context.Context, id string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// prepareLoad fills identity and timestamps on a new load and its events.
func prepareLoad(load *model.Load, now time.Time) {
	if load.ID == "" {
		load.ID = newID()
	}
	if load.CreatedAt.IsZero() {
		load.CreatedAt = now
	}
	load.CreatedAt = load.CreatedAt.UTC()
	load.UpdatedAt = now
	load.Version = 1
	if load.Fields == nil {
		load.Fields = model.Fields{}
	}
	for i := range load.Events {
		prepareEvent(&load.Events[i], load.ID, now)
	}
}

func prepareEvent(e *model.ConversationEvent, loadID string, now time.Time) {
	if e.ID == "" {
		e.ID = newID()
	}
	e.LoadID = loadID
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
}

func newID() string {
	return uuid.NewString()
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAttempt(row scannable) (*model.DispatchAttempt, error) {
	var a model.DispatchAttempt
	if err := row.Scan(&a.ID, &a.LoadID, &a.CarrierID, &a.Channel, &a.Tier, &a.Status, &a.Attempts,
		&a.ExternalMessageID, &a.LastError, &a.Escalated, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
