package resilience

import (
	"time"

	"github.com/google/uuid"
)

// DLQKind names the pipeline stage that gave up.
type DLQKind string

const (
	DLQExtraction DLQKind = "extraction"
	DLQDelivery   DLQKind = "delivery"
)

// DLQEntry records work that exhausted its retries and now needs an operator.
type DLQEntry struct {
	ID         string     `json:"id"`
	Kind       DLQKind    `json:"kind"`
	LoadID     string     `json:"load_id"`
	CarrierID  string     `json:"carrier_id,omitempty"`
	Error      string     `json:"error"`
	ErrorType  string     `json:"error_type"` // "transient" or "permanent"
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// DLQFilter narrows a dead-letter listing.
type DLQFilter struct {
	Kind       DLQKind `json:"kind,omitempty"`
	LoadID     string  `json:"load_id,omitempty"`
	Unresolved bool    `json:"unresolved,omitempty"`
	Limit      int     `json:"limit,omitempty"`
}

// NewDLQEntry builds an entry for a failure on loadID. carrierID is empty for
// extraction failures.
func NewDLQEntry(kind DLQKind, loadID, carrierID string, err error, attempts int, now time.Time) DLQEntry {
	e := DLQEntry{
		ID:        uuid.NewString(),
		Kind:      kind,
		LoadID:    loadID,
		CarrierID: carrierID,
		ErrorType: ClassifyError(err),
		Attempts:  attempts,
		CreatedAt: now.UTC(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
