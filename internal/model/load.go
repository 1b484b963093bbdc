package model

import (
	"time"
)

// LoadStatus represents the lifecycle state of a load.
type LoadStatus string

const (
	LoadStatusReceived    LoadStatus = "RECEIVED"
	LoadStatusExtracted   LoadStatus = "EXTRACTED"
	LoadStatusIncomplete  LoadStatus = "INCOMPLETE"
	LoadStatusComplete    LoadStatus = "COMPLETE"
	LoadStatusQualified   LoadStatus = "QUALIFIED"
	LoadStatusNeedsReview LoadStatus = "NEEDS_REVIEW"
	LoadStatusDispatching LoadStatus = "DISPATCHING"
	LoadStatusDispatched  LoadStatus = "DISPATCHED"
	LoadStatusWithdrawn   LoadStatus = "WITHDRAWN"
	LoadStatusFilled      LoadStatus = "FILLED"
)

// Terminal reports whether no further qualification or dispatch work happens
// for a load in this status.
func (s LoadStatus) Terminal() bool {
	switch s {
	case LoadStatusNeedsReview, LoadStatusDispatched, LoadStatusWithdrawn, LoadStatusFilled:
		return true
	default:
		return false
	}
}

// Dispatchable reports whether carrier outreach may run for a load in this status.
func (s LoadStatus) Dispatchable() bool {
	return s == LoadStatusQualified || s == LoadStatusDispatching
}

// Direction of a conversation event.
type Direction string

const (
	DirectionInbound  Direction = "in"
	DirectionOutbound Direction = "out"
	DirectionInternal Direction = "internal"
)

// EventType names an entry in a load's conversation log.
type EventType string

const (
	EventLoadTender        EventType = "load_tender"
	EventInfoRequested     EventType = "info_requested"
	EventInfoRequestFailed EventType = "info_request_failed"
	EventInfoProvided      EventType = "missing_info_provided"
	EventAmbiguousMatch    EventType = "ambiguous_match"
	EventCorrection        EventType = "correction"
	EventExtractionFailed  EventType = "extraction_failed"
	EventFollowUpLimit     EventType = "follow_up_limit_reached"
	EventQualified         EventType = "qualified"
	EventNeedsReview       EventType = "needs_review"
	EventDispatchStarted   EventType = "dispatch_started"
	EventTierDispatched    EventType = "tier_dispatched"
	EventDispatchCancelled EventType = "dispatch_cancelled"
	EventDispatchFinished  EventType = "dispatch_finished"
	EventWithdrawn         EventType = "withdrawn"
	EventFilled            EventType = "filled"
)

// ConversationEvent is one append-only entry in a load's conversation log.
type ConversationEvent struct {
	ID        string    `json:"id"`
	LoadID    string    `json:"load_id"`
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	Type      EventType `json:"type"`
	Fields    []string  `json:"fields,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Body      string    `json:"body,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// Load is a single shipment request moving through qualification and dispatch.
type Load struct {
	ID                  string              `json:"id"`
	LoadNumber          string              `json:"load_number"`
	Status              LoadStatus          `json:"status"`
	Fields              Fields              `json:"fields"`
	MissingFields       []string            `json:"missing_fields"`
	IsComplete          bool                `json:"is_complete"`
	ComplexityFlags     []string            `json:"complexity_flags"`
	ComplexityRationale string              `json:"complexity_rationale,omitempty"`
	RequiresHumanReview bool                `json:"requires_human_review"`
	ManualExtraction    bool                `json:"manual_extraction"`
	ThreadID            string              `json:"thread_id"`
	ShipperEmail        string              `json:"shipper_email"`
	Subject             string              `json:"subject,omitempty"`
	LatestMessageID     string              `json:"latest_message_id,omitempty"`
	FollowUpCount       int                 `json:"follow_up_count"`
	Version             int                 `json:"version"`
	QualifiedAt         *time.Time          `json:"qualified_at,omitempty"`
	ArchivedAt          *time.Time          `json:"archived_at,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	Events              []ConversationEvent `json:"events,omitempty"`
}

// FreeText concatenates every inbound message body seen for the load, in
// conversation order.
func (l *Load) FreeText() string {
	var out string
	for _, e := range l.Events {
		if e.Direction != DirectionInbound || e.Body == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += e.Body
	}
	return out
}

// HasFlag reports whether the load carries the given complexity flag.
func (l *Load) HasFlag(flag string) bool {
	for _, f := range l.ComplexityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Archive stamps the load as archived. Archived loads are never deleted.
func (l *Load) Archive(at time.Time) {
	if l.ArchivedAt == nil {
		t := at
		l.ArchivedAt = &t
	}
}
