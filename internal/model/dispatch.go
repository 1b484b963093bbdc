package model

import "time"

// AttemptStatus is the delivery state of one dispatch attempt.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "PENDING"
	AttemptSent      AttemptStatus = "SENT"
	AttemptFailed    AttemptStatus = "FAILED"
	AttemptDelivered AttemptStatus = "DELIVERED"
)

// Succeeded reports whether the carrier has already been contacted.
func (s AttemptStatus) Succeeded() bool {
	return s == AttemptSent || s == AttemptDelivered
}

// DefaultChannel is the outreach channel used when none is configured.
const DefaultChannel = "email"

// DispatchAttempt tracks delivery of one load to one carrier over one channel.
// (LoadID, CarrierID, Channel) is unique and is the idempotency key that
// prevents duplicate contact.
type DispatchAttempt struct {
	ID                string        `json:"id"`
	LoadID            string        `json:"load_id"`
	CarrierID         string        `json:"carrier_id"`
	Channel           string        `json:"channel"`
	Tier              int           `json:"tier"`
	Status            AttemptStatus `json:"status"`
	Attempts          int           `json:"attempts"`
	ExternalMessageID string        `json:"external_message_id,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	Escalated         bool          `json:"escalated"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// OutreachTier is an ordered bucket of scored carriers dispatched together.
type OutreachTier struct {
	Tier        int           `json:"tier"`
	MinScore    int           `json:"min_score"`
	MaxScore    int           `json:"max_score"`
	MaxCarriers int           `json:"max_carriers"`
	Delay       time.Duration `json:"delay"`
}

// DeliveryResult is what the delivery gateway reports for one outbound message.
type DeliveryResult struct {
	Status            AttemptStatus `json:"status"`
	ExternalMessageID string        `json:"external_message_id,omitempty"`
}
