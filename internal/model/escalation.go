package model

import "time"

// Escalation reasons.
const (
	EscalateExtractionFailed = "extraction_failed"
	EscalateFollowUpLimit    = "follow_up_limit_reached"
	EscalateNeedsReview      = "needs_review"
	EscalateDeliveryFailed   = "delivery_retries_exhausted"
	EscalateNoCarriers       = "no_eligible_carriers"
)

// Escalation is a notice to human operators that a load needs attention.
type Escalation struct {
	LoadID     string    `json:"load_id"`
	LoadNumber string    `json:"load_number"`
	CarrierID  string    `json:"carrier_id,omitempty"`
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}
