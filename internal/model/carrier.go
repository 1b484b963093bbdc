package model

import "time"

// OperatingScope describes how widely a carrier runs.
type OperatingScope string

const (
	ScopeNational OperatingScope = "national"
	ScopeRegional OperatingScope = "regional"
	ScopeLocal    OperatingScope = "local"
)

// CarrierStatus is the roster status of a carrier.
type CarrierStatus string

const (
	CarrierActive   CarrierStatus = "active"
	CarrierInactive CarrierStatus = "inactive"
)

// Safety rating categories.
const (
	SafetyExcellent    = "excellent"
	SafetySatisfactory = "satisfactory"
	SafetyConditional  = "conditional"
	SafetyUnsatisfied  = "unsatisfactory"
)

// Carrier is a trucking company that can be offered loads. Percentages are
// expressed on a 0-100 scale.
type Carrier struct {
	ID               string         `json:"id" yaml:"id"`
	Name             string         `json:"name" yaml:"name"`
	Email            string         `json:"email" yaml:"email"`
	EquipmentTypes   []string       `json:"equipment_types" yaml:"equipment_types"`
	PreferredLanes   []string       `json:"preferred_lanes" yaml:"preferred_lanes"`
	CoverageRegions  []string       `json:"coverage_regions" yaml:"coverage_regions"`
	OnTimePct        float64        `json:"on_time_pct" yaml:"on_time_pct"`
	ClaimsRatioPct   float64        `json:"claims_ratio_pct" yaml:"claims_ratio_pct"`
	SafetyRating     string         `json:"safety_rating" yaml:"safety_rating"`
	TypicalMarginPct float64        `json:"typical_margin_pct" yaml:"typical_margin_pct"`
	LastActiveAt     *time.Time     `json:"last_active_at,omitempty" yaml:"last_active_at,omitempty"`
	Scope            OperatingScope `json:"scope" yaml:"scope"`
	Status           CarrierStatus  `json:"status" yaml:"status"`
}

// CarrierScore is the fitness of one carrier for one load. It is created
// fresh per scoring run and never mutated.
type CarrierScore struct {
	CarrierID       string    `json:"carrier_id"`
	CarrierName     string    `json:"carrier_name"`
	CarrierEmail    string    `json:"carrier_email"`
	LoadID          string    `json:"load_id"`
	Lane            int       `json:"lane_score"`
	Equipment       int       `json:"equipment_score"`
	Performance     int       `json:"performance_score"`
	Price           int       `json:"price_score"`
	Availability    int       `json:"availability_score"`
	Total           int       `json:"total_score"`
	Notes           []string  `json:"notes"`
	LoadQualifiedAt time.Time `json:"load_qualified_at"`
	ScoredAt        time.Time `json:"scored_at"`
}
