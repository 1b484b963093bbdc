package scorer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/loadblast/internal/config"
	"github.com/sells-group/loadblast/internal/model"
	"github.com/sells-group/loadblast/internal/region"
)

// CarrierScorer computes five-factor fitness scores of carriers for a load.
// It is stateless apart from its configuration.
type CarrierScorer struct {
	cfg     config.ScorerConfig
	compat  map[string]map[string]bool
	regions *region.Resolver
}

// NewCarrierScorer creates a CarrierScorer. Zero config values use defaults.
func NewCarrierScorer(cfg config.ScorerConfig) *CarrierScorer {
	cfg = withDefaults(cfg)
	compat := make(map[string]map[string]bool, len(cfg.EquipmentCompatibility))
	for requested, serves := range cfg.EquipmentCompatibility {
		set := make(map[string]bool, len(serves))
		for _, s := range serves {
			set[strings.ToLower(strings.TrimSpace(s))] = true
		}
		compat[strings.ToLower(strings.TrimSpace(requested))] = set
	}
	return &CarrierScorer{cfg: cfg, compat: compat, regions: newRegions(cfg)}
}

// Score rates every active, equipment-compatible carrier for load at time
// now. Carriers below the minimum total are dropped. The result is sorted by
// total descending, ties by carrier id.
func (s *CarrierScorer) Score(load *model.Load, carriers []model.Carrier, now time.Time) []model.CarrierScore {
	var results []model.CarrierScore
	for i := range carriers {
		c := &carriers[i]
		if c.Status != model.CarrierActive {
			continue
		}
		score := s.ScoreOne(load, c, now)
		if score.Equipment == 0 || score.Total < s.cfg.MinTotalScore {
			continue
		}
		results = append(results, score)
	}
	sortByScore(results)
	return results
}

// ScoreOne computes the score of one carrier without eligibility filtering.
func (s *CarrierScorer) ScoreOne(load *model.Load, c *model.Carrier, now time.Time) model.CarrierScore {
	origin := load.Fields.String(model.FieldOriginZip)
	dest := load.Fields.String(model.FieldDestZip)
	equipment := load.Fields.String(model.FieldEquipment)

	score := model.CarrierScore{
		CarrierID:    c.ID,
		CarrierName:  c.Name,
		CarrierEmail: c.Email,
		LoadID:       load.ID,
		ScoredAt:     now.UTC(),
		Notes:        []string{},
	}
	if load.QualifiedAt != nil {
		score.LoadQualifiedAt = load.QualifiedAt.UTC()
	}

	var note string
	score.Lane, note = s.scoreLane(origin, dest, c)
	score.Notes = appendNote(score.Notes, note)
	score.Equipment, note = s.scoreEquipment(equipment, c.EquipmentTypes)
	score.Notes = appendNote(score.Notes, note)
	var notes []string
	score.Performance, notes = scorePerformance(c)
	score.Notes = append(score.Notes, notes...)
	score.Price, note = scorePrice(c.TypicalMarginPct)
	score.Notes = appendNote(score.Notes, note)
	score.Availability, note = scoreAvailability(c.LastActiveAt, now)
	score.Notes = appendNote(score.Notes, note)

	score.Total = score.Lane + score.Equipment + score.Performance + score.Price + score.Availability
	return score
}

// scoreLane returns 0-30 for how well the carrier runs the load's lane.
func (s *CarrierScorer) scoreLane(origin, dest string, c *model.Carrier) (int, string) {
	exact := strings.ToUpper(origin + "-" + dest)
	for _, lane := range c.PreferredLanes {
		if origin != "" && dest != "" && strings.ToUpper(strings.TrimSpace(lane)) == exact {
			return 30, "Exact lane match " + exact
		}
	}

	originState := s.regions.State(origin)
	if stateLane := s.regions.Lane(origin, dest); stateLane != "" {
		for _, lane := range c.PreferredLanes {
			if strings.Contains(strings.ToUpper(lane), stateLane) {
				return 20, "Region lane match " + stateLane
			}
		}
	}

	if originState != "" {
		for _, r := range c.CoverageRegions {
			if strings.EqualFold(strings.TrimSpace(r), originState) {
				return 15, "Covers origin region " + originState
			}
		}
	}

	if c.Scope == model.ScopeNational {
		return 10, "National coverage"
	}
	return 0, "No lane match"
}

// scoreEquipment returns 0-25 for equipment fit.
func (s *CarrierScorer) scoreEquipment(requested string, offered []string) (int, string) {
	req := strings.ToLower(strings.TrimSpace(requested))
	if req == "" {
		return 0, "No equipment requested"
	}
	for _, e := range offered {
		if strings.ToLower(strings.TrimSpace(e)) == req {
			return 25, "Exact equipment match " + requested
		}
	}
	if serves, ok := s.compat[req]; ok {
		for _, e := range offered {
			if serves[strings.ToLower(strings.TrimSpace(e))] {
				return 15, fmt.Sprintf("Compatible equipment %s for %s", e, requested)
			}
		}
	}
	if len(distinct(offered)) > s.cfg.GeneralistMinTypes {
		return 10, fmt.Sprintf("Generalist with %d equipment types", len(distinct(offered)))
	}
	return 0, "No compatible equipment"
}

// scorePerformance returns 0-20 from on-time, claims and safety.
func scorePerformance(c *model.Carrier) (int, []string) {
	var total int
	var notes []string

	switch {
	case c.OnTimePct >= 95:
		total += 10
		notes = append(notes, fmt.Sprintf("Excellent on-time %.1f%%", c.OnTimePct))
	case c.OnTimePct >= 90:
		total += 7
		notes = append(notes, fmt.Sprintf("Good on-time %.1f%%", c.OnTimePct))
	case c.OnTimePct >= 85:
		total += 5
		notes = append(notes, fmt.Sprintf("Fair on-time %.1f%%", c.OnTimePct))
	}

	switch {
	case c.ClaimsRatioPct <= 1:
		total += 5
		notes = append(notes, fmt.Sprintf("Low claims %.1f%%", c.ClaimsRatioPct))
	case c.ClaimsRatioPct <= 2:
		total += 3
		notes = append(notes, fmt.Sprintf("Moderate claims %.1f%%", c.ClaimsRatioPct))
	case c.ClaimsRatioPct <= 5:
		total += 1
		notes = append(notes, fmt.Sprintf("Elevated claims %.1f%%", c.ClaimsRatioPct))
	}

	switch strings.ToLower(c.SafetyRating) {
	case model.SafetyExcellent:
		total += 5
		notes = append(notes, "Excellent safety rating")
	case model.SafetySatisfactory:
		total += 3
		notes = append(notes, "Satisfactory safety rating")
	}

	if total == 0 {
		notes = append(notes, "No performance credit")
	}
	return total, notes
}

// scorePrice returns 0-15; lower typical margins score higher.
func scorePrice(marginPct float64) (int, string) {
	switch {
	case marginPct <= 10:
		return 15, fmt.Sprintf("Low margin %.1f%%", marginPct)
	case marginPct <= 15:
		return 10, fmt.Sprintf("Moderate margin %.1f%%", marginPct)
	case marginPct <= 20:
		return 5, fmt.Sprintf("High margin %.1f%%", marginPct)
	default:
		return 0, fmt.Sprintf("Margin %.1f%% above 20%%", marginPct)
	}
}

// scoreAvailability returns 0-10 by days since last activity. Unknown
// activity gets the middle score.
func scoreAvailability(lastActive *time.Time, now time.Time) (int, string) {
	if lastActive == nil || lastActive.IsZero() {
		return 5, "No activity data"
	}
	days := now.Sub(*lastActive).Hours() / 24
	switch {
	case days <= 1:
		return 10, "Active within 1 day"
	case days <= 7:
		return 7, "Active within 7 days"
	case days <= 30:
		return 3, "Active within 30 days"
	default:
		return 0, fmt.Sprintf("Inactive for %d days", int(days))
	}
}

// sortByScore sorts scores by total descending, then carrier id.
func sortByScore(scores []model.CarrierScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Total != scores[j].Total {
			return scores[i].Total > scores[j].Total
		}
		return scores[i].CarrierID < scores[j].CarrierID
	})
}

func appendNote(notes []string, note string) []string {
	if note == "" {
		return notes
	}
	return append(notes, note)
}

func distinct(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		if it = strings.ToLower(strings.TrimSpace(it)); it != "" {
			set[it] = true
		}
	}
	return set
}
