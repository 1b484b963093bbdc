package dispatch

import (
	"time"

	"github.com/sells-group/loadblast/internal/config"
	"github.com/sells-group/loadblast/internal/model"
)

// Tiers turns configured tiers into numbered outreach tiers. MaxScore of a
// tier is one below the previous tier's MinScore; the first tier is open
// ended at 100.
func Tiers(cfg []config.TierConfig) []model.OutreachTier {
	out := make([]model.OutreachTier, 0, len(cfg))
	upper := 100
	for i, tc := range cfg {
		out = append(out, model.OutreachTier{
			Tier:        i + 1,
			MinScore:    tc.MinScore,
			MaxScore:    upper,
			MaxCarriers: tc.MaxCarriers,
			Delay:       time.Duration(tc.DelayMinutes) * time.Minute,
		})
		upper = tc.MinScore - 1
	}
	return out
}

// PlannedTier is one tier of an outreach plan with the carriers it will contact.
type PlannedTier struct {
	model.OutreachTier
	// Wait is how long after the previous planned tier this one fires. The
	// delays of omitted empty tiers are folded in.
	Wait   time.Duration        `json:"wait"`
	Scores []model.CarrierScore `json:"scores"`
}

// Plan is the ordered outreach for one load, built from a single score run.
type Plan struct {
	LoadID      string        `json:"load_id"`
	LoadNumber  string        `json:"load_number"`
	QualifiedAt *time.Time    `json:"qualified_at,omitempty"`
	Tiers       []PlannedTier `json:"tiers"`
}

// Empty reports whether the plan contacts no carrier.
func (p *Plan) Empty() bool {
	return p == nil || len(p.Tiers) == 0
}

// Carriers counts the carriers across all tiers.
func (p *Plan) Carriers() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, t := range p.Tiers {
		n += len(t.Scores)
	}
	return n
}

// BuildPlan partitions scores, already sorted by descending total, into
// tiers. A carrier lands in the first tier whose MinScore it meets; once a
// tier is full its remaining carriers are dropped, not moved down. Tiers
// with no carriers are left out.
func BuildPlan(load *model.Load, scores []model.CarrierScore, tiers []model.OutreachTier) *Plan {
	p := &Plan{LoadID: load.ID, LoadNumber: load.LoadNumber, QualifiedAt: load.QualifiedAt}

	buckets := make([][]model.CarrierScore, len(tiers))
	for _, s := range scores {
		for i, t := range tiers {
			if s.Total < t.MinScore {
				continue
			}
			if len(buckets[i]) < t.MaxCarriers {
				buckets[i] = append(buckets[i], s)
			}
			break
		}
	}

	var wait time.Duration
	for i, t := range tiers {
		wait += t.Delay
		if len(buckets[i]) == 0 {
			continue
		}
		p.Tiers = append(p.Tiers, PlannedTier{OutreachTier: t, Wait: wait, Scores: buckets[i]})
		wait = 0
	}
	return p
}
