// Package scorer ranks carriers for a qualified load.
package scorer

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loadblast/internal/config"
	"github.com/sells-group/loadblast/internal/region"
)

// Sub-score caps. They sum to 100.
const (
	MaxLane         = 30
	MaxEquipment    = 25
	MaxPerformance  = 20
	MaxPrice        = 15
	MaxAvailability = 10
)

// DefaultCompatibility maps a requested equipment category to the carrier
// equipment names that can serve it.
func DefaultCompatibility() map[string][]string {
	return map[string][]string{
		"van":      {"dry van", "van"},
		"reefer":   {"refrigerated", "reefer"},
		"flatbed":  {"flatbed", "stepdeck", "rgn"},
		"stepdeck": {"stepdeck", "flatbed"},
	}
}

// DefaultScorerConfig returns a config.ScorerConfig with the built-in
// compatibility table.
func DefaultScorerConfig() config.ScorerConfig {
	return config.ScorerConfig{
		EquipmentCompatibility: DefaultCompatibility(),
		GeneralistMinTypes:     3,
		MinTotalScore:          1,
	}
}

// ValidateConfig checks that a ScorerConfig is internally consistent.
func ValidateConfig(c config.ScorerConfig) error {
	var errs []string

	if c.GeneralistMinTypes < 0 {
		errs = append(errs, "generalist_min_types must be >= 0")
	}
	if c.MinTotalScore < 0 || c.MinTotalScore > 100 {
		errs = append(errs, "min_total_score must be between 0 and 100")
	}
	for requested, serves := range c.EquipmentCompatibility {
		if strings.TrimSpace(requested) == "" {
			errs = append(errs, "equipment_compatibility has an empty key")
		}
		if len(serves) == 0 {
			errs = append(errs, fmt.Sprintf("equipment_compatibility[%s] must not be empty", requested))
		}
	}
	for prefix, state := range c.ZipPrefixRegions {
		if len(prefix) != 3 || strings.Trim(prefix, "0123456789") != "" {
			errs = append(errs, fmt.Sprintf("zip_prefix_regions key %q must be 3 digits", prefix))
		}
		if strings.TrimSpace(state) == "" {
			errs = append(errs, fmt.Sprintf("zip_prefix_regions[%s] must not be empty", prefix))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// withDefaults fills the zero values of c.
func withDefaults(c config.ScorerConfig) config.ScorerConfig {
	if len(c.EquipmentCompatibility) == 0 {
		c.EquipmentCompatibility = DefaultCompatibility()
	}
	if c.GeneralistMinTypes <= 0 {
		c.GeneralistMinTypes = 3
	}
	if c.MinTotalScore <= 0 {
		c.MinTotalScore = 1
	}
	return c
}

func newRegions(c config.ScorerConfig) *region.Resolver {
	return region.NewResolver(c.ZipPrefixRegions)
}

// ConfigHash returns a SHA-256 hash of the scoring config for reproducibility.
func ConfigHash(cfg interface{}) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:16]) // 32 hex chars
}
