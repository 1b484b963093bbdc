// Package region maps ZIP codes to US states for lane matching.
package region

import (
	"sort"
	"strings"
)

// zip3Range assigns an inclusive ZIP3 prefix range to a state.
type zip3Range struct {
	lo, hi int
	state  string
}

// USPS ZIP3 allocation. Ranges are sorted by lo and do not overlap.
var zip3Ranges = []zip3Range{
	{5, 5, "NY"},
	{6, 9, "PR"},
	{10, 27, "MA"},
	{28, 29, "RI"},
	{30, 38, "NH"},
	{39, 49, "ME"},
	{50, 54, "VT"},
	{55, 55, "MA"},
	{56, 59, "VT"},
	{60, 69, "CT"},
	{70, 89, "NJ"},
	{100, 149, "NY"},
	{150, 196, "PA"},
	{197, 199, "DE"},
	{200, 200, "DC"},
	{201, 201, "VA"},
	{202, 205, "DC"},
	{206, 219, "MD"},
	{220, 246, "VA"},
	{247, 268, "WV"},
	{270, 289, "NC"},
	{290, 299, "SC"},
	{300, 319, "GA"},
	{320, 339, "FL"},
	{341, 349, "FL"},
	{350, 369, "AL"},
	{370, 385, "TN"},
	{386, 397, "MS"},
	{398, 399, "GA"},
	{400, 427, "KY"},
	{430, 459, "OH"},
	{460, 479, "IN"},
	{480, 499, "MI"},
	{500, 528, "IA"},
	{530, 549, "WI"},
	{550, 567, "MN"},
	{570, 577, "SD"},
	{580, 588, "ND"},
	{590, 599, "MT"},
	{600, 629, "IL"},
	{630, 658, "MO"},
	{660, 679, "KS"},
	{680, 693, "NE"},
	{700, 714, "LA"},
	{716, 729, "AR"},
	{730, 732, "OK"},
	{733, 733, "TX"},
	{734, 749, "OK"},
	{750, 799, "TX"},
	{800, 816, "CO"},
	{820, 831, "WY"},
	{832, 838, "ID"},
	{840, 847, "UT"},
	{850, 865, "AZ"},
	{870, 884, "NM"},
	{885, 885, "TX"},
	{889, 898, "NV"},
	{900, 961, "CA"},
	{967, 968, "HI"},
	{969, 969, "GU"},
	{970, 979, "OR"},
	{980, 994, "WA"},
	{995, 999, "AK"},
}

// Resolver looks up the state of a ZIP code. Overrides map a ZIP3 prefix to
// a region label and take precedence over the built-in table.
type Resolver struct {
	overrides map[string]string
}

// NewResolver creates a Resolver with optional prefix overrides.
func NewResolver(overrides map[string]string) *Resolver {
	norm := make(map[string]string, len(overrides))
	for k, v := range overrides {
		norm[strings.TrimSpace(k)] = strings.ToUpper(strings.TrimSpace(v))
	}
	return &Resolver{overrides: norm}
}

// State returns the two-letter state (or override label) for zip, or "" when
// the ZIP is malformed or unallocated.
func (r *Resolver) State(zip string) string {
	prefix, ok := zip3(zip)
	if !ok {
		return ""
	}
	if r != nil {
		if s, ok := r.overrides[prefix]; ok {
			return s
		}
	}
	return lookup(prefix)
}

// Lane returns the "ORIGIN-DEST" state pair for two ZIPs, or "" if either
// state is unknown.
func (r *Resolver) Lane(originZip, destZip string) string {
	o, d := r.State(originZip), r.State(destZip)
	if o == "" || d == "" {
		return ""
	}
	return o + "-" + d
}

// State resolves zip against the built-in table only.
func State(zip string) string {
	return (*Resolver)(nil).State(zip)
}

func zip3(zip string) (string, bool) {
	zip = strings.TrimSpace(zip)
	if len(zip) < 3 {
		return "", false
	}
	for i := 0; i < 3; i++ {
		if zip[i] < '0' || zip[i] > '9' {
			return "", false
		}
	}
	return zip[:3], true
}

func lookup(prefix string) string {
	n := int(prefix[0]-'0')*100 + int(prefix[1]-'0')*10 + int(prefix[2]-'0')
	i := sort.Search(len(zip3Ranges), func(i int) bool { return zip3Ranges[i].hi >= n })
	if i < len(zip3Ranges) && zip3Ranges[i].lo <= n {
		return zip3Ranges[i].state
	}
	return ""
}
