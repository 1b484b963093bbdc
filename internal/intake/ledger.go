package intake

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/loadblast/internal/model"
)

var (
	zip5Re   = regexp.MustCompile(`\d{5}`)
	numberRe = regexp.MustCompile(`[\d,]+`)
)

// equipmentAliases maps lowercase equipment names to canonical categories.
var equipmentAliases = map[string]string{
	"dry van":      "Van",
	"dryvan":       "Van",
	"van":          "Van",
	"reefer":       "Reefer",
	"refrigerated": "Reefer",
	"flatbed":      "Flatbed",
	"flat":         "Flatbed",
	"step deck":    "Stepdeck",
	"stepdeck":     "Stepdeck",
	"rgn":          "RGN",
	"lowboy":       "RGN",
}

// Date-only layouts accepted for the pickup field.
var pickupDateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

// Ledger tracks which required fields of a load are known and merges
// incremental updates into the field map.
type Ledger struct {
	required   []string
	pickupHour int
}

// NewLedger creates a Ledger. An empty required list uses the default five
// fields; pickupHour is the time given to date-only pickups.
func NewLedger(required []string, pickupHour int) *Ledger {
	if len(required) == 0 {
		required = model.DefaultRequiredFields
	}
	if pickupHour < 0 || pickupHour > 23 {
		pickupHour = 8
	}
	return &Ledger{required: append([]string(nil), required...), pickupHour: pickupHour}
}

// Required returns the required field keys in order.
func (l *Ledger) Required() []string { return append([]string(nil), l.required...) }

// Requested returns the keys asked of the extractor for a new tender: the
// required fields followed by the optional ones.
func (l *Ledger) Requested() []string {
	out := l.Required()
	seen := make(map[string]bool, len(out))
	for _, k := range out {
		seen[k] = true
	}
	for _, k := range model.OptionalFields {
		if !seen[k] {
			out = append(out, k)
		}
	}
	return out
}

// Wanted returns the missing required keys followed by the optional keys
// not yet known in f.
func (l *Ledger) Wanted(f model.Fields) []string {
	out := l.Missing(f)
	for _, k := range l.Requested()[len(l.required):] {
		if !f.Known(k) {
			out = append(out, k)
		}
	}
	return out
}

// Missing returns the required keys that are not known in f, in required order.
func (l *Ledger) Missing(f model.Fields) []string {
	missing := []string{}
	for _, key := range l.required {
		if !f.Known(key) {
			missing = append(missing, key)
		}
	}
	return missing
}

// Recompute refreshes MissingFields and IsComplete from the field map.
func (l *Ledger) Recompute(load *model.Load) {
	load.MissingFields = l.Missing(load.Fields)
	load.IsComplete = len(load.MissingFields) == 0
}

// Merge normalizes updates and applies them to load.Fields. Unknown values
// never replace anything. A known value is only replaced when override is
// set. It returns the keys whose value changed, sorted.
func (l *Ledger) Merge(load *model.Load, updates model.Fields, override bool) []string {
	if load.Fields == nil {
		load.Fields = model.Fields{}
	}
	norm := l.Normalize(updates)
	var changed []string
	for _, key := range norm.Keys() {
		v := norm[key]
		if load.Fields.Known(key) {
			if !override || fmt.Sprint(load.Fields[key]) == fmt.Sprint(v) {
				continue
			}
		}
		load.Fields[key] = v
		changed = append(changed, key)
	}
	l.Recompute(load)
	return changed
}

// Normalize returns a copy of in with unknown values dropped and the
// recognized fields put in canonical form.
func (l *Ledger) Normalize(in model.Fields) model.Fields {
	out := model.Fields{}
	for key, v := range in {
		if !model.Truthy(v) {
			continue
		}
		var nv any
		switch key {
		case model.FieldOriginZip, model.FieldDestZip:
			nv = normalizeZip(v)
		case model.FieldWeightLb, model.FieldPieces:
			nv = normalizeInt(v)
		case model.FieldEquipment:
			nv = normalizeEquipment(v)
		case model.FieldPickupAt:
			nv = l.normalizePickup(v)
		case model.FieldHazmat:
			nv = normalizeBool(v)
		default:
			if s, ok := v.(string); ok {
				nv = strings.TrimSpace(s)
			} else {
				nv = v
			}
		}
		if model.Truthy(nv) {
			out[key] = nv
		}
	}
	return out
}

func normalizeZip(v any) any {
	return zip5Re.FindString(fmt.Sprint(v))
}

func normalizeInt(v any) any {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	m := numberRe.FindString(fmt.Sprint(v))
	n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return nil
	}
	return n
}

func normalizeEquipment(v any) any {
	s := strings.TrimSpace(fmt.Sprint(v))
	if canon, ok := equipmentAliases[strings.ToLower(s)]; ok {
		return canon
	}
	return s
}

func normalizeBool(v any) any {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "yes", "y", "true", "1":
			return true
		}
	}
	return false
}

// normalizePickup gives date-only pickups the default hour. Values that
// already carry a time, or that cannot be parsed, are kept as given.
func (l *Ledger) normalizePickup(v any) any {
	s := strings.TrimSpace(fmt.Sprint(v))
	if strings.Contains(s, "T") {
		return s
	}
	for _, layout := range pickupDateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Add(time.Duration(l.pickupHour) * time.Hour).Format(model.PickupLayout)
		}
	}
	return s
}
