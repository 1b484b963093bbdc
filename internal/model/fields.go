package model

import (
	"sort"
	"strconv"
	"time"
)

// Required field keys of a load.
const (
	FieldOriginZip = "origin_zip"
	FieldDestZip   = "dest_zip"
	FieldPickupAt  = "pickup_dt"
	FieldEquipment = "equipment"
	FieldWeightLb  = "weight_lb"
)

// Optional field keys carried alongside the required ones.
const (
	FieldCommodity    = "commodity"
	FieldPieces       = "pieces"
	FieldHazmat       = "hazmat"
	FieldDims         = "dims"
	FieldInstructions = "special_instructions"
)

// DefaultRequiredFields is the required-field list used when none is configured.
var DefaultRequiredFields = []string{
	FieldOriginZip,
	FieldDestZip,
	FieldPickupAt,
	FieldEquipment,
	FieldWeightLb,
}

// OptionalFields are extracted whenever present but never block completion.
// The classifier reads them.
var OptionalFields = []string{
	FieldCommodity,
	FieldPieces,
	FieldHazmat,
	FieldDims,
	FieldInstructions,
}

// Fields maps a field key to its normalized value. A key that is absent or
// holds a falsy value is treated as unknown.
type Fields map[string]any

// Clone returns a shallow copy of f. A nil receiver yields an empty map.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Known reports whether key holds a truthy value.
func (f Fields) Known(key string) bool {
	v, ok := f[key]
	return ok && Truthy(v)
}

// Keys returns the keys of f in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the value for key as a string, or "" when unknown.
func (f Fields) String(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Int returns the value for key as an integer. JSON round trips turn integers
// into float64, so both are accepted.
func (f Fields) Int(key string) (int, bool) {
	switch v := f[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Bool returns the value for key as a boolean.
func (f Fields) Bool(key string) bool {
	switch v := f[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// PickupLayout is the normalized form of the pickup timestamp. It carries no
// zone; pickups are in the shipper's local time.
const PickupLayout = "2006-01-02T15:04:05"

// Time parses the value for key as a PickupLayout or RFC 3339 timestamp.
func (f Fields) Time(key string) (time.Time, bool) {
	s, ok := f[key].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{PickupLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Truthy reports whether v counts as a present value.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
