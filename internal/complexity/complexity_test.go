package complexity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loadblast/internal/config"
	"github.com/sells-group/loadblast/internal/model"
)

func cleanFields() model.Fields {
	return model.Fields{
		model.FieldOriginZip: "60601",
		model.FieldDestZip:   "75201",
		model.FieldPickupAt:  "2025-03-04T08:00:00",
		model.FieldEquipment: "Van",
		model.FieldWeightLb:  42000,
		model.FieldPieces:    24,
	}
}

const cleanText = "Need a dry van from Chicago 60601 to Dallas 75201, 42,000 lbs, 24 pallets of paper. Pickup Tuesday."

func TestClassify_CleanLoadHasNoFlags(t *testing.T) {
	c := New(config.ComplexityConfig{})
	res := c.Classify(cleanText, cleanFields())
	assert.Empty(t, res.Flags)
	assert.Empty(t, res.Rationale)
	assert.False(t, res.RequiresReview())
}

func TestClassify_OverweightIgnoresText(t *testing.T) {
	c := New(config.ComplexityConfig{})
	f := cleanFields()
	f[model.FieldWeightLb] = 85000

	res := c.Classify("", f)
	assert.Contains(t, res.Flags, FlagOversize)
	assert.Contains(t, res.Rationale, "weight 85000 lb exceeds 80000")
}

func TestClassify_LightFewPiecesIsLTL(t *testing.T) {
	c := New(config.ComplexityConfig{})
	f := cleanFields()
	f[model.FieldWeightLb] = 8000
	f[model.FieldPieces] = 3

	res := c.Classify(cleanText, f)
	require.Contains(t, res.Flags, FlagLTL)
	assert.Contains(t, res.Evidence[FlagLTL], "weight 8000 lb below 10000")
	assert.Contains(t, res.Evidence[FlagLTL], "3 pieces below 10")
}

func TestClassify_Detectors(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		mutate func(model.Fields)
		want   string
	}{
		{"hazmat keyword", "Load is HAZMAT, placards required", nil, FlagHazmat},
		{"hazmat un number", "Contains UN1203 gasoline", nil, FlagHazmat},
		{"hazmat field", "", func(f model.Fields) { f[model.FieldHazmat] = true }, FlagHazmat},
		{"hazmat class", "Hazard class 3 liquids", nil, FlagHazmat},
		{"oversize keyword", "This is an over-dimensional load, permits required", nil, FlagOversize},
		{"oversize width", "Machine is 12 ft wide", nil, FlagOversize},
		{"multi stop keyword", "Multi-stop delivery in Dallas area", nil, FlagMultiStop},
		{"multi stop zips", "Pick 60601, drop 75201 then 77001", nil, FlagMultiStop},
		{"multi stop numbered", "stop #2 is in Plano", nil, FlagMultiStop},
		{"intermodal keyword", "Drayage from the rail ramp", nil, FlagIntermodal},
		{"intermodal equipment", "", func(f model.Fields) { f[model.FieldEquipment] = "Container" }, FlagIntermodal},
		{"ltl keyword", "Quote this as LTL, needs liftgate", nil, FlagLTL},
		{"partial keyword", "Partial truckload, 20 linear feet", nil, FlagPartial},
		{"partial linear feet", "Needs 18 lf of deck", nil, FlagPartial},
		{"flatbed equipment", "", func(f model.Fields) { f[model.FieldEquipment] = "Flatbed" }, FlagFlatbed},
		{"flatbed tarps", "Steel coils, must be tarped", nil, FlagFlatbed},
		{"commodity field", "", func(f model.Fields) { f[model.FieldCommodity] = "Explosives" }, FlagHazmat},
	}

	c := New(config.ComplexityConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := cleanFields()
			if tt.mutate != nil {
				tt.mutate(f)
			}
			res := c.Classify(tt.text, f)
			assert.Contains(t, res.Flags, tt.want)
			assert.NotEmpty(t, res.Evidence[tt.want])
		})
	}
}

func TestClassify_WordBoundaries(t *testing.T) {
	c := New(config.ComplexityConfig{})
	// "trail", "portion" and "guardrail" must not trigger intermodal; "impartial" not partial.
	res := c.Classify("Trailer portion has a guardrail, impartial shipper", cleanFields())
	assert.NotContains(t, res.Flags, FlagIntermodal)
	assert.NotContains(t, res.Flags, FlagPartial)
}

func TestClassify_WeightNotCountedAsZip(t *testing.T) {
	c := New(config.ComplexityConfig{})
	res := c.Classify("60601 to 75201, 42000 lbs. Weight 42000.", cleanFields())
	assert.NotContains(t, res.Flags, FlagMultiStop)
}

func TestClassify_MultipleFlagsInDetectorOrder(t *testing.T) {
	c := New(config.ComplexityConfig{})
	f := cleanFields()
	f[model.FieldEquipment] = "Flatbed"
	f[model.FieldWeightLb] = 90000

	res := c.Classify("Hazardous materials, multiple stops", f)
	assert.Equal(t, []string{FlagHazmat, FlagOversize, FlagMultiStop, FlagFlatbed}, res.Flags)
	assert.Contains(t, res.Rationale, "HAZMAT: ")
	assert.Contains(t, res.Rationale, "; OVERSIZE: ")
}

func TestClassify_Deterministic(t *testing.T) {
	c := New(config.ComplexityConfig{})
	f := cleanFields()
	f[model.FieldWeightLb] = 5000
	text := "Hazmat partial, drayage, multiple stops to 77001 and 73301, 12 ft wide, tarps"

	first := c.Classify(text, f)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, c.Classify(text, f))
	}
	assert.Equal(t, first, New(config.ComplexityConfig{}).Classify(text, f.Clone()))
}

func TestClassify_UnicodeFolding(t *testing.T) {
	c := New(config.ComplexityConfig{})
	res := c.Classify("ＨＡＺＭＡＴ load", cleanFields())
	assert.Contains(t, res.Flags, FlagHazmat)
}

func TestClassify_CustomConfig(t *testing.T) {
	c := New(config.ComplexityConfig{
		HazmatKeywords:   []string{"dangerous"},
		MaxLegalWeightLb: 50000,
	})
	f := cleanFields()
	f[model.FieldWeightLb] = 60000

	res := c.Classify("hazmat but dangerous", f)
	assert.Equal(t, []string{FlagHazmat, FlagOversize}, res.Flags)
	assert.Equal(t, []string{`keyword "dangerous"`}, res.Evidence[FlagHazmat])
}

func TestWithDefaults(t *testing.T) {
	cfg := WithDefaults(config.ComplexityConfig{LTLMinPieces: 4})
	assert.Equal(t, 4, cfg.LTLMinPieces)
	assert.Equal(t, 80000, cfg.MaxLegalWeightLb)
	assert.NotEmpty(t, cfg.HazmatKeywords)
	assert.Equal(t, AllFlags, []string{FlagHazmat, FlagOversize, FlagMultiStop, FlagIntermodal, FlagLTL, FlagPartial, FlagFlatbed})
}

func TestClassify_NegatedKeywordsDoNotFlag(t *testing.T) {
	c := New(config.ComplexityConfig{})
	for _, text := range []string{
		"24 pallets of non-hazardous cleaning supplies",
		"Non toxic paint, dry van",
		"no hazmat on this one",
		"product is not flammable",
	} {
		res := c.Classify(text, cleanFields())
		assert.NotContains(t, res.Flags, FlagHazmat, text)
	}
}

func TestClassify_NegationOnlyCoversItsKeyword(t *testing.T) {
	c := New(config.ComplexityConfig{})
	res := c.Classify("non-toxic but flammable adhesive", cleanFields())
	require.Contains(t, res.Flags, FlagHazmat)
	assert.Equal(t, []string{`keyword "flammable"`}, res.Evidence[FlagHazmat])
}

func TestNegated(t *testing.T) {
	assert.True(t, negated("non-hazardous", 4))
	assert.True(t, negated("it is not toxic", 10))
	assert.False(t, negated("hazardous", 0))
	assert.False(t, negated("canon hazmat", 6))
}
