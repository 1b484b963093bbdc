package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loadblast/internal/model"
)

const sampleRoster = `
carriers:
  - id: c-1
    name: Lakeshore Freight
    email: " Dispatch@Lakeshore.example "
    equipment_types: [Van, Reefer]
    preferred_lanes: ["606-752"]
    coverage_regions: [IL, TX]
    on_time_pct: 96
    claims_ratio_pct: 0.4
    safety_rating: satisfactory
    typical_margin_pct: 12
    scope: national
  - id: c-2
    name: Prairie Flatbed
    email: ops@prairie.example
    equipment_types: [Flatbed]
    status: inactive
`

func TestParseRoster(t *testing.T) {
	carriers, err := parseRoster(strings.NewReader(sampleRoster))
	require.NoError(t, err)
	require.Len(t, carriers, 2)

	c := carriers[0]
	assert.Equal(t, "dispatch@lakeshore.example", c.Email)
	assert.Equal(t, []string{"Van", "Reefer"}, c.EquipmentTypes)
	assert.Equal(t, model.ScopeNational, c.Scope)
	assert.Equal(t, model.CarrierActive, c.Status)
	assert.InDelta(t, 96.0, c.OnTimePct, 0.001)

	assert.Equal(t, model.ScopeRegional, carriers[1].Scope)
	assert.Equal(t, model.CarrierInactive, carriers[1].Status)
}

func TestParseRoster_Invalid(t *testing.T) {
	_, err := parseRoster(strings.NewReader(`
carriers:
  - id: c-1
    email: a@b.example
  - id: c-1
  - name: nameless
    email: x@y.example
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "duplicate id c-1")
	assert.Contains(t, msg, "carriers[1]: email is required")
	assert.Contains(t, msg, "carriers[2]: id is required")
}

func TestParseRoster_UnknownField(t *testing.T) {
	_, err := parseRoster(strings.NewReader("carriers:\n  - id: c-1\n    email: a@b.example\n    mc_number: 123\n"))
	assert.Error(t, err)
}

func TestPrintCarriers(t *testing.T) {
	carriers, err := parseRoster(strings.NewReader(sampleRoster))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printCarriers(&buf, carriers))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "EQUIPMENT")
	assert.Contains(t, lines[1], "Van,Reefer")
	assert.Contains(t, lines[1], "96%")
}
