package registermap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const breakerJSON = `{
  "holding_registers": [
    {"address": 0, "name": "Breaker_Status", "default": 1, "min": 0, "max": 1, "noise": 0.01},
    {"address": 1, "name": "Bus Voltage/kV", "default": 138, "noise": 0.005},
    {"address": 10, "name": "Trip_Command", "default": 0, "min": 0, "max": 1, "writable": true}
  ]
}`

func writeMap(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestParseObjectForm(t *testing.T) {
	defs, err := Parse([]byte(breakerJSON))
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "Breaker_Status", defs[0].Name)
	assert.True(t, defs[2].Writable)
	assert.Nil(t, defs[1].Min)
}

func TestParseListForm(t *testing.T) {
	defs, err := Parse([]byte(`[{"address": 3, "name": "Freq", "default": 60}]`))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, 3, defs[0].Address)
}

func TestParseYAML(t *testing.T) {
	doc := `
holding_registers:
  - address: 2
    name: Load_MW
    default: 40
    noise: 0.05
`
	defs, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.NotNil(t, defs[0].Noise)
	assert.InDelta(t, 0.05, *defs[0].Noise, 1e-12)
}

func TestParseRejectsScalar(t *testing.T) {
	_, err := Parse([]byte(`42`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte(``))
	assert.ErrorIs(t, err, ErrEmptyMap)
}

func TestResolveDefaults(t *testing.T) {
	r, degenerate := Resolve(Definition{Address: 4, Name: "Temp", Default: 50})
	assert.False(t, degenerate)
	assert.Equal(t, uint16(4), r.Address)
	assert.InDelta(t, 25.0, r.Min, 1e-12)
	assert.InDelta(t, 75.0, r.Max, 1e-12)
	assert.InDelta(t, DefaultNoise, r.Noise, 1e-12)
	assert.True(t, r.Simulate)
	assert.False(t, r.Writable)
	assert.True(t, r.Simulated())
}

func TestResolveSimulateFalse(t *testing.T) {
	off := false
	r, _ := Resolve(Definition{Name: "Fixed", Default: 5, Simulate: &off})
	assert.False(t, r.Simulated())
}

func TestResolveDegenerateBand(t *testing.T) {
	r, degenerate := Resolve(Definition{Name: "Neg", Default: -10})
	assert.True(t, degenerate)
	assert.LessOrEqual(t, r.Min, r.Max)
	assert.InDelta(t, -15.0, r.Min, 1e-12)
	assert.InDelta(t, -5.0, r.Max, 1e-12)

	r, degenerate = Resolve(Definition{Name: "Zero", Default: 0})
	assert.True(t, degenerate)
	assert.Equal(t, 0.0, r.Min)
	assert.Equal(t, 0.0, r.Max)

	lo, hi := 0.0, 1.0
	_, degenerate = Resolve(Definition{Name: "Explicit", Default: 0, Min: &lo, Max: &hi})
	assert.False(t, degenerate)
}

func TestValidateErrors(t *testing.T) {
	lo, hi := 10.0, 5.0
	neg := -0.1

	tests := []struct {
		name string
		defs []Definition
		want error
	}{
		{"empty", nil, ErrEmptyMap},
		{"missing name", []Definition{{Address: 1, Default: 1}}, ErrInvalidRegister},
		{"address too large", []Definition{{Address: 70000, Name: "x", Default: 1}}, ErrInvalidRegister},
		{"negative address", []Definition{{Address: -1, Name: "x", Default: 1}}, ErrInvalidRegister},
		{"min above max", []Definition{{Name: "x", Default: 7, Min: &lo, Max: &hi}}, ErrInvalidRegister},
		{"negative noise", []Definition{{Name: "x", Default: 7, Noise: &neg}}, ErrInvalidRegister},
		{"duplicate address", []Definition{{Address: 1, Name: "a", Default: 1}, {Address: 1, Name: "b", Default: 1}}, ErrDuplicate},
		{"duplicate name", []Definition{{Address: 1, Name: "a", Default: 1}, {Address: 2, Name: "a", Default: 1}}, ErrDuplicate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Validate(tt.defs)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateWarnsOnDegenerateBand(t *testing.T) {
	regs, warnings, err := Validate([]Definition{{Name: "Offset", Default: 0}})
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Len(t, warnings, 1)
}

func TestValidateWarnsOnDefaultOutsideBand(t *testing.T) {
	lo, hi := 0.0, 1.0
	regs, warnings, err := Validate([]Definition{
		{Address: 0, Name: "Trip_Command", Default: 5, Min: &lo, Max: &hi, Writable: true},
		{Address: 1, Name: "Breaker_Status", Default: 1, Min: &lo, Max: &hi},
	})
	require.NoError(t, err)
	require.Len(t, regs, 2)
	assert.Equal(t, 5.0, regs[0].Default)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "Trip_Command")
}

func TestLoadRole(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, "substation_breaker.json", breakerJSON)

	m, err := Load(dir, "substation_breaker")
	require.NoError(t, err)
	assert.False(t, m.Fallback)
	assert.Equal(t, "substation_breaker", m.Role)
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, filepath.Join(dir, "substation_breaker.json"), m.Source)

	regs := m.Registers()
	regs[0].Name = "mutated"
	assert.Equal(t, "Breaker_Status", m.Registers()[0].Name, "Registers must return a copy")
}

func TestLoadFallsBackToDefaultRole(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, DefaultRole+".json", breakerJSON)

	m, err := Load(dir, "turbine_governor")
	require.NoError(t, err)
	assert.True(t, m.Fallback)
	assert.Equal(t, "turbine_governor", m.Role)
	assert.Equal(t, 3, m.Len())
}

func TestLoadYAMLExtension(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, "safety_sis.yaml", "- {address: 0, name: Pressure, default: 50}\n")

	m, err := Load(dir, "safety_sis")
	require.NoError(t, err)
	assert.False(t, m.Fallback)
	assert.Equal(t, 1, m.Len())
}

func TestLoadMissingEverything(t *testing.T) {
	_, err := Load(t.TempDir(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadInvalidRoleMapIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, DefaultRole+".json", breakerJSON)
	writeMap(t, dir, "bad.json", `[{"address": 0, "name": "x", "default": 5, "min": 9, "max": 1}]`)

	_, err := Load(dir, "bad")
	assert.ErrorIs(t, err, ErrInvalidRegister)
}
