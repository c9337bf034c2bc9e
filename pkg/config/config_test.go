package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocol(t *testing.T) {
	for _, in := range []string{"modbus", "OPCUA", " enip "} {
		_, err := ParseProtocol(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseProtocol("profinet")
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)
	_, err = ParseProtocol("")
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		explicit Explicit
		identity string
		want     Resolved
	}{
		{
			name: "defaults",
			want: Resolved{Protocol: ProtocolModbus, Role: DefaultRole, Port: 502, Name: DefaultName},
		},
		{
			name:     "identity table",
			identity: "plc-gen",
			want: Resolved{Protocol: ProtocolENIP, Role: "turbine_governor", Port: 44818,
				Name: "Turbine Governor", Identity: "plc-gen", Matched: true},
		},
		{
			name:     "identity is case-insensitive",
			identity: "PLC-SAFETY",
			want: Resolved{Protocol: ProtocolOPCUA, Role: "safety_sis", Port: 4840,
				Name: "Safety Instrumented System", Identity: "PLC-SAFETY", Matched: true},
		},
		{
			name:     "explicit wins over identity",
			explicit: Explicit{Protocol: "modbus", Port: 5020},
			identity: "plc-gen",
			want: Resolved{Protocol: ProtocolModbus, Role: "turbine_governor", Port: 5020,
				Name: "Turbine Governor", Identity: "plc-gen", Matched: true},
		},
		{
			name:     "unknown identity falls back to defaults",
			explicit: Explicit{Role: "water_pump"},
			identity: "workstation-7",
			want: Resolved{Protocol: ProtocolModbus, Role: "water_pump", Port: 502,
				Name: DefaultName, Identity: "workstation-7"},
		},
		{
			name:     "default port follows the explicit protocol",
			explicit: Explicit{Protocol: "opcua", Name: "HMI-Test"},
			want:     Resolved{Protocol: ProtocolOPCUA, Role: DefaultRole, Port: 4840, Name: "HMI-Test"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.explicit, tt.identity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveErrors(t *testing.T) {
	_, err := Resolve(Explicit{Protocol: "bacnet"}, "plc-gen")
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)

	_, err = Resolve(Explicit{Port: 70000}, "")
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestResolvedAddress(t *testing.T) {
	r, err := Resolve(Explicit{}, "plc-gen")
	require.NoError(t, err)
	assert.Equal(t, ":44818", r.Address())
}

func TestKnownIdentities(t *testing.T) {
	ids := KnownIdentities()
	assert.Len(t, ids, 6)
	assert.Equal(t, "plc-gen", ids[0])
}

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load("plc-sim", nil, env(nil), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s)
	assert.Equal(t, Explicit{}, s.Explicit())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
protocol: opcua
role: safety_sis
port: 4841
tick: 250ms
name: From-File
advertise: true
`), 0o600))

	s, err := Load("plc-sim",
		[]string{"-config", path, "-port", "4900", "-interactive"},
		env(map[string]string{EnvName: "From-Env", EnvPort: "4850", EnvLogLevel: "debug"}),
		io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "opcua", s.Protocol)
	assert.Equal(t, "safety_sis", s.Role)
	assert.Equal(t, 4900, s.Port, "flag beats env and file")
	assert.Equal(t, "From-Env", s.Name, "env beats file")
	assert.Equal(t, 250*time.Millisecond, s.Tick)
	assert.Equal(t, "debug", s.LogLevel)
	assert.True(t, s.Advertise)
	assert.True(t, s.Interactive)
	assert.Equal(t, path, s.ConfigFile)
}

func TestLoadConfigFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: load_management\n"), 0o600))

	s, err := Load("plc-sim", nil, env(map[string]string{EnvConfig: path}), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "load_management", s.Role)
}

func TestLoadErrors(t *testing.T) {
	tests := map[string]struct {
		args []string
		env  map[string]string
	}{
		"bad port env":   {env: map[string]string{EnvPort: "five"}},
		"bad tick env":   {env: map[string]string{EnvTick: "soon"}},
		"zero tick flag": {args: []string{"-tick", "0s"}},
		"bad advertise":  {env: map[string]string{EnvAdvertise: "maybe"}},
		"bad level":      {env: map[string]string{EnvLogLevel: "loud"}},
		"missing file":   {args: []string{"-config", "/nonexistent/plc.yaml"}},
		"unknown flag":   {args: []string{"-bogus"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load("plc-sim", tt.args, env(tt.env), io.Discard)
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PLC_TEST_DOTENV=opcua\n"), 0o600))
	t.Setenv("PLC_TEST_DOTENV", "")
	os.Unsetenv("PLC_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "opcua", os.Getenv("PLC_TEST_DOTENV"))
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("chatty")
	assert.ErrorIs(t, err, ErrInvalidSetting)
}
