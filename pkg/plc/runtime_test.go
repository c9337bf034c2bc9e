package plc

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyroid-lab/plcsim/pkg/config"
	"github.com/cyroid-lab/plcsim/pkg/discovery"
	"github.com/cyroid-lab/plcsim/pkg/discovery/mocks"
	"github.com/cyroid-lab/plcsim/pkg/registermap"
)

func f(v float64) *float64 { return &v }

func breakerMap(t *testing.T) *registermap.Map {
	t.Helper()
	m, err := registermap.New("substation_breaker", []registermap.Definition{
		{Address: 0, Name: "Breaker_Status", Default: 1, Min: f(0), Max: f(1), Noise: f(0.01)},
		{Address: 1, Name: "Bus_Voltage", Default: 138, Noise: f(0.05)},
		{Address: 5, Name: "Trip_Command", Default: 0, Min: f(0), Max: f(1), Writable: true},
	})
	require.NoError(t, err)
	return m
}

func resolved(proto config.Protocol) config.Resolved {
	return config.Resolved{
		Protocol: proto,
		Role:     "substation_breaker",
		Name:     "Substation-B Breaker Control",
		Port:     proto.DefaultPort(),
		Identity: "plc-sub-b",
		Matched:  true,
	}
}

func newServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Registers == nil && cfg.RegisterDir == "" {
		cfg.Registers = breakerMap(t)
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	if cfg.Tick == 0 {
		cfg.Tick = 10 * time.Millisecond
	}
	cfg.Seed = 42
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

// start runs s in the background and waits until it is serving. The
// returned function cancels the run and returns its error.
func start(t *testing.T, s *Server) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateRunning },
		2*time.Second, 5*time.Millisecond)

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				err = errors.New("Run did not return after cancel")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestNewRejectsUnsupportedProtocol(t *testing.T) {
	_, err := New(Config{
		Resolved:  config.Resolved{Protocol: "bacnet", Role: "substation_breaker"},
		Registers: breakerMap(t),
	})
	assert.ErrorIs(t, err, config.ErrUnsupportedProtocol)
}

func TestNewMissingRegisterMap(t *testing.T) {
	_, err := New(Config{
		Resolved:    resolved(config.ProtocolModbus),
		RegisterDir: t.TempDir(),
	})
	assert.ErrorIs(t, err, registermap.ErrNotFound)
}

func TestNewFallsBackToDefaultRole(t *testing.T) {
	dir := t.TempDir()
	yaml := "- address: 0\n  name: Breaker_Status\n  default: 1\n  min: 0\n  max: 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, registermap.DefaultRole+".yaml"), []byte(yaml), 0o644))

	r := resolved(config.ProtocolModbus)
	r.Role = "pump_station"
	s := newServer(t, Config{Resolved: r, RegisterDir: dir})

	assert.True(t, s.Registers().Fallback)
	assert.Equal(t, "pump_station", s.Registers().Role)
	assert.Equal(t, 1, s.Model().Len())
}

func TestNewBuildsAdapterForProtocol(t *testing.T) {
	for _, proto := range config.Protocols() {
		t.Run(proto.String(), func(t *testing.T) {
			cfg := Config{Resolved: resolved(proto)}
			if proto == config.ProtocolOPCUA {
				cfg.OPCUABackend = newFakeBackend()
			}
			s := newServer(t, cfg)
			assert.Equal(t, proto.String(), s.Adapter().Protocol())
			assert.Equal(t, StateIdle, s.State())
			if proto != config.ProtocolOPCUA {
				assert.Nil(t, s.Adapter().Addr(), "nothing is bound before Run")
			}
		})
	}
}

func TestNewExportsInitialRegisterValues(t *testing.T) {
	s := newServer(t, Config{Resolved: resolved(config.ProtocolModbus)})

	assert.Equal(t, 138.0, testutil.ToFloat64(s.Metrics().RegisterValue.WithLabelValues("Bus_Voltage", "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		s.Metrics().Info.WithLabelValues("modbus", "substation_breaker", "Substation-B Breaker Control")))
}

func TestRunModbusServesTicksAndStops(t *testing.T) {
	s := newServer(t, Config{Resolved: resolved(config.ProtocolModbus)})
	stop := start(t, s)

	addr := s.Adapter().Addr().String()
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     "tcp://" + addr,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, client.Open())
	defer client.Close()

	require.Eventually(t, func() bool { return s.Model().Ticks() >= 5 }, 2*time.Second, 5*time.Millisecond)

	v, err := client.ReadRegister(1, modbus.HOLDING_REGISTER)
	require.NoError(t, err)
	assert.InDelta(t, 138, float64(v), 69)

	require.NoError(t, client.WriteRegister(5, 1))
	got, ok := s.Model().GetByName("Trip_Command")
	require.True(t, ok)
	assert.Equal(t, 1.0, got)

	stats := s.Stats()
	assert.Equal(t, StateRunning, stats.State)
	assert.Equal(t, "modbus", stats.Protocol)
	assert.Equal(t, 3, stats.Registers)
	assert.Equal(t, addr, stats.Address)
	assert.Positive(t, stats.Uptime)

	require.NoError(t, stop())
	assert.Equal(t, StateStopped, s.State())

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed after shutdown")
}

func TestRunPublishesToAdapter(t *testing.T) {
	fb := newFakeBackend()
	s := newServer(t, Config{Resolved: resolved(config.ProtocolOPCUA), OPCUABackend: fb})
	start(t, s)

	require.Eventually(t, func() bool { return s.Stats().Publishes >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fb.wasNotified("Bus_Voltage") }, 2*time.Second, 5*time.Millisecond)

	v, ok := fb.read("Bus_Voltage")
	require.True(t, ok)
	assert.InDelta(t, 138, v, 69)
	assert.True(t, fb.isStarted())
}

func TestRunENIP(t *testing.T) {
	s := newServer(t, Config{Resolved: resolved(config.ProtocolENIP)})
	stop := start(t, s)

	conn, err := net.Dial("tcp", s.Adapter().Addr().String())
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, stop())
}

func TestRunTwice(t *testing.T) {
	s := newServer(t, Config{Resolved: resolved(config.ProtocolModbus)})
	stop := start(t, s)
	require.NoError(t, stop())

	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyStarted)
}

func TestRunReturnsBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := newServer(t, Config{Resolved: resolved(config.ProtocolModbus), Address: ln.Addr().String()})
	err = s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start modbus adapter")
	assert.Equal(t, StateStopped, s.State())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, Config{Resolved: resolved(config.ProtocolModbus), MetricsAddr: "127.0.0.1:0"})
	start(t, s)

	require.NotNil(t, s.MetricsAddr())
	base := "http://" + s.MetricsAddr().String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return s.Model().Ticks() >= 2 }, 2*time.Second, 5*time.Millisecond)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "plcsim_ticks_total")
	assert.Contains(t, string(body), `plcsim_register_value{address="1",name="Bus_Voltage"}`)
}

func TestHealthReflectsState(t *testing.T) {
	s := newServer(t, Config{Resolved: resolved(config.ProtocolModbus)})
	assert.ErrorIs(t, s.health(), ErrNotRunning)

	stop := start(t, s)
	assert.NoError(t, s.health())

	require.NoError(t, stop())
	assert.ErrorIs(t, s.health(), ErrNotRunning)
}

func TestRunAdvertisesPLC(t *testing.T) {
	adv := mocks.NewMockAdvertiser(t)

	advertised := make(chan *discovery.PLCInfo, 1)
	adv.EXPECT().Advertise(mock.Anything, mock.Anything).Run(func(_ context.Context, info *discovery.PLCInfo) {
		advertised <- info
	}).Return(nil).Once()
	adv.EXPECT().Stop().Return(nil).Once()

	s := newServer(t, Config{Resolved: resolved(config.ProtocolModbus), Advertiser: adv})
	stop := start(t, s)

	var info *discovery.PLCInfo
	select {
	case info = <-advertised:
	case <-time.After(2 * time.Second):
		t.Fatal("PLC was not advertised")
	}
	assert.Equal(t, "Substation-B Breaker Control", info.Name)
	assert.Equal(t, "modbus", info.Protocol)
	assert.Equal(t, "plc-sub-b", info.Identity)
	assert.Equal(t, 3, info.Registers)
	assert.Equal(t, uint16(s.Adapter().Addr().(*net.TCPAddr).Port), info.Port)

	require.NoError(t, stop())
}

func TestAdvertiseFailureKeepsServing(t *testing.T) {
	adv := mocks.NewMockAdvertiser(t)
	adv.EXPECT().Advertise(mock.Anything, mock.Anything).Return(errors.New("no multicast interface")).Once()

	s := newServer(t, Config{Resolved: resolved(config.ProtocolModbus), Advertiser: adv})
	stop := start(t, s)

	before := s.Model().Ticks()
	require.Eventually(t, func() bool { return s.Model().Ticks() > before+2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, s.State())

	require.NoError(t, stop())
}

func TestTickCoalescesWhenPublisherIsBehind(t *testing.T) {
	s := newServer(t, Config{Resolved: resolved(config.ProtocolModbus)})

	// No publisher is draining: the first tick fills the slot, the rest
	// are coalesced.
	s.tick()
	s.tick()
	s.tick()

	assert.Equal(t, uint64(3), s.Model().Ticks())
	assert.Equal(t, uint64(2), s.Stats().Coalesced)
	assert.Len(t, s.publishCh, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(s.Metrics().TicksTotal))
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:     "IDLE",
		StateStarting: "STARTING",
		StateRunning:  "RUNNING",
		StateStopping: "STOPPING",
		StateStopped:  "STOPPED",
		State(99):     "UNKNOWN",
	}
	for st, want := range tests {
		assert.Equal(t, want, st.String())
	}
}

func TestLogsFallbackWarning(t *testing.T) {
	dir := t.TempDir()
	yaml := "- address: 0\n  name: Breaker_Status\n  default: 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, registermap.DefaultRole+".yaml"), []byte(yaml), 0o644))

	var buf strings.Builder
	r := resolved(config.ProtocolModbus)
	r.Role = "pump_station"
	newServer(t, Config{Resolved: r, RegisterDir: dir, Logger: config.NewLogger(&syncWriter{w: &buf}, "debug")})

	assert.Contains(t, buf.String(), "no register map for role")
	assert.Contains(t, buf.String(), "pump_station")
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
