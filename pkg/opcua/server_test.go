package opcua

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyroid-lab/plcsim/pkg/log"
	"github.com/cyroid-lab/plcsim/pkg/process"
	"github.com/cyroid-lab/plcsim/pkg/registermap"
)

// fakeBackend stands in for the gopcua server: it keeps the bound
// variables and source and records every Notify.
type fakeBackend struct {
	mu       sync.Mutex
	vars     []Variable
	src      Source
	notified [][]string
	started  bool
	closed   bool
}

func newFakeBackend() *fakeBackend { return &fakeBackend{} }

func (f *fakeBackend) Bind(vars []Variable, src Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vars = vars
	f.src = src
}

func (f *fakeBackend) Notify(names []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, names)
}

func (f *fakeBackend) Start(context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Endpoint() string { return "opc.tcp://fake:4840" }

func (f *fakeBackend) clientWrite(key string, v any) error { return f.src.Write(key, v) }

func (f *fakeBackend) value(key string) float64 {
	v, _ := f.src.Read(key)
	return v
}

func (f *fakeBackend) notifications() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.notified...)
}

type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *captureLogger) Log(e log.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureLogger) requests() []log.RequestEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []log.RequestEvent
	for _, e := range c.events {
		if e.Request != nil {
			out = append(out, *e.Request)
		}
	}
	return out
}

func f(v float64) *float64 { return &v }

func safetyModel(t *testing.T) *process.Model {
	t.Helper()
	m, err := registermap.New("safety_sis", []registermap.Definition{
		{Address: 0, Name: "Reactor_Pressure", Default: 50, Noise: f(0.1)},
		{Address: 1, Name: "SIS_Trip_Setpoint", Default: 80, Min: f(0), Max: f(200), Writable: true},
		{Address: 2, Name: "SIS_Bypass", Default: 0, Min: f(0), Max: f(1), Writable: true},
	})
	require.NoError(t, err)
	return process.New(m, process.WithSeed(11))
}

func startAdapter(t *testing.T, m *process.Model, capture log.Logger) (*Adapter, *fakeBackend) {
	t.Helper()
	fb := newFakeBackend()
	a, err := New(Config{
		Address:        "127.0.0.1:4840",
		Name:           "PLC-SAFETY",
		Backend:        fb,
		ProtocolLogger: capture,
	}, m)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop() })
	return a, fb
}

func TestNewBindsEveryRegister(t *testing.T) {
	_, fb := startAdapter(t, safetyModel(t), nil)
	assert.Equal(t, []Variable{
		{Name: "Reactor_Pressure"},
		{Name: "SIS_Trip_Setpoint", Writable: true},
		{Name: "SIS_Bypass", Writable: true},
	}, fb.vars)
	assert.Equal(t, 50.0, fb.value("Reactor_Pressure"))
	assert.Equal(t, 80.0, fb.value("SIS_Trip_Setpoint"))
	assert.Equal(t, 0.0, fb.value("SIS_Bypass"))
	assert.True(t, fb.started)
}

func TestNodeValuesFollowModel(t *testing.T) {
	m := safetyModel(t)
	a, fb := startAdapter(t, m, nil)

	for i := 0; i < 100; i++ {
		m.Update()
		a.Publish()
		want, _ := m.GetByName("Reactor_Pressure")
		v := fb.value("Reactor_Pressure")
		require.Equal(t, want, v)
		require.GreaterOrEqual(t, v, 25.0)
		require.LessOrEqual(t, v, 75.0)
	}
}

func TestPublishNotifiesChangedNodesOnly(t *testing.T) {
	m := safetyModel(t)
	a, fb := startAdapter(t, m, nil)

	a.Publish()
	assert.Empty(t, fb.notifications(), "nothing changed since New")

	m.Update()
	a.Publish()
	require.Len(t, fb.notifications(), 1)
	assert.Equal(t, []string{"Reactor_Pressure"}, fb.notifications()[0])
}

func TestClientWriteToWritableNodeReachesModel(t *testing.T) {
	m := safetyModel(t)
	capture := &captureLogger{}
	_, fb := startAdapter(t, m, capture)

	require.NoError(t, fb.clientWrite("SIS_Trip_Setpoint", 150.5))

	v, _ := m.GetByName("SIS_Trip_Setpoint")
	assert.Equal(t, 150.5, v)
	assert.Equal(t, 150.5, fb.value("SIS_Trip_Setpoint"))

	reqs := capture.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, StatusOK, reqs[0].Status)
	assert.Equal(t, []float64{150.5}, reqs[0].Values)
	assert.Equal(t, "SIS_Trip_Setpoint", reqs[0].Target)
}

func TestClientWriteIntegerIsAccepted(t *testing.T) {
	m := safetyModel(t)
	_, fb := startAdapter(t, m, nil)

	require.NoError(t, fb.clientWrite("SIS_Bypass", int32(1)))
	v, _ := m.GetByName("SIS_Bypass")
	assert.Equal(t, 1.0, v)
}

func TestClientWriteToReadOnlyNodeIsRejected(t *testing.T) {
	m := safetyModel(t)
	capture := &captureLogger{}
	_, fb := startAdapter(t, m, capture)

	err := fb.clientWrite("Reactor_Pressure", 0.0)
	assert.ErrorIs(t, err, ErrNotWritable)
	assert.Equal(t, ua.StatusBadNotWritable, statusCode(err))

	v, _ := m.GetByName("Reactor_Pressure")
	assert.Equal(t, 50.0, v)

	reqs := capture.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, StatusNotWritable, reqs[0].Status)
}

func TestNonNumericWriteIsRejected(t *testing.T) {
	m := safetyModel(t)
	_, fb := startAdapter(t, m, nil)

	for _, raw := range []any{"high", true, math.NaN(), math.Inf(1)} {
		err := fb.clientWrite("SIS_Trip_Setpoint", raw)
		assert.ErrorIs(t, err, ErrTypeMismatch, "%v", raw)
		assert.Equal(t, ua.StatusBadTypeMismatch, statusCode(err))
	}
	assert.Equal(t, 80.0, fb.value("SIS_Trip_Setpoint"))
}

func TestWriteToUnknownNode(t *testing.T) {
	_, fb := startAdapter(t, safetyModel(t), nil)
	err := fb.clientWrite("Nope", 1.0)
	assert.ErrorIs(t, err, ErrUnknownNode)
	assert.Equal(t, ua.StatusBadNodeIDUnknown, statusCode(err))
}

func TestClientWriteIsNotNotifiedAgainByPublish(t *testing.T) {
	m := safetyModel(t)
	a, fb := startAdapter(t, m, nil)

	require.NoError(t, fb.clientWrite("SIS_Trip_Setpoint", 120.0))
	m.Update()
	a.Publish()

	for _, names := range fb.notifications() {
		assert.NotContains(t, names, "SIS_Trip_Setpoint")
	}
	assert.Equal(t, 120.0, fb.value("SIS_Trip_Setpoint"))
}

func TestStatusCodeMapping(t *testing.T) {
	assert.Equal(t, ua.StatusBadNotWritable, statusCode(process.ErrNotWritable))
	assert.Equal(t, ua.StatusBadTypeMismatch, statusCode(process.ErrInvalidValue))
	assert.Equal(t, ua.StatusBadNodeIDUnknown, statusCode(process.ErrUnknownRegister))
	assert.Equal(t, ua.StatusBadInternalError, statusCode(errors.New("boom")))
}

func TestToFloat(t *testing.T) {
	for _, in := range []any{float32(2), int64(2), uint16(2), 2.0} {
		v, ok := toFloat(in)
		assert.True(t, ok, "%T", in)
		assert.Equal(t, 2.0, v)
	}
	_, ok := toFloat(true)
	assert.False(t, ok)
}

func TestLifecycle(t *testing.T) {
	fb := newFakeBackend()
	a, err := New(Config{Address: ":4840", Backend: fb}, safetyModel(t))
	require.NoError(t, err)
	assert.Equal(t, "opcua", a.Protocol())
	assert.Equal(t, 4840, a.addr.Port)

	require.NoError(t, a.Start(context.Background()))
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.True(t, fb.closed)
}

func TestNewRejectsBadAddress(t *testing.T) {
	_, err := New(Config{Address: "nope", Backend: newFakeBackend()}, safetyModel(t))
	assert.ErrorIs(t, err, ErrBadAddress)
}
