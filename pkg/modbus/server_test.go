package modbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyroid-lab/plcsim/pkg/log"
	"github.com/cyroid-lab/plcsim/pkg/process"
	"github.com/cyroid-lab/plcsim/pkg/transport"
)

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

func startAdapter(t *testing.T, m *process.Model, capture log.Logger) *Adapter {
	t.Helper()
	a, err := New(Config{
		Address:        "127.0.0.1:0",
		Identity:       testIdentity(),
		ProtocolLogger: capture,
	}, m)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop() })
	return a
}

func newClient(t *testing.T, a *Adapter) *modbus.ModbusClient {
	t.Helper()
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     "tcp://" + a.Addr().String(),
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, client.Open())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientReadsBreakerStatusAcrossTicks(t *testing.T) {
	m := testModel(t)
	a := startAdapter(t, m, nil)
	client := newClient(t, a)

	for i := 0; i < 20; i++ {
		m.Update()
		v, err := client.ReadRegister(0, modbus.HOLDING_REGISTER)
		require.NoError(t, err)
		assert.Contains(t, []uint16{0, 1}, v)
	}
}

func TestClientWriteAndReadBack(t *testing.T) {
	m := testModel(t)
	a := startAdapter(t, m, nil)
	client := newClient(t, a)

	require.NoError(t, client.WriteRegister(5, 1))
	v, err := client.ReadRegister(5, modbus.HOLDING_REGISTER)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), v)

	require.NoError(t, client.WriteRegisters(5, []uint16{0, 1}))
	regs, err := client.ReadRegisters(5, 2, modbus.HOLDING_REGISTER)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1}, regs)

	// Writable registers survive ticks.
	m.Update()
	got, _ := m.Get(6)
	assert.Equal(t, 1.0, got)
}

func TestClientSeesExceptions(t *testing.T) {
	m := testModel(t)
	a := startAdapter(t, m, nil)
	client := newClient(t, a)

	err := client.WriteRegister(1, 99)
	assert.ErrorIs(t, err, modbus.ErrIllegalDataAddress)

	_, err = client.ReadRegisters(100, 1, modbus.HOLDING_REGISTER)
	assert.ErrorIs(t, err, modbus.ErrIllegalDataAddress)

	_, err = client.ReadRegisters(0, 1, modbus.INPUT_REGISTER)
	assert.ErrorIs(t, err, modbus.ErrIllegalFunction)

	// The connection stays usable after exceptions.
	_, err = client.ReadRegisters(0, 2, modbus.HOLDING_REGISTER)
	assert.NoError(t, err)
}

func TestAnyUnitIDIsServed(t *testing.T) {
	m := testModel(t)
	a := startAdapter(t, m, nil)
	client := newClient(t, a)

	for _, unit := range []uint8{0, 1, 17, 255} {
		require.NoError(t, client.SetUnitId(unit))
		v, err := client.ReadRegister(7, modbus.HOLDING_REGISTER)
		require.NoError(t, err, "unit %d", unit)
		assert.Equal(t, uint16(3), v)
	}
}

func TestRawFrameEchoesTransactionAndUnit(t *testing.T) {
	a := startAdapter(t, testModel(t), nil)

	conn, err := transport.Dial(context.Background(), a.Addr().String(), Format)
	require.NoError(t, err)
	defer conn.Close()

	req := ADU{Transaction: 0xBEEF, Unit: 9, PDU: readPDU(7, 1)}.Encode()
	frame, err := conn.Roundtrip(req, 2*time.Second)
	require.NoError(t, err)

	resp, err := DecodeADU(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), resp.Transaction)
	assert.Equal(t, byte(9), resp.Unit)
	assert.Equal(t, []byte{FuncReadHoldingRegisters, 2, 0, 3}, resp.PDU)
}

func TestRequestsAreCaptured(t *testing.T) {
	capture := &captureLogger{}
	a := startAdapter(t, testModel(t), capture)
	client := newClient(t, a)

	require.NoError(t, client.WriteRegister(5, 1))
	_, _ = client.ReadRegisters(0, 2, modbus.HOLDING_REGISTER)

	require.Eventually(t, func() bool { return len(capture.requests()) == 2 }, time.Second, 10*time.Millisecond)
	reqs := capture.requests()
	assert.Equal(t, "WRITE_SINGLE_REGISTER", reqs[0].Service)
	assert.Equal(t, "5", reqs[0].Target)
	assert.Equal(t, []float64{1}, reqs[0].Values)
	assert.NotNil(t, reqs[0].ProcessingTime)
	assert.Equal(t, "READ_HOLDING_REGISTERS", reqs[1].Service)
}

func TestStopClosesListener(t *testing.T) {
	a, err := New(Config{Address: "127.0.0.1:0"}, testModel(t))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	addr := a.Addr().String()
	require.NoError(t, a.Stop())

	_, err = transport.Dial(context.Background(), addr, Format)
	assert.Error(t, err)
}
