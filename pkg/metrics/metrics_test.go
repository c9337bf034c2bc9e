package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTickAndRegisters(t *testing.T) {
	r := NewRegistry()

	r.RecordTick(2 * time.Millisecond)
	r.RecordTick(3 * time.Millisecond)
	r.SetRegister("Bus_Voltage", 1, 137.5)
	r.RecordResyncs(0)
	r.RecordResyncs(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.TicksTotal))
	assert.Equal(t, 137.5, testutil.ToFloat64(r.RegisterValue.WithLabelValues("Bus_Voltage", "1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.ResyncsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(r.TickDuration))
}

func TestRequestAndConnectionMetrics(t *testing.T) {
	r := NewRegistry()

	r.RequestHandled("modbus", "READ_HOLDING_REGISTERS", 0, time.Millisecond)
	r.RequestHandled("modbus", "WRITE_SINGLE_REGISTER", 0x02, time.Millisecond)
	r.RequestHandled("modbus", "WRITE_SINGLE_REGISTER", 0x02, time.Millisecond)
	r.ConnectionOpened("modbus")
	r.ConnectionOpened("modbus")
	r.ConnectionClosed("modbus")
	r.PublishFailed("enip", "Speed")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.RequestsTotal.WithLabelValues("modbus", "READ_HOLDING_REGISTERS", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.RequestsTotal.WithLabelValues("modbus", "WRITE_SINGLE_REGISTER", "0x02")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ConnectionsActive.WithLabelValues("modbus")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.ConnectionsTotal.WithLabelValues("modbus")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.PublishFailures.WithLabelValues("enip")))
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "ok", StatusLabel(0))
	assert.Equal(t, "0x05", StatusLabel(5))
	assert.Equal(t, "0xff", StatusLabel(0xFF))
}

func TestSetInfoReplacesPrevious(t *testing.T) {
	r := NewRegistry()
	r.SetInfo("modbus", "substation_breaker", "PLC-001")
	r.SetInfo("enip", "turbine_governor", "Turbine Governor")

	assert.Equal(t, 1, testutil.CollectAndCount(r.Info))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Info.WithLabelValues("enip", "turbine_governor", "Turbine Governor")))
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	r := NewRegistry()
	r.RecordTick(time.Millisecond)

	var healthy atomic.Bool
	healthy.Store(true)
	srv := NewServer("127.0.0.1:0", r, func() error {
		if !healthy.Load() {
			return errors.New("adapter stopped")
		}
		return nil
	}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "plcsim_ticks_total 1")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy.Store(false)
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "adapter stopped"))
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewRegistry(), nil, nil)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
