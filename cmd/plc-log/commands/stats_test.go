package commands

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cyroid-lab/plcsim/pkg/log"
)

func TestStatsAggregation(t *testing.T) {
	stats := newStats()
	for _, e := range exerciseEvents() {
		stats.add(e)
	}

	if stats.TotalEvents != 6 {
		t.Errorf("TotalEvents = %d, want 6", stats.TotalEvents)
	}
	if stats.EventsByProtocol["modbus"] != 6 {
		t.Errorf("modbus events = %d", stats.EventsByProtocol["modbus"])
	}
	if stats.EventsByLayer[log.LayerProtocol] != 3 {
		t.Errorf("protocol layer events = %d", stats.EventsByLayer[log.LayerProtocol])
	}

	writes := stats.Requests["WRITE_SINGLE_REGISTER"]
	if writes == nil || writes.Total != 2 || writes.ByStatus[0] != 1 || writes.ByStatus[0x02] != 1 {
		t.Errorf("unexpected write stats: %+v", writes)
	}
	if stats.Writes["5"] != 1 || stats.Writes["1"] != 1 {
		t.Errorf("unexpected writes by target: %v", stats.Writes)
	}

	if len(stats.Connections) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(stats.Connections))
	}
	for _, c := range stats.Connections {
		if c.Requests != 3 || c.Writes != 2 {
			t.Errorf("requests/writes = %d/%d", c.Requests, c.Writes)
		}
		if c.RemoteAddr != "10.20.0.66:51234" {
			t.Errorf("remote = %q", c.RemoteAddr)
		}
	}
}

func TestRunStatsOutput(t *testing.T) {
	path := createTestLogFile(t, exerciseEvents())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"=== PLC Protocol Capture Statistics ===",
		"Total Events: 6",
		"modbus:",
		"READ_HOLDING_REGISTERS:",
		"ok=1  0x02=1",
		"Writes by Target:",
		"Connections: 1",
		"[5f0c2a9e]",
		"Remote: 10.20.0.66:51234 (modbus)",
		"Requests: 3 (2 writes)",
		"Duration:   2s",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got:\n%s", want, output)
		}
	}
}

func TestRunStatsEmptyCapture(t *testing.T) {
	path := createTestLogFile(t, nil)

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Total Events: 0") {
		t.Errorf("unexpected output: %s", buf.String())
	}
	if strings.Contains(buf.String(), "Time Range") {
		t.Error("empty capture has no time range")
	}
}
