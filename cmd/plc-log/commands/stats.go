package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cyroid-lab/plcsim/pkg/log"
	"github.com/cyroid-lab/plcsim/pkg/metrics"
)

// Stats holds aggregate statistics about a capture.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	EventsByProtocol  map[string]int
	Requests          map[string]*ServiceStats
	Writes            map[string]int
	Connections       map[string]*ConnectionStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ServiceStats counts one request service by response status.
type ServiceStats struct {
	Total    int
	ByStatus map[uint8]int
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	RemoteAddr string
	Protocol   string
	Requests   int
	Writes     int
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		EventsByProtocol:  make(map[string]int),
		Requests:          make(map[string]*ServiceStats),
		Writes:            make(map[string]int),
		Connections:       make(map[string]*ConnectionStats),
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++
	if event.Protocol != "" {
		s.EventsByProtocol[event.Protocol]++
	}

	// Track time range
	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	// Track connection stats
	conn, ok := s.Connections[event.ConnectionID]
	if !ok {
		conn = &ConnectionStats{
			FirstSeen: event.Timestamp,
			LastSeen:  event.Timestamp,
		}
		s.Connections[event.ConnectionID] = conn
	}
	conn.Events++
	if event.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = event.Timestamp
	}
	if conn.RemoteAddr == "" {
		conn.RemoteAddr = event.RemoteAddr
	}
	if conn.Protocol == "" {
		conn.Protocol = event.Protocol
	}

	if req := event.Request; req != nil {
		svc, ok := s.Requests[req.Service]
		if !ok {
			svc = &ServiceStats{ByStatus: make(map[uint8]int)}
			s.Requests[req.Service] = svc
		}
		svc.Total++
		svc.ByStatus[req.Status]++
		conn.Requests++
		if req.IsWrite() {
			conn.Writes++
			if req.Target != "" {
				s.Writes[req.Target]++
			}
		}
	}

	if event.Error != nil {
		s.Errors++
	}
}

// RunStats analyzes the capture and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}

	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== PLC Protocol Capture Statistics ===")
	fmt.Fprintln(w)

	// Time range
	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	if len(stats.EventsByProtocol) > 0 {
		fmt.Fprintln(w, "Events by Protocol:")
		for _, p := range sortedKeys(stats.EventsByProtocol) {
			fmt.Fprintf(w, "  %-12s %d\n", p+":", stats.EventsByProtocol[p])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerProtocol, log.LayerProcess} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.Requests) > 0 {
		fmt.Fprintln(w, "Requests by Service:")
		services := make([]string, 0, len(stats.Requests))
		for name := range stats.Requests {
			services = append(services, name)
		}
		sort.Strings(services)
		for _, name := range services {
			svc := stats.Requests[name]
			fmt.Fprintf(w, "  %-28s %d", name+":", svc.Total)
			codes := make([]int, 0, len(svc.ByStatus))
			for code := range svc.ByStatus {
				codes = append(codes, int(code))
			}
			sort.Ints(codes)
			for _, code := range codes {
				fmt.Fprintf(w, "  %s=%d", metrics.StatusLabel(uint8(code)), svc.ByStatus[uint8(code)])
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}

	if len(stats.Writes) > 0 {
		fmt.Fprintln(w, "Writes by Target:")
		targets := sortedKeys(stats.Writes)
		sort.SliceStable(targets, func(i, j int) bool {
			return stats.Writes[targets[i]] > stats.Writes[targets[j]]
		})
		for _, target := range targets {
			fmt.Fprintf(w, "  %-28s %d\n", target+":", stats.Writes[target])
		}
		fmt.Fprintln(w)
	}

	// Connections
	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		// Sort by first seen time
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w, "")
		for _, c := range conns {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortenConnID(c.id), c.stats.Events, duration)
			if c.stats.RemoteAddr != "" {
				fmt.Fprintf(w, "           Remote: %s (%s)\n", c.stats.RemoteAddr, c.stats.Protocol)
			}
			if c.stats.Requests > 0 {
				fmt.Fprintf(w, "           Requests: %d (%d writes)\n", c.stats.Requests, c.stats.Writes)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
