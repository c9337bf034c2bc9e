package plc

import (
	"context"
	"errors"
	"net"
	"time"
)

// Runtime errors.
var (
	ErrAlreadyStarted = errors.New("plc already started")
	ErrNotRunning     = errors.New("plc not running")
)

// Adapter is a protocol front-end serving the process model.
type Adapter interface {
	// Protocol returns the protocol name (modbus, opcua, enip).
	Protocol() string

	// Start binds the listener. Bind errors are returned synchronously.
	Start(ctx context.Context) error

	// Stop closes the listener and every client session.
	Stop() error

	// Publish pushes the current model values to the protocol's data
	// store. It is called from the publisher goroutine after each tick.
	Publish()

	// Addr returns the bound address, or nil before Start.
	Addr() net.Addr

	// ConnectionCount returns the number of connected clients.
	ConnectionCount() int
}

// State represents the runtime state.
type State uint8

const (
	// StateIdle - created but not started.
	StateIdle State = iota

	// StateStarting - binding listeners.
	StateStarting

	// StateRunning - updating and serving.
	StateRunning

	// StateStopping - shutting down.
	StateStopping

	// StateStopped - Run has returned.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Stats is a point-in-time view of the runtime counters.
type Stats struct {
	State       State
	Protocol    string
	Role        string
	Name        string
	Address     string
	Registers   int
	Ticks       uint64
	Resyncs     uint64
	Publishes   uint64
	Coalesced   uint64
	Connections int
	Uptime      time.Duration
}
