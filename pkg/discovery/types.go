package discovery

import (
	"errors"
	"time"
)

// Service types per protocol.
const (
	ServiceTypeModbus = "_modbus._tcp"
	ServiceTypeOPCUA  = "_opcua-tcp._tcp"
	ServiceTypeENIP   = "_enip._tcp"

	// Domain is the mDNS domain.
	Domain = "local"
)

// TXT record keys.
const (
	TXTKeyRole      = "role"  // Register map role
	TXTKeyProtocol  = "proto" // modbus, opcua, enip
	TXTKeyRegisters = "regs"  // Register count
	TXTKeyIdentity  = "id"    // Deployment identity (optional)
	TXTKeyVersion   = "ver"   // Simulator version (optional)
	TXTKeyPath      = "path"  // Endpoint path (optional, OPC UA)
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// DefaultTTL is the DNS record TTL.
	DefaultTTL = 120 * time.Second
)

// Discovery errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrUnknownProtocol     = errors.New("no service type for protocol")
	ErrNotAdvertising      = errors.New("not advertising")
)

// ServiceTypeFor returns the DNS-SD service type of a protocol.
func ServiceTypeFor(protocol string) (string, error) {
	switch protocol {
	case "modbus":
		return ServiceTypeModbus, nil
	case "opcua":
		return ServiceTypeOPCUA, nil
	case "enip":
		return ServiceTypeENIP, nil
	}
	return "", ErrUnknownProtocol
}

// PLCInfo describes one advertised simulator.
type PLCInfo struct {
	// Name is the PLC name and the instance name.
	Name string

	Role      string
	Protocol  string
	Port      uint16
	Registers int

	Identity string
	Version  string
	Path     string
}

// State is the advertisement state.
type State uint8

const (
	// StateIdle - nothing advertised.
	StateIdle State = iota

	// StateAdvertising - the service is registered.
	StateAdvertising
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAdvertising:
		return "ADVERTISING"
	default:
		return "UNKNOWN"
	}
}
