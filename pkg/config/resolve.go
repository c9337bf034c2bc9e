package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Protocol selects the network front-end.
type Protocol string

// Supported protocols.
const (
	ProtocolModbus Protocol = "modbus"
	ProtocolOPCUA  Protocol = "opcua"
	ProtocolENIP   Protocol = "enip"
)

// Defaults used when neither explicit settings nor the identity table give
// a value.
const (
	DefaultProtocol = ProtocolModbus
	DefaultRole     = "substation_breaker"
	DefaultName     = "PLC-001"
)

// Configuration errors.
var (
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrInvalidPort         = errors.New("invalid port")
)

// Protocols lists the supported protocols.
func Protocols() []Protocol {
	return []Protocol{ProtocolModbus, ProtocolOPCUA, ProtocolENIP}
}

// ParseProtocol validates a protocol name. Case and surrounding space are
// ignored.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProtocolModbus, ProtocolOPCUA, ProtocolENIP:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q (use modbus, opcua or enip)", ErrUnsupportedProtocol, s)
}

// DefaultPort returns the well-known port of the protocol.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolOPCUA:
		return 4840
	case ProtocolENIP:
		return 44818
	default:
		return 502
	}
}

func (p Protocol) String() string { return string(p) }

// Identity is one row of the identity table.
type Identity struct {
	Protocol Protocol
	Role     string
	Name     string
}

// identities maps the deployment identity (container host name) of the lab
// topology to what that PLC serves.
var identities = map[string]Identity{
	"plc-sub-a":  {ProtocolModbus, "substation_protection", "Substation-A Protection Relay"},
	"plc-sub-b":  {ProtocolModbus, "substation_breaker", "Substation-B Breaker Control"},
	"plc-gen":    {ProtocolENIP, "turbine_governor", "Turbine Governor"},
	"plc-load":   {ProtocolModbus, "load_management", "Load Management"},
	"plc-safety": {ProtocolOPCUA, "safety_sis", "Safety Instrumented System"},
	"rtu-dist":   {ProtocolModbus, "distribution_rtu", "Distribution RTU"},
}

// LookupIdentity returns the identity table row for id.
func LookupIdentity(id string) (Identity, bool) {
	ident, ok := identities[strings.ToLower(strings.TrimSpace(id))]
	return ident, ok
}

// KnownIdentities returns the identity table keys, sorted.
func KnownIdentities() []string {
	out := make([]string, 0, len(identities))
	for k := range identities {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Explicit holds explicitly configured values. Zero values are unset.
type Explicit struct {
	Protocol string
	Role     string
	Port     int
	Name     string
}

// Resolved is the outcome of Resolve.
type Resolved struct {
	Protocol Protocol
	Role     string
	Port     int
	Name     string

	// Identity is the identity that was looked up, and Matched reports
	// whether it was found in the table.
	Identity string
	Matched  bool
}

// Address returns the listen address for the resolved port.
func (r Resolved) Address() string {
	return fmt.Sprintf(":%d", r.Port)
}

// Resolve applies explicit > identity table > defaults. An unsupported
// protocol or out-of-range port is an error.
func Resolve(explicit Explicit, identity string) (Resolved, error) {
	ident, matched := LookupIdentity(identity)
	r := Resolved{Identity: identity, Matched: matched}

	proto := explicit.Protocol
	if proto == "" && matched {
		proto = string(ident.Protocol)
	}
	if proto == "" {
		proto = string(DefaultProtocol)
	}
	p, err := ParseProtocol(proto)
	if err != nil {
		return Resolved{}, err
	}
	r.Protocol = p

	r.Role = firstNonEmpty(explicit.Role, pick(matched, ident.Role), DefaultRole)
	r.Name = firstNonEmpty(explicit.Name, pick(matched, ident.Name), DefaultName)

	switch {
	case explicit.Port == 0:
		r.Port = p.DefaultPort()
	case explicit.Port < 0 || explicit.Port > 65535:
		return Resolved{}, fmt.Errorf("%w: %d", ErrInvalidPort, explicit.Port)
	default:
		r.Port = explicit.Port
	}
	return r, nil
}

func pick(ok bool, s string) string {
	if ok {
		return s
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
