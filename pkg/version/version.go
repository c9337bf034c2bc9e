// Package version carries the simulator release version and helpers to
// parse and compare it.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Current is the simulator release. It is announced in the Modbus device
// identification, the mDNS TXT record and the plc_info metric.
const Current = "1.3"

// Version represents a parsed "major.minor" release.
type Version struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string. A leading "v" is accepted.
func Parse(s string) (Version, error) {
	parts := strings.Split(strings.TrimPrefix(s, "v"), ".")
	if len(parts) != 2 {
		return Version{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	major, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil || parts[0] == "" {
		return Version{}, fmt.Errorf("invalid version %q: bad major component", s)
	}

	minor, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || parts[1] == "" {
		return Version{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}

	return Version{Major: uint16(major), Minor: uint16(minor)}, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as "major.minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible returns true if the other version has the same major version.
// Capture files written by a compatible release can be read.
func (v Version) Compatible(other Version) bool {
	return v.Major == other.Major
}

// Less reports whether v is older than other.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// Revision renders the version the way device identification objects
// show firmware revisions, e.g. "V1.3".
func (v Version) Revision() string {
	return "V" + v.String()
}
