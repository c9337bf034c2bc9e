package registermap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultRole is the role whose map is used when a role has no file.
const DefaultRole = "substation_breaker"

// ErrNotFound is returned when neither the role map nor the default map exist.
var ErrNotFound = errors.New("register map not found")

// extensions are tried in order for each role.
var extensions = []string{".json", ".yaml", ".yml"}

// Map is the immutable register table for one role.
type Map struct {
	// Role is the role that was requested.
	Role string

	// Source is the file the map was read from.
	Source string

	// Fallback is true when the role had no map and the default role's map
	// was loaded instead.
	Fallback bool

	// Warnings lists non-fatal findings such as degenerate clamp bands.
	Warnings []string

	registers []Register
}

// New builds a map from already-parsed definitions.
func New(role string, defs []Definition) (*Map, error) {
	regs, warnings, err := Validate(defs)
	if err != nil {
		return nil, err
	}
	return &Map{Role: role, Warnings: warnings, registers: regs}, nil
}

// Registers returns the registers in file order. The slice is a copy.
func (m *Map) Registers() []Register {
	out := make([]Register, len(m.registers))
	copy(out, m.registers)
	return out
}

// Len returns the number of registers.
func (m *Map) Len() int {
	return len(m.registers)
}

// Load reads the map for role from dir. If the role has no file, the
// DefaultRole map is loaded and Fallback is set.
func Load(dir, role string) (*Map, error) {
	if role == "" {
		role = DefaultRole
	}

	path, err := find(dir, role)
	fallback := false
	if errors.Is(err, fs.ErrNotExist) && role != DefaultRole {
		fallback = true
		path, err = find(dir, DefaultRole)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: role %q in %s", ErrNotFound, role, dir)
		}
		return nil, err
	}

	m, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	m.Role = role
	m.Fallback = fallback
	return m, nil
}

// LoadFile reads and validates a single register map file.
func LoadFile(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m, err := New("", defs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Source = path
	return m, nil
}

func find(dir, role string) (string, error) {
	for _, ext := range extensions {
		p := filepath.Join(dir, role+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fs.ErrNotExist
}
