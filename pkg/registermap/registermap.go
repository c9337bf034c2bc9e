package registermap

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults applied to optional record fields.
const (
	DefaultNoise = 0.01

	// DefaultMinFactor and DefaultMaxFactor derive the clamp band from the
	// register default when min/max are not given.
	DefaultMinFactor = 0.5
	DefaultMaxFactor = 1.5

	// MaxAddress is the highest address a register may use.
	MaxAddress = 65535
)

// Register map errors.
var (
	ErrInvalidRegister = errors.New("invalid register definition")
	ErrDuplicate       = errors.New("duplicate register")
	ErrEmptyMap        = errors.New("register map has no registers")
	ErrMalformed       = errors.New("malformed register map")
)

var validate = validator.New()

// Definition is one register record as written in a register map file.
// Pointer fields are optional and take their defaults in Resolve.
type Definition struct {
	Address     int      `yaml:"address" validate:"gte=0,lte=65535"`
	Name        string   `yaml:"name" validate:"required,max=128"`
	Default     float64  `yaml:"default"`
	Min         *float64 `yaml:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty"`
	Noise       *float64 `yaml:"noise,omitempty" validate:"omitempty,gte=0"`
	Writable    bool     `yaml:"writable,omitempty"`
	Simulate    *bool    `yaml:"simulate,omitempty"`
	Unit        string   `yaml:"unit,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// Register is a fully resolved register definition.
type Register struct {
	Address     uint16
	Name        string
	Default     float64
	Min         float64
	Max         float64
	Noise       float64
	Writable    bool
	Simulate    bool
	Unit        string
	Description string
}

// Simulated reports whether the periodic update drives this register.
func (r Register) Simulated() bool {
	return !r.Writable && r.Simulate
}

// document is the on-disk layout used by the lab images.
type document struct {
	HoldingRegisters []Definition `yaml:"holding_registers"`
}

// Parse decodes a register map document. Both the object form with a
// "holding_registers" list and a bare list of records are accepted.
func Parse(data []byte) ([]Definition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, ErrEmptyMap
	}

	top := root.Content[0]
	switch top.Kind {
	case yaml.SequenceNode:
		var defs []Definition
		if err := top.Decode(&defs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return defs, nil
	case yaml.MappingNode:
		var doc document
		if err := top.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return doc.HoldingRegisters, nil
	default:
		return nil, fmt.Errorf("%w: unexpected top-level %s", ErrMalformed, kindName(top.Kind))
	}
}

// Resolve applies defaults to a definition. The second return value is true
// when the derived clamp band is degenerate (default <= 0 and min or max
// missing); the band is ordered so that min <= max but callers should warn.
func Resolve(d Definition) (Register, bool) {
	r := Register{
		Address:     uint16(d.Address),
		Name:        d.Name,
		Default:     d.Default,
		Noise:       DefaultNoise,
		Writable:    d.Writable,
		Simulate:    true,
		Unit:        d.Unit,
		Description: d.Description,
	}
	if d.Noise != nil {
		r.Noise = *d.Noise
	}
	if d.Simulate != nil {
		r.Simulate = *d.Simulate
	}

	lo, hi := d.Default*DefaultMinFactor, d.Default*DefaultMaxFactor
	degenerate := false
	if (d.Min == nil || d.Max == nil) && d.Default <= 0 {
		degenerate = true
		if lo > hi {
			lo, hi = hi, lo
		}
	}
	r.Min, r.Max = lo, hi
	if d.Min != nil {
		r.Min = *d.Min
	}
	if d.Max != nil {
		r.Max = *d.Max
	}
	return r, degenerate
}

// Validate checks a resolved register table: struct constraints per record,
// finite numbers, min <= default <= max, and unique addresses and names.
func Validate(defs []Definition) ([]Register, []string, error) {
	if len(defs) == 0 {
		return nil, nil, ErrEmptyMap
	}

	regs := make([]Register, 0, len(defs))
	var warnings []string
	byAddr := make(map[uint16]string, len(defs))
	byName := make(map[string]uint16, len(defs))

	for i := range defs {
		d := defs[i]
		if err := validate.Struct(d); err != nil {
			return nil, nil, fmt.Errorf("%w: record %d (%q): %s", ErrInvalidRegister, i, d.Name, formatValidationError(err))
		}

		r, degenerate := Resolve(d)
		if degenerate {
			warnings = append(warnings, fmt.Sprintf("register %q: default %g gives a degenerate clamp band [%g, %g]", r.Name, r.Default, r.Min, r.Max))
		}

		for _, v := range []float64{r.Default, r.Min, r.Max, r.Noise} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, fmt.Errorf("%w: register %q has a non-finite value", ErrInvalidRegister, r.Name)
			}
		}
		if r.Min > r.Max {
			return nil, nil, fmt.Errorf("%w: register %q has min %g > max %g", ErrInvalidRegister, r.Name, r.Min, r.Max)
		}
		if r.Default < r.Min || r.Default > r.Max {
			warnings = append(warnings, fmt.Sprintf("register %q: default %g outside [%g, %g]; the first update clamps it", r.Name, r.Default, r.Min, r.Max))
		}

		if other, ok := byAddr[r.Address]; ok {
			return nil, nil, fmt.Errorf("%w: address %d used by %q and %q", ErrDuplicate, r.Address, other, r.Name)
		}
		if _, ok := byName[r.Name]; ok {
			return nil, nil, fmt.Errorf("%w: name %q", ErrDuplicate, r.Name)
		}
		byAddr[r.Address] = r.Name
		byName[r.Name] = r.Address

		regs = append(regs, r)
	}
	return regs, warnings, nil
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return fmt.Sprintf("node kind %d", k)
	}
}
