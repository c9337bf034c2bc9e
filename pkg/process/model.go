// Package process holds the simulated process state of the PLC.
//
// The Model owns the authoritative value of every register. Values change in
// two ways only: the periodic Update, which moves every simulated register
// along a mean-reverting random walk, and Set, which applies an external
// write to a writable register. All access is serialized by one RWMutex so a
// reader never sees part of a tick.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/cyroid-lab/plcsim/pkg/registermap"
)

// ReversionRate is the fraction of the distance to the default value that a
// register recovers per tick.
const ReversionRate = 0.1

// Model errors.
var (
	ErrUnknownRegister = errors.New("unknown register")
	ErrNotWritable     = errors.New("register is not writable")
	ErrInvalidValue    = errors.New("invalid register value")
)

// Change describes one register value that moved during a tick.
type Change struct {
	Address uint16
	Name    string
	Old     float64
	New     float64
}

// Value is a point-in-time copy of one register.
type Value struct {
	Address  uint16
	Name     string
	Value    float64
	Writable bool
}

// Observer is notified after every tick with the registers that changed.
// It runs on the update goroutine and must not block.
type Observer func(tick uint64, changes []Change)

type entry struct {
	reg   registermap.Register
	value float64
}

// Model is the process model. It is safe for concurrent use.
type Model struct {
	mu      sync.RWMutex
	entries []entry
	byAddr  map[uint16]int
	byName  map[string]int
	rng     *rand.Rand
	ticks   uint64
	resyncs uint64

	obsMu     sync.RWMutex
	observers []Observer

	logger *slog.Logger
}

// Option configures a Model.
type Option func(*Model)

// WithRand sets the random source used for the noise term.
func WithRand(r *rand.Rand) Option {
	return func(m *Model) { m.rng = r }
}

// WithSeed seeds the random source deterministically.
func WithSeed(seed uint64) Option {
	return func(m *Model) { m.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithLogger sets the logger used for resynchronization warnings.
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// New builds a model from a register map. Every register starts at its
// default value.
func New(regs *registermap.Map, opts ...Option) *Model {
	list := regs.Registers()
	m := &Model{
		entries: make([]entry, len(list)),
		byAddr:  make(map[uint16]int, len(list)),
		byName:  make(map[string]int, len(list)),
	}
	for i, r := range list {
		m.entries[i] = entry{reg: r, value: r.Default}
		m.byAddr[r.Address] = i
		m.byName[r.Name] = i
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return m
}

// Observe registers fn to run after every tick.
func (m *Model) Observe(fn Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

// Update advances the simulation by one tick and returns the registers whose
// value changed. Writable registers and registers with simulate=false are
// left alone.
func (m *Model) Update() []Change {
	m.mu.Lock()
	var changes []Change
	for i := range m.entries {
		e := &m.entries[i]
		if !e.reg.Simulated() {
			continue
		}
		next := m.step(e)
		if next != e.value {
			changes = append(changes, Change{Address: e.reg.Address, Name: e.reg.Name, Old: e.value, New: next})
			e.value = next
		}
	}
	m.ticks++
	tick := m.ticks
	m.mu.Unlock()

	m.obsMu.RLock()
	observers := m.observers
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(tick, changes)
	}
	return changes
}

// step computes the next value of a simulated register. Caller holds m.mu.
func (m *Model) step(e *entry) float64 {
	r := e.reg
	drift := (r.Default-e.value)*ReversionRate + m.rng.NormFloat64()*r.Default*r.Noise
	next := clamp(e.value+drift, r.Min, r.Max)
	if math.IsNaN(next) || math.IsInf(next, 0) {
		m.resyncs++
		if m.logger != nil {
			m.logger.Warn("non-finite register value, resynchronizing to default",
				"register", r.Name, "address", r.Address, "default", r.Default)
		}
		return r.Default
	}
	return next
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Get returns the current value of the register at addr.
func (m *Model) Get(addr uint16) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byAddr[addr]
	if !ok {
		return 0, false
	}
	return m.entries[i].value, true
}

// GetByName returns the current value of the named register.
func (m *Model) GetByName(name string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byName[name]
	if !ok {
		return 0, false
	}
	return m.entries[i].value, true
}

// Set writes v into the writable register at addr. The value is stored as
// given; it is not clamped to the register band.
func (m *Model) Set(addr uint16, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byAddr[addr]
	if !ok {
		return fmt.Errorf("%w: address %d", ErrUnknownRegister, addr)
	}
	return m.setLocked(i, v)
}

// SetByName writes v into the named writable register.
func (m *Model) SetByName(name string, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRegister, name)
	}
	return m.setLocked(i, v)
}

func (m *Model) setLocked(i int, v float64) error {
	e := &m.entries[i]
	if !e.reg.Writable {
		return fmt.Errorf("%w: %q", ErrNotWritable, e.reg.Name)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidValue, v)
	}
	e.value = v
	return nil
}

// SetMany applies several writes atomically: either every address is a
// writable register and all values are stored, or nothing changes.
func (m *Model) SetMany(start uint16, values []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := make([]int, len(values))
	for n, v := range values {
		addr := start + uint16(n)
		i, ok := m.byAddr[addr]
		if !ok {
			return fmt.Errorf("%w: address %d", ErrUnknownRegister, addr)
		}
		if !m.entries[i].reg.Writable {
			return fmt.Errorf("%w: %q", ErrNotWritable, m.entries[i].reg.Name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %v", ErrInvalidValue, v)
		}
		idx[n] = i
	}
	for n, i := range idx {
		m.entries[i].value = values[n]
	}
	return nil
}

// Lookup returns the definition of the named register.
func (m *Model) Lookup(name string) (registermap.Register, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byName[name]
	if !ok {
		return registermap.Register{}, false
	}
	return m.entries[i].reg, true
}

// Register returns the definition of the register at addr.
func (m *Model) Register(addr uint16) (registermap.Register, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byAddr[addr]
	if !ok {
		return registermap.Register{}, false
	}
	return m.entries[i].reg, true
}

// Registers returns all register definitions in map order.
func (m *Model) Registers() []registermap.Register {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]registermap.Register, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.reg
	}
	return out
}

// Snapshot returns a consistent copy of every register value.
func (m *Model) Snapshot() []Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Value, len(m.entries))
	for i, e := range m.entries {
		out[i] = Value{Address: e.reg.Address, Name: e.reg.Name, Value: e.value, Writable: e.reg.Writable}
	}
	return out
}

// MaxAddress returns the highest register address, or 0 for an empty model.
func (m *Model) MaxAddress() uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hi uint16
	for _, e := range m.entries {
		if e.reg.Address > hi {
			hi = e.reg.Address
		}
	}
	return hi
}

// Ticks returns the number of completed updates.
func (m *Model) Ticks() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ticks
}

// Resyncs returns how many times a register was reset after a non-finite step.
func (m *Model) Resyncs() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resyncs
}

// Len returns the number of registers.
func (m *Model) Len() int {
	return len(m.entries)
}
