package process

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyroid-lab/plcsim/pkg/registermap"
)

func f(v float64) *float64 { return &v }
func b(v bool) *bool       { return &v }

func newModel(t *testing.T, defs []registermap.Definition, opts ...Option) *Model {
	t.Helper()
	m, err := registermap.New("test", defs)
	require.NoError(t, err)
	return New(m, append([]Option{WithSeed(42)}, opts...)...)
}

func breakerDefs() []registermap.Definition {
	return []registermap.Definition{
		{Address: 0, Name: "Breaker_Status", Default: 1, Min: f(0), Max: f(1), Noise: f(0.01)},
		{Address: 1, Name: "Bus_Voltage", Default: 138, Noise: f(0.05)},
		{Address: 5, Name: "Trip_Command", Default: 0, Min: f(0), Max: f(1), Writable: true},
		{Address: 6, Name: "Firmware", Default: 3, Simulate: b(false)},
	}
}

func TestNewStartsAtDefaults(t *testing.T) {
	m := newModel(t, breakerDefs())
	for _, v := range m.Snapshot() {
		reg, ok := m.Register(v.Address)
		require.True(t, ok)
		assert.Equal(t, reg.Default, v.Value, v.Name)
	}
	assert.Equal(t, 4, m.Len())
	assert.Equal(t, uint16(6), m.MaxAddress())
}

func TestUpdateLeavesWritableAndStaticRegisters(t *testing.T) {
	m := newModel(t, breakerDefs())
	require.NoError(t, m.Set(5, 1))

	for i := 0; i < 200; i++ {
		m.Update()
	}

	v, _ := m.Get(5)
	assert.Equal(t, 1.0, v, "writable register must only change through Set")
	v, _ = m.Get(6)
	assert.Equal(t, 3.0, v, "simulate=false register must not move")
	assert.Equal(t, uint64(200), m.Ticks())
}

func TestUpdateIsPureMeanReversionWithoutNoise(t *testing.T) {
	m := newModel(t, []registermap.Definition{
		{Address: 0, Name: "Level", Default: 100, Min: f(50), Max: f(150), Noise: f(0)},
	})
	// Move the register off its default directly; Set refuses read-only registers.
	m.entries[0].value = 150

	prev := math.Abs(150 - 100.0)
	for i := 0; i < 50; i++ {
		m.Update()
		v, _ := m.Get(0)
		dist := math.Abs(v - 100)
		if dist >= prev {
			t.Fatalf("tick %d: distance %v did not decrease from %v", i, dist, prev)
		}
		prev = dist
	}
}

func TestUpdateStepMatchesFormulaWithoutNoise(t *testing.T) {
	m := newModel(t, []registermap.Definition{
		{Address: 0, Name: "Level", Default: 100, Min: f(50), Max: f(150), Noise: f(0)},
	})
	m.entries[0].value = 60

	changes := m.Update()
	require.Len(t, changes, 1)
	assert.InDelta(t, 64.0, changes[0].New, 1e-9)
	assert.Equal(t, 60.0, changes[0].Old)
	assert.Equal(t, "Level", changes[0].Name)
}

func TestScenarioBreakerStatusStaysBinaryAfterTruncation(t *testing.T) {
	m := newModel(t, breakerDefs())
	for i := 0; i < 500; i++ {
		m.Update()
		v, _ := m.Get(0)
		n := int(v)
		if n != 0 && n != 1 {
			t.Fatalf("tick %d: truncated breaker status %d not in {0,1}", i, n)
		}
	}
}

func TestScenarioDerivedBandAndMovement(t *testing.T) {
	m := newModel(t, []registermap.Definition{
		{Address: 0, Name: "Pressure", Default: 50, Noise: f(0.1)},
	})

	var prev float64
	for i := 0; i < 100; i++ {
		m.Update()
		v, _ := m.GetByName("Pressure")
		require.GreaterOrEqual(t, v, 25.0)
		require.LessOrEqual(t, v, 75.0)
		if i > 0 && v == prev && v != 25 && v != 75 {
			t.Fatalf("tick %d: value did not change (%v)", i, v)
		}
		prev = v
	}
}

func TestNonFiniteStepResyncsToDefault(t *testing.T) {
	m := newModel(t, []registermap.Definition{
		{Address: 0, Name: "Flow", Default: 10, Noise: f(0)},
	})
	m.entries[0].value = math.NaN()

	m.Update()
	v, _ := m.Get(0)
	assert.Equal(t, 10.0, v)
	assert.Equal(t, uint64(1), m.Resyncs())
}

func TestSetErrors(t *testing.T) {
	m := newModel(t, breakerDefs())

	assert.ErrorIs(t, m.Set(99, 1), ErrUnknownRegister)
	assert.ErrorIs(t, m.Set(0, 1), ErrNotWritable)
	assert.ErrorIs(t, m.Set(5, math.Inf(1)), ErrInvalidValue)
	assert.ErrorIs(t, m.SetByName("nope", 1), ErrUnknownRegister)
}

func TestSetIsNotClamped(t *testing.T) {
	m := newModel(t, breakerDefs())
	require.NoError(t, m.SetByName("Trip_Command", 7))
	v, ok := m.GetByName("Trip_Command")
	require.True(t, ok)
	assert.Equal(t, 7.0, v)
}

func TestSetManyIsAllOrNothing(t *testing.T) {
	m := newModel(t, []registermap.Definition{
		{Address: 10, Name: "SP1", Default: 1, Min: f(0), Max: f(10), Writable: true},
		{Address: 11, Name: "SP2", Default: 1, Min: f(0), Max: f(10), Writable: true},
		{Address: 12, Name: "PV", Default: 1},
	})

	err := m.SetMany(10, []float64{5, 6, 7})
	require.True(t, errors.Is(err, ErrNotWritable))
	v, _ := m.Get(10)
	assert.Equal(t, 1.0, v, "no partial write")

	require.NoError(t, m.SetMany(10, []float64{5, 6}))
	v, _ = m.Get(11)
	assert.Equal(t, 6.0, v)
}

func TestObserversSeeChanges(t *testing.T) {
	m := newModel(t, breakerDefs())

	var gotTick uint64
	var gotChanges int
	m.Observe(func(tick uint64, changes []Change) {
		gotTick = tick
		gotChanges = len(changes)
	})

	changes := m.Update()
	assert.Equal(t, uint64(1), gotTick)
	assert.Equal(t, len(changes), gotChanges)
}

func TestConcurrentReadersDuringUpdates(t *testing.T) {
	m := newModel(t, breakerDefs())
	regs := m.Registers()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, v := range m.Snapshot() {
					reg := regs[indexOf(regs, v.Address)]
					if reg.Writable {
						continue
					}
					if v.Value < reg.Min || v.Value > reg.Max {
						t.Errorf("%s = %v outside [%v, %v]", reg.Name, v.Value, reg.Min, reg.Max)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		m.Update()
	}
	close(stop)
	wg.Wait()
}

func indexOf(regs []registermap.Register, addr uint16) int {
	for i, r := range regs {
		if r.Address == addr {
			return i
		}
	}
	return -1
}
