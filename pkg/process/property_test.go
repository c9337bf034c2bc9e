package process

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cyroid-lab/plcsim/pkg/registermap"
)

// TestModelInvariants checks the clamp band and writable isolation for
// arbitrary register parameters and tick counts.
func TestModelInvariants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("simulated registers stay inside [min, max]", prop.ForAll(
		func(def, noise float64, ticks int, seed uint64) bool {
			regs, err := registermap.New("prop", []registermap.Definition{
				{Address: 0, Name: "pv", Default: def, Noise: &noise},
			})
			if err != nil {
				return false
			}
			reg := regs.Registers()[0]
			m := New(regs, WithSeed(seed))
			for i := 0; i < ticks; i++ {
				m.Update()
				v, _ := m.Get(0)
				if v < reg.Min || v > reg.Max || math.IsNaN(v) {
					return false
				}
			}
			return true
		},
		gen.Float64Range(0.1, 10000),
		gen.Float64Range(0, 2),
		gen.IntRange(1, 300),
		gen.UInt64(),
	))

	properties.Property("update never changes writable registers", prop.ForAll(
		func(def, written float64, ticks int) bool {
			lo, hi := -1e6, 1e6
			regs, err := registermap.New("prop", []registermap.Definition{
				{Address: 0, Name: "sp", Default: def, Min: &lo, Max: &hi, Writable: true},
				{Address: 1, Name: "pv", Default: def},
			})
			if err != nil {
				return false
			}
			m := New(regs, WithSeed(7))
			if err := m.Set(0, written); err != nil {
				return false
			}
			for i := 0; i < ticks; i++ {
				m.Update()
			}
			v, _ := m.Get(0)
			return v == written
		},
		gen.Float64Range(1, 1000),
		gen.Float64Range(-1e5, 1e5),
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}
