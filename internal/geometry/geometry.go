// Package geometry describes the immutable physical shape of the last-level
// cache: line size, total sets, ways of associativity, and slice count.
// Discovery itself is an external collaborator (CPUID-based discovery is
// explicitly out of scope) — this package only needs to produce a Geometry,
// by whatever means are available, and validate it.
package geometry

import "fmt"

// Geometry is the immutable cache shape once known.
type Geometry struct {
	LineSize uint32 // L, bytes
	Sets     uint32 // S, total sets across the whole LLC
	Ways     uint32 // W, ways of associativity
	Slices   uint32 // Z, slice count

	// LinesPerSet is how many lines the builder secures per (slice, set).
	// Zero means "use Ways".
	LinesPerSet uint32
}

// SetsPerSlice is S/Z. Geometry.Validate guarantees this divides evenly and
// is a power of two.
func (g Geometry) SetsPerSlice() uint32 {
	return g.Sets / g.Slices
}

// EffectiveLinesPerSet resolves the "0 means W" default from the CLI flags
// table (spec §6).
func (g Geometry) EffectiveLinesPerSet() uint32 {
	if g.LinesPerSet == 0 {
		return g.Ways
	}
	return g.LinesPerSet
}

// Validate checks the invariants spec.md §3 requires before any allocation
// begins: S_per_slice must be a power of two, and LineSize, Sets, Ways
// and Slices must be nonzero (LinesPerSet may be zero).
func (g Geometry) Validate() error {
	if g.LineSize == 0 || g.Sets == 0 || g.Ways == 0 || g.Slices == 0 {
		return fmt.Errorf("geometry: incomplete (line=%d sets=%d ways=%d slices=%d)",
			g.LineSize, g.Sets, g.Ways, g.Slices)
	}
	if g.Sets%g.Slices != 0 {
		return fmt.Errorf("geometry: sets %d not evenly divisible by slices %d", g.Sets, g.Slices)
	}
	sps := g.SetsPerSlice()
	if sps&(sps-1) != 0 {
		return fmt.Errorf("geometry: sets-per-slice %d is not a power of two", sps)
	}
	return nil
}
