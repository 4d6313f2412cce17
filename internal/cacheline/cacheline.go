// Package cacheline models a single cache-line-sized, line-aligned,
// pinned memory object and the intrusive circular lists that group many
// of them. A CacheLine carries its physical address, the in-slice set
// it falls into, and (once the detector classifies it) the physical
// slice that owns it — assigned exactly once.
package cacheline

import (
	"errors"
	"fmt"
)

// ErrSliceReassignment is returned by SetSlice once a line's slice has
// already been fixed. The slice id of a physical line never changes
// once discovered; the hardware hash that picks it is static for the
// life of the machine, so a second, different classification means the
// detector made a mistake; the error surfaces it instead of silently
// overwriting a previously trusted result, and internal/llcalloc
// discards the offending line. See DESIGN.md's Open Question decision:
// even a same-value second call is rejected.
var ErrSliceReassignment = errors.New("cacheline: slice already set")

// ErrPhysicalAddrChanged is returned by Validate when a line's physical
// address no longer matches what it was constructed with — the backing
// page moved or was reclaimed, invalidating every result built on it.
var ErrPhysicalAddrChanged = errors.New("cacheline: physical address changed")

// unsetSlice is the sentinel "no slice assigned yet" value, matching
// the original tool's convention of a negative slice id.
const unsetSlice = ^uint32(0)

// CacheLine is a value type: the line-sized, line-aligned object it
// describes lives in an external arena (internal/pool); CacheLine is
// the typed view of one slot, and its next-pointer for list membership
// lives in the owning Arena (see list.go) rather than inline, exactly
// as spec'd to avoid a raw self-referential pointer.
type CacheLine struct {
	virtAddr   uintptr
	physAddr   uint64
	lineSize   uint32
	setCount   uint32 // S_per_slice; must be a power of two
	inSliceSet uint64 // (physAddr / lineSize) mod setCount

	slice uint32 // unsetSlice until SetSlice succeeds
}

// New builds a CacheLine description for a line living at virtAddr
// (its live, resident, line-aligned address in this process) and
// backed by physAddr, given setCount in-slice sets. setCount must be a
// power of two (the caller — internal/geometry via internal/llcalloc —
// guarantees this).
func New(virtAddr uintptr, physAddr uint64, lineSize, setCount uint32) CacheLine {
	return CacheLine{
		virtAddr:   virtAddr,
		physAddr:   physAddr,
		lineSize:   lineSize,
		setCount:   setCount,
		inSliceSet: (physAddr / uint64(lineSize)) % uint64(setCount),
		slice:      unsetSlice,
	}
}

// VirtAddr returns the line's live virtual address, used by the set
// tester to flush and access the line's actual memory.
func (c CacheLine) VirtAddr() uintptr { return c.virtAddr }

// PhysAddr returns the line's physical address.
func (c CacheLine) PhysAddr() uint64 { return c.physAddr }

// InSliceSet returns the in-slice set index: the associative-table set
// the line would occupy within whichever slice owns it.
func (c CacheLine) InSliceSet() uint64 { return c.inSliceSet }

// Slice returns the assigned slice id and whether one has been set.
func (c CacheLine) Slice() (id uint32, ok bool) {
	if c.slice == unsetSlice {
		return 0, false
	}
	return c.slice, true
}

// SetSlice assigns this line's slice exactly once. Any later call,
// including one repeating the same id, returns ErrSliceReassignment.
func (c *CacheLine) SetSlice(id uint32) error {
	if c.slice != unsetSlice {
		return fmt.Errorf("%w: was %d, attempted %d", ErrSliceReassignment, c.slice, id)
	}
	c.slice = id
	return nil
}

// ResetSlice clears a classification. internal/slicedetect calls it on
// every line of a bucket at the start of each DetectAllSlices pass, so
// a retried pass classifies the bucket from scratch.
func (c *CacheLine) ResetSlice() {
	c.slice = unsetSlice
}

// FullSet returns the combined (slice, set) key once a slice has been
// assigned: InSliceSet plus slice*setCount, matching the original
// tool's calculateSet. Returns false if no slice has been assigned yet.
func (c CacheLine) FullSet() (uint64, bool) {
	id, ok := c.Slice()
	if !ok {
		return 0, false
	}
	return c.inSliceSet + uint64(id)*uint64(c.setCount), true
}

// Validate checks that currentPhysAddr (a fresh translation of the
// line's live address) still matches the address the line was built
// with, catching page migration mid-run.
func (c CacheLine) Validate(currentPhysAddr uint64) error {
	if currentPhysAddr != c.physAddr {
		return fmt.Errorf("%w: was 0x%x, now 0x%x", ErrPhysicalAddrChanged, c.physAddr, currentPhysAddr)
	}
	return nil
}
