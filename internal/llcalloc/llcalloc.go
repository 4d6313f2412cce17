// Package llcalloc implements the line allocator: it owns every
// CacheLine a run has built, grows and classifies them bucket by
// bucket through internal/slicedetect, and exposes the classified
// result both for the touch worker (as ready-to-walk circular lists)
// and for persistence (internal/resultfile).
package llcalloc

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/llcset/llcset/internal/cacheline"
	"github.com/llcset/llcset/internal/geometry"
	"github.com/llcset/llcset/internal/pool"
	"github.com/llcset/llcset/internal/slicedetect"
	"github.com/llcset/llcset/internal/timing"
	"github.com/llcset/llcset/internal/translate"
)

// PhaseTimings breaks AllocateAllSets down the way the original's
// benchmarking.cpp reports warmup/detection/repartition separately,
// for the --benchmark summary.
type PhaseTimings struct {
	Warmup      time.Duration
	Detection   time.Duration
	Repartition time.Duration
}

// ErrNotEnoughLines is returned by GetSet/GetSets when a requested
// bucket can't supply as many lines as asked for.
var ErrNotEnoughLines = errors.New("llcalloc: not enough lines in set")

// maxAllocationRetries is the NeedMoreLines retry threshold after
// which the allocator re-validates every physical address in the
// bucket and raises the detector's run count, while still growing the
// bucket, then restarts the count (spec.md §4.5).
const maxAllocationRetries = 10

// Classified is one persisted result row: the combined (slice, set)
// key, the slice id, and the physical address.
type Classified struct {
	FullSet  uint64
	SliceID  uint32
	PhysAddr uint64
}

// Allocator owns the object pool, the CacheLine arena, and the
// in_slice_set/full_set bucket maps. Not safe for concurrent use; the
// controller drives it from a single goroutine (spec.md §5).
type Allocator struct {
	geom          geometry.Geometry
	availableWays uint32
	linesPerSet   uint32

	pool    *pool.Pool
	arena   *cacheline.Arena
	offsets []uintptr // parallels arena handles; pool offset per line

	byInSliceSet map[uint64][]cacheline.Handle
	byFullSet    map[uint64][]cacheline.Handle

	detector      *slicedetect.Detector
	detectorFixed bool // true once SetDetectorForTest has pinned a caller-supplied Detector

	log *logrus.Logger
}

// Open mmaps a poolSize-byte arena sized for geom's line size and
// returns a ready-to-drive Allocator. If linesPerSet is 0 it defaults
// to geom.Ways, per the CLI flag table (spec.md §6).
func Open(geom geometry.Geometry, availableWays, linesPerSet uint32, poolSize int, log *logrus.Logger) (*Allocator, error) {
	if err := geom.Validate(); err != nil {
		return nil, fmt.Errorf("llcalloc: %w", err)
	}
	if linesPerSet == 0 {
		linesPerSet = geom.Ways
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	p, err := pool.Open(uintptr(geom.LineSize), poolSize)
	if err != nil {
		return nil, fmt.Errorf("llcalloc: opening pool: %w", err)
	}

	return &Allocator{
		geom:          geom,
		availableWays: availableWays,
		linesPerSet:   linesPerSet,
		pool:          p,
		arena:         cacheline.NewArena(poolSize / int(geom.LineSize)),
		byInSliceSet:  make(map[uint64][]cacheline.Handle),
		byFullSet:     make(map[uint64][]cacheline.Handle),
		log:           log,
	}, nil
}

// Close releases the backing pool.
func (a *Allocator) Close() error {
	return a.pool.Close()
}

// LinesPerSet returns the effective target line count per (slice,set).
func (a *Allocator) LinesPerSet() uint32 { return a.linesPerSet }

// Arena exposes the underlying CacheLine arena, needed by callers
// (internal/touch) that walk lists this allocator built.
func (a *Allocator) Arena() *cacheline.Arena { return a.arena }

// SetDetectorForTest pins d as the Detector AllocateAllSets drives,
// instead of constructing the default hardware-timing one. Lets tests
// substitute a synthetic address→slice oracle (spec.md §8 scenario 1)
// built via slicedetect.NewWithTester, so the allocator's retry state
// machine can be exercised without real LLC timing noise.
func (a *Allocator) SetDetectorForTest(d *slicedetect.Detector) {
	a.detector = d
	a.detectorFixed = true
}

// allocateLine carves one fresh line from the pool, translates and
// pins its physical address, and buckets it by its natural in_slice_set.
func (a *Allocator) allocateLine() error {
	off, err := a.pool.New()
	if err != nil {
		return fmt.Errorf("llcalloc: %w", err)
	}
	addr := a.pool.Addr(off)

	if err := translate.LockResident(addr, uintptr(a.geom.LineSize)); err != nil {
		return err
	}
	phys, err := translate.Physical(addr)
	if err != nil {
		return err
	}

	line := cacheline.New(addr, phys, a.geom.LineSize, a.geom.SetsPerSlice())
	h := a.arena.Add(line)
	a.offsets = append(a.offsets, off)

	inSliceSet := line.InSliceSet()
	a.byInSliceSet[inSliceSet] = append(a.byInSliceSet[inSliceSet], h)
	return nil
}

// AllocateSet grows the in_slice_set bucket for set until it holds at
// least count lines, then opportunistically GCs the pool.
func (a *Allocator) AllocateSet(set uint64, count int) error {
	for len(a.byInSliceSet[set]) < count {
		if err := a.allocateLine(); err != nil {
			return err
		}
	}
	if err := a.pool.GC(); err != nil {
		return err
	}
	return nil
}

// AllocateAllSets is the top-level driver (spec.md §4.5): pre-seeds a
// common pool, then walks every in_slice_set, growing and retrying
// against internal/slicedetect's error taxonomy until every set is
// classified, then repartitions into by_full_set buckets. The returned
// PhaseTimings is what --benchmark prints: time spent pre-seeding and
// constructing the detector ("warmup"), time spent in the per-set
// detection loop, and time spent in the final repartition pass,
// matching the original's benchmarking.cpp's three-phase report.
func (a *Allocator) AllocateAllSets() (PhaseTimings, error) {
	var timings PhaseTimings

	warmupStart := timing.Now()
	seed := int(2 * a.geom.Slices * a.linesPerSet)
	a.log.WithField("target", seed).Info("llcalloc: pre-seeding common pool")
	if err := a.AllocateSet(0, seed); err != nil {
		return timings, err
	}

	if !a.detectorFixed {
		a.detector = slicedetect.New(a.geom.Slices, a.availableWays, a.linesPerSet)
	}
	timings.Warmup = timing.Since(warmupStart)

	detectionStart := timing.Now()
	for curSet := uint64(0); curSet < uint64(a.geom.SetsPerSlice()); curSet++ {
		if err := a.allocateOneInSliceSet(curSet); err != nil {
			return timings, fmt.Errorf("llcalloc: in_slice_set %d: %w", curSet, err)
		}
		a.log.WithField("in_slice_set", curSet).Debug("llcalloc: classified")
	}
	timings.Detection = timing.Since(detectionStart)

	repartitionStart := timing.Now()
	a.repartition()
	timings.Repartition = timing.Since(repartitionStart)

	return timings, nil
}

func (a *Allocator) allocateOneInSliceSet(curSet uint64) error {
	moreLines := len(a.byInSliceSet[curSet]) < int(a.linesPerSet)
	doubleRuns := false
	retries := 0

	for {
		if moreLines {
			target := len(a.byInSliceSet[curSet]) + int(a.linesPerSet)
			if err := a.AllocateSet(curSet, target); err != nil {
				return err
			}
			retries++
			moreLines = false
		}
		if doubleRuns {
			a.detector.DoubleRuns()
			doubleRuns = false
		}

		err := a.detector.DetectAllSlices(a.arena, a.byInSliceSet[curSet])
		if err == nil {
			return nil
		}

		var reassign *slicedetect.ReassignmentError
		switch {
		case errors.As(err, &reassign):
			a.discardLine(reassign.Handle)
			moreLines = false
			doubleRuns = true

		case errors.Is(err, slicedetect.ErrNeedMoreLines):
			moreLines = true
			if retries >= maxAllocationRetries {
				if err := a.revalidateAddresses(a.byInSliceSet[curSet]); err != nil {
					return err
				}
				doubleRuns = true
				retries = 0
			}

		case errors.Is(err, slicedetect.ErrUndetectedLines):
			moreLines = false
			doubleRuns = true

		default:
			return err
		}
	}
}

// discardLine removes h from its in_slice_set bucket and zeroes its
// pool slot, matching the original's response to a SliceReassignment:
// the line is untrustworthy, not worth reclassifying.
func (a *Allocator) discardLine(h cacheline.Handle) {
	line := a.arena.Get(h)
	inSliceSet := line.InSliceSet()
	a.byInSliceSet[inSliceSet] = removeHandle(a.byInSliceSet[inSliceSet], h)
	a.pool.Delete(a.offsets[h])
}

func removeHandle(bucket []cacheline.Handle, target cacheline.Handle) []cacheline.Handle {
	for i, h := range bucket {
		if h == target {
			return append(bucket[:i], bucket[i+1:]...)
		}
	}
	return bucket
}

// revalidateAddresses re-translates every line's physical address and
// fails loudly if any moved — a moved line invalidates every
// classification decision made against it.
func (a *Allocator) revalidateAddresses(bucket []cacheline.Handle) error {
	for _, h := range bucket {
		line := a.arena.Get(h)
		phys, err := translate.Physical(line.VirtAddr())
		if err != nil {
			return err
		}
		if err := line.Validate(phys); err != nil {
			return err
		}
	}
	return nil
}

// repartition clears the in_slice_set bucket map and re-buckets every
// classified line by its full_set key; unclassified lines are
// discarded.
func (a *Allocator) repartition() {
	old := a.byInSliceSet
	a.byInSliceSet = make(map[uint64][]cacheline.Handle)

	for _, bucket := range old {
		for _, h := range bucket {
			line := a.arena.Get(h)
			full, ok := line.FullSet()
			if !ok {
				a.pool.Delete(a.offsets[h])
				continue
			}
			a.byFullSet[full] = append(a.byFullSet[full], h)
		}
	}
}

// GetSet returns up to count handles from full_set's bucket, erroring
// if fewer are available.
func (a *Allocator) GetSet(fullSet uint64, count int) ([]cacheline.Handle, error) {
	bucket := a.byFullSet[fullSet]
	if len(bucket) < count {
		return nil, fmt.Errorf("%w: full_set %d has %d, want %d", ErrNotEnoughLines, fullSet, len(bucket), count)
	}
	return bucket[:count], nil
}

// GetSets concatenates countPerSet handles from every full_set bucket
// in [beginSet, endSet] into one circular list, validating it before
// return.
func (a *Allocator) GetSets(beginSet, endSet uint64, countPerSet int) (*cacheline.List, error) {
	list := cacheline.NewList(a.arena)

	for set := beginSet; set <= endSet; set++ {
		handles, err := a.GetSet(set, countPerSet)
		if err != nil {
			return nil, err
		}
		for _, h := range handles {
			list.Append(h)
		}
	}

	if err := list.Validate(a.currentPhysAddr); err != nil {
		return nil, err
	}
	return list, nil
}

func (a *Allocator) currentPhysAddr(line cacheline.CacheLine) uint64 {
	phys, err := translate.Physical(line.VirtAddr())
	if err != nil {
		return ^uint64(0) // guaranteed mismatch, surfaces as Validate error
	}
	return phys
}

// Clean trims every full_set bucket down to maxPerSet elements,
// zeroing the discarded lines' pool slots.
func (a *Allocator) Clean(maxPerSet int) {
	for set, bucket := range a.byFullSet {
		for len(bucket) > maxPerSet {
			h := bucket[0]
			bucket = bucket[1:]
			a.pool.Delete(a.offsets[h])
		}
		a.byFullSet[set] = bucket
	}
}

// Classified returns every classified line as a (full_set, slice,
// phys_addr) triple, for internal/resultfile to persist.
func (a *Allocator) Classified() []Classified {
	var out []Classified
	for full, bucket := range a.byFullSet {
		for _, h := range bucket {
			line := a.arena.Get(h)
			id, _ := line.Slice()
			out = append(out, Classified{FullSet: full, SliceID: id, PhysAddr: line.PhysAddr()})
		}
	}
	return out
}
