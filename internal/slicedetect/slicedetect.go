// Package slicedetect partitions a bucket of cache lines sharing an
// in-slice set into Z disjoint groups, one per physical cache slice,
// using repeated randomized group probes against internal/settester.
// Group sizes are chosen by a closed-form expected-cost minimization
// rather than fixed guesswork, and each slice gets its own hard retry
// cap derived from a target failure probability.
package slicedetect

import (
	"errors"
	"math"

	"github.com/llcset/llcset/internal/cacheline"
	"github.com/llcset/llcset/internal/settester"
)

// ErrNeedMoreLines signals the bucket under detection doesn't have
// enough undetected candidates for the current slice, or couldn't
// produce a usable test group within its retry budget. The allocator
// recovers by growing the bucket and retrying (spec.md §4.5).
var ErrNeedMoreLines = errors.New("slicedetect: need more lines")

// ErrUndetectedLines signals that after all Z slices were walked, some
// bucket lines still carry no slice assignment — a generic line error
// the allocator recovers from by doubling the tester's run count.
var ErrUndetectedLines = errors.New("slicedetect: undetected lines remain")

// Tester is the set-membership probe Detector drives: load a candidate
// group, then ask whether its members share a physical cache set.
// *settester.Tester implements this against real hardware timing; tests
// substitute a synthetic address→slice oracle (spec.md §8 scenario 1)
// via NewWithTester to exercise the detection protocol deterministically.
type Tester interface {
	Clear()
	Add(addr uintptr)
	AddRandom(pool []uintptr, count int)
	GetSameSetGroup() []uintptr
	IsOnSameSetWith(addr uintptr) bool
	DoubleRuns()
	WarmupRun()
	WarmupMiss(addr uintptr)
	FinishWarmup()
}

// Detector holds the per-slice group-size/retry-cap tables and the
// shared Tester used to classify one in_slice_set bucket at a time.
// Not safe for concurrent use — the allocator owns one Detector and
// drives it sequentially, one in_slice_set at a time (spec.md §4.5).
type Detector struct {
	slicesCount uint32
	availWays   uint32
	linesPerSet uint32

	groupSize  []int
	maxRetries []uint64

	tester   Tester
	warmedUp bool
}

// New computes the closed-form group-size table for slicesCount
// slices and availWays available ways, and allocates a Tester sized
// for the largest group any slice will need.
func New(slicesCount, availWays, linesPerSet uint32) *Detector {
	d := &Detector{
		slicesCount: slicesCount,
		availWays:   availWays,
		linesPerSet: linesPerSet,
	}
	d.calculateGroupSizes()

	maxGroup := 0
	for _, g := range d.groupSize {
		if g > maxGroup {
			maxGroup = g
		}
	}
	d.tester = settester.New(maxGroup+1, 64)
	return d
}

// NewWithTester computes the same group-size table as New but drives
// tester instead of constructing a hardware-timing settester.Tester,
// letting callers substitute a synthetic address→slice oracle.
func NewWithTester(slicesCount, availWays, linesPerSet uint32, tester Tester) *Detector {
	d := &Detector{
		slicesCount: slicesCount,
		availWays:   availWays,
		linesPerSet: linesPerSet,
		tester:      tester,
	}
	d.calculateGroupSizes()
	return d
}

// calculateGroupSizes fills groupSize[slice] and maxRetries[slice] for
// every remaining-slice count from slicesCount down to 1, per spec.md
// §4.7's E1/E2 closed form.
func (d *Detector) calculateGroupSizes() {
	d.groupSize = make([]int, d.slicesCount)
	d.maxRetries = make([]uint64, d.slicesCount)

	for slice := uint32(0); slice < d.slicesCount; slice++ {
		remaining := d.slicesCount - slice
		bestExpected := math.Inf(1)
		bestSize := int(d.availWays) + 1

		for size := int(d.availWays) + 1; float64(size) < bestExpected; size++ {
			expected := d.expectedTests(size, int(remaining))
			if expected < bestExpected {
				bestExpected = expected
				bestSize = size
			}
		}

		d.groupSize[slice] = bestSize
		d.maxRetries[slice] = d.maxTests(bestSize, int(remaining))
	}
}

// expectedTests returns E1(size,slices) + E2(size,slices): the
// expected number of probes to find a group of `size` random lines
// with at least availWays in the same slice as the first, plus the
// expected work to isolate those lines from the group.
func (d *Detector) expectedTests(size, slices int) float64 {
	s := float64(size)
	a := float64(d.availWays)
	z := float64(slices)

	q := (z - 1) / z
	e1 := 1 / (1 - math.Pow(q, s-a))

	e2 := 0.0
	if size > int(d.availWays)+1 {
		p := 1 / z
		for x := int(d.availWays); x <= size-1; x++ {
			xf := float64(x)
			e2 += math.Pow(p, xf) * math.Pow(q, s-1-xf) * ((a - 1) / (xf + 1)) * s
		}
	}
	return e1 + e2
}

// maxTests derives the hard retry cap: enough tries that the
// probability every one of them failed drops below ε ≈ e^-100.
func (d *Detector) maxTests(size, slices int) uint64 {
	s := float64(size)
	a := float64(d.availWays)
	z := float64(slices)
	q := (z - 1) / z

	const logEpsilon = -100
	n := logEpsilon/((s-a)*math.Log(q)) + 1
	if n < 1 {
		n = 1
	}
	return uint64(n)
}

// GroupSize returns the computed random test group size for the given
// remaining-slice index (0 meaning "all Z slices still undetected").
func (d *Detector) GroupSize(slice int) int { return d.groupSize[slice] }

// MaxRetries returns the hard retry cap for the given remaining-slice
// index.
func (d *Detector) MaxRetries(slice int) uint64 { return d.maxRetries[slice] }

// DoubleRuns increases the tester's sample budget, used by the
// allocator after the NeedMoreLines retry threshold is crossed.
func (d *Detector) DoubleRuns() {
	d.tester.DoubleRuns()
}

// warmup times a hit and a miss sample for every handle in the bucket
// and derives the discrimination threshold. It runs only on the
// Detector's first DetectAllSlices call; the resulting threshold is
// reused for every later in_slice_set and is not recomputed.
func (d *Detector) warmup(arena *cacheline.Arena, handles []cacheline.Handle) {
	for _, h := range handles {
		addr := arena.Get(h).VirtAddr()
		d.tester.Clear()
		d.tester.Add(addr)
		d.tester.WarmupRun()
		d.tester.WarmupMiss(addr)
	}
	d.tester.FinishWarmup()
	d.warmedUp = true
}

func resetSlices(arena *cacheline.Arena, handles []cacheline.Handle) {
	for _, h := range handles {
		arena.Get(h).ResetSlice()
	}
}

func undetected(arena *cacheline.Arena, handles []cacheline.Handle) []cacheline.Handle {
	var res []cacheline.Handle
	for _, h := range handles {
		if _, ok := arena.Get(h).Slice(); !ok {
			res = append(res, h)
		}
	}
	return res
}

// DetectAllSlices classifies every line in handles (all sharing one
// in_slice_set) into one of d.slicesCount slices, in place via
// CacheLine.SetSlice. Returns ErrNeedMoreLines, ErrUndetectedLines, or
// an ErrSliceReassignment from cacheline for the allocator's retry
// state machine to interpret (spec.md §4.5 table).
func (d *Detector) DetectAllSlices(arena *cacheline.Arena, handles []cacheline.Handle) error {
	if !d.warmedUp {
		d.warmup(arena, handles)
	}
	resetSlices(arena, handles)

	for curSlice := uint32(0); curSlice < d.slicesCount; curSlice++ {
		if _, err := d.detectSlice(arena, handles, curSlice); err != nil {
			return err
		}
	}

	if left := undetected(arena, handles); len(left) > 0 {
		return ErrUndetectedLines
	}
	return nil
}

func (d *Detector) detectSlice(arena *cacheline.Arena, handles []cacheline.Handle, curSlice uint32) (int, error) {
	avail := undetected(arena, handles)
	if len(avail) < d.groupSize[curSlice] {
		return 0, ErrNeedMoreLines
	}

	testGroup, err := d.findTestGroupForSlice(arena, avail, curSlice)
	if err != nil {
		return 0, err
	}

	count, err := d.findAllLinesOnSameSet(arena, handles, testGroup, curSlice)
	if err != nil {
		return 0, err
	}

	if count < int(d.linesPerSet) {
		return 0, ErrNeedMoreLines
	}
	return count, nil
}

// findTestGroupForSlice repeatedly samples a random group of
// groupSize[curSlice] undetected lines until settester confirms at
// least availWays of them share a set, up to maxRetries[curSlice]
// tries.
func (d *Detector) findTestGroupForSlice(arena *cacheline.Arena, avail []cacheline.Handle, curSlice uint32) ([]cacheline.Handle, error) {
	addrToHandle := make(map[uintptr]cacheline.Handle, len(avail))
	pool := make([]uintptr, len(avail))
	for i, h := range avail {
		addr := arena.Get(h).VirtAddr()
		pool[i] = addr
		addrToHandle[addr] = h
	}

	size := d.groupSize[curSlice]
	for try := uint64(0); try < d.maxRetries[curSlice]; try++ {
		d.tester.Clear()
		d.tester.AddRandom(pool, size)

		group := d.tester.GetSameSetGroup()
		if len(group) >= int(d.availWays) {
			handles := make([]cacheline.Handle, len(group))
			for i, addr := range group {
				handles[i] = addrToHandle[addr]
			}
			return handles, nil
		}
	}

	return nil, ErrNeedMoreLines
}

// findAllLinesOnSameSet loads testGroup into the tester and probes
// every line in the full bucket; lines judged same-set get SetSlice,
// along with every member of testGroup itself (ensuring the group that
// defined the set is always included in the count, even one whose
// individual probe was inconclusive once folded back into its own
// group).
func (d *Detector) findAllLinesOnSameSet(arena *cacheline.Arena, bucket, testGroup []cacheline.Handle, sliceID uint32) (int, error) {
	count := 0

	d.tester.Clear()
	for _, h := range testGroup {
		d.tester.Add(arena.Get(h).VirtAddr())
	}

	inGroup := make(map[cacheline.Handle]struct{}, len(testGroup))
	for _, h := range testGroup {
		inGroup[h] = struct{}{}
	}

	for _, h := range bucket {
		if _, already := inGroup[h]; already {
			continue
		}
		if d.tester.IsOnSameSetWith(arena.Get(h).VirtAddr()) {
			if err := arena.Get(h).SetSlice(sliceID); err != nil {
				return 0, &ReassignmentError{Handle: h, Err: err}
			}
			count++
		}
	}

	for _, h := range testGroup {
		line := arena.Get(h)
		if id, ok := line.Slice(); !ok || id != sliceID {
			if err := line.SetSlice(sliceID); err != nil {
				return 0, &ReassignmentError{Handle: h, Err: err}
			}
			count++
		}
	}

	return count, nil
}

// ReassignmentError wraps a cacheline.ErrSliceReassignment with the
// handle of the offending line, so the allocator knows which line to
// discard (spec.md §4.5/§4.7's SliceReassignment recovery: "discard the
// offending line, retry").
type ReassignmentError struct {
	Handle cacheline.Handle
	Err    error
}

func (e *ReassignmentError) Error() string {
	return e.Err.Error()
}

func (e *ReassignmentError) Unwrap() error {
	return e.Err
}
