package slicedetect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llcset/llcset/internal/cacheline"
)

func TestGroupSizeExceedsAvailableWays(t *testing.T) {
	d := New(8, 2, 4)
	for slice := 0; slice < 8; slice++ {
		require.Greaterf(t, d.GroupSize(slice), 2, "GroupSize(%d)", slice)
		require.NotZerof(t, d.MaxRetries(slice), "MaxRetries(%d)", slice)
	}
}

func TestGroupSizeShrinksAsSlicesDetected(t *testing.T) {
	// As fewer slices remain undetected, z shrinks toward 1, making
	// random collisions with the right slice likelier: later slices in
	// the table (fewer candidates remaining) should never need a
	// larger best-case group than earlier ones.
	d := New(12, 2, 4)
	require.LessOrEqual(t, d.GroupSize(11), d.GroupSize(0))
}

func TestMaxRetriesArePositiveAcrossConfigurations(t *testing.T) {
	for _, ways := range []uint32{1, 2, 6} {
		d := New(8, ways, 4)
		for slice := 0; slice < 8; slice++ {
			require.NotZerof(t, d.MaxRetries(slice), "availWays=%d, slice=%d", ways, slice)
		}
	}
}

// addressOracleTester is a synthetic address→slice oracle standing in
// for settester.Tester's hardware timing probe (spec.md §8): instead of
// timing an eviction, it answers every same-set question by comparing a
// caller-supplied ground-truth map. Its one piece of state beyond that
// map, round, counts AddRandom calls (one per curSlice iteration) so a
// single address can be scripted to report a different slice after a
// given round, simulating a line whose slice id flips mid-run.
type addressOracleTester struct {
	truth map[uintptr]uint32

	flipAddr  uintptr
	flipAfter int // round at which truth[flipAddr] is overridden; 0 disables flipping
	flipTo    uint32

	round int
	addrs []uintptr
}

func (o *addressOracleTester) Clear()             { o.addrs = o.addrs[:0] }
func (o *addressOracleTester) Add(addr uintptr)   { o.addrs = append(o.addrs, addr) }
func (o *addressOracleTester) DoubleRuns()        {}
func (o *addressOracleTester) WarmupRun()         {}
func (o *addressOracleTester) WarmupMiss(uintptr) {}
func (o *addressOracleTester) FinishWarmup()      {}

// AddRandom takes the first count addresses of pool rather than a real
// random sample: pool is already ordered as "next undetected candidates"
// by the detector, so a deterministic prefix keeps the oracle's verdicts
// reproducible without needing a seeded RNG.
func (o *addressOracleTester) AddRandom(pool []uintptr, count int) {
	o.round++
	if count > len(pool) {
		count = len(pool)
	}
	o.addrs = append(o.addrs, pool[:count]...)
}

func (o *addressOracleTester) sliceOf(addr uintptr) uint32 {
	if o.flipAfter > 0 && addr == o.flipAddr && o.round >= o.flipAfter {
		return o.flipTo
	}
	return o.truth[addr]
}

func (o *addressOracleTester) GetSameSetGroup() []uintptr {
	if len(o.addrs) == 0 {
		return nil
	}
	want := o.sliceOf(o.addrs[0])
	var group []uintptr
	for _, a := range o.addrs {
		if o.sliceOf(a) == want {
			group = append(group, a)
		}
	}
	return group
}

func (o *addressOracleTester) IsOnSameSetWith(addr uintptr) bool {
	if len(o.addrs) == 0 {
		return false
	}
	return o.sliceOf(addr) == o.sliceOf(o.addrs[0])
}

// buildBucket appends n synthetic, distinct-address CacheLines to arena,
// returning their handles. Addresses and physical addresses are
// fabricated, not translated from real memory — DetectAllSlices only
// ever compares them through the oracle, never dereferences them.
func buildBucket(arena *cacheline.Arena, n int, lineSize, setCount uint32, base uintptr) []cacheline.Handle {
	handles := make([]cacheline.Handle, n)
	for i := 0; i < n; i++ {
		addr := base + uintptr(i)*uintptr(lineSize)
		line := cacheline.New(addr, uint64(addr), lineSize, setCount)
		handles[i] = arena.Add(line)
	}
	return handles
}

// TestDetectAllSlicesGeometryX exercises spec.md §8 scenario 1: L=64,
// Z=12, lines_per_set=16, available_ways=2, with a synthetic
// address→slice oracle injected in place of real hardware timing.
// Every line's ground-truth slice is assigned in contiguous blocks of
// 20 (comfortably over lines_per_set), and DetectAllSlices must recover
// that assignment exactly, with every slice ending up with at least
// lines_per_set members.
func TestDetectAllSlicesGeometryX(t *testing.T) {
	const (
		lineSize     = 64
		slicesCount  = 12
		availWays    = 2
		linesPerSet  = 16
		perSlice     = 20 // > linesPerSet, giving the oracle's contiguous blocks slack
		setsPerSlice = 682
	)

	arena := cacheline.NewArena(slicesCount * perSlice)
	oracle := &addressOracleTester{truth: make(map[uintptr]uint32)}

	var handles []cacheline.Handle
	for slice := 0; slice < slicesCount; slice++ {
		block := buildBucket(arena, perSlice, lineSize, setsPerSlice, uintptr(slice*perSlice*lineSize+lineSize))
		for _, h := range block {
			oracle.truth[arena.Get(h).VirtAddr()] = uint32(slice)
		}
		handles = append(handles, block...)
	}

	d := NewWithTester(slicesCount, availWays, linesPerSet, oracle)
	require.NoError(t, d.DetectAllSlices(arena, handles))

	counts := make(map[uint32]int)
	for _, h := range handles {
		id, ok := arena.Get(h).Slice()
		require.Truef(t, ok, "handle %d left undetected", h)
		counts[id]++
	}
	require.Lenf(t, counts, slicesCount, "expected all %d slices represented", slicesCount)
	for slice, count := range counts {
		require.GreaterOrEqualf(t, count, linesPerSet, "slice %d classified only %d lines", slice, count)
	}
}

// TestDetectAllSlicesReassignmentOnFlip exercises spec.md §8 scenario 4:
// an oracle that reports one line's slice id differently than it did
// during that same line's original classification must surface a
// ReassignmentError naming exactly that line, not silently overwrite it.
func TestDetectAllSlicesReassignmentOnFlip(t *testing.T) {
	const (
		lineSize    = 64
		slicesCount = 2
		availWays   = 1
		linesPerSet = 1
	)

	arena := cacheline.NewArena(4)
	handles := buildBucket(arena, 4, lineSize, 1, 0x1000)
	h0, h1, h2, h3 := handles[0], handles[1], handles[2], handles[3]

	oracle := &addressOracleTester{
		truth: map[uintptr]uint32{
			arena.Get(h0).VirtAddr(): 0,
			arena.Get(h1).VirtAddr(): 0,
			arena.Get(h2).VirtAddr(): 1,
			arena.Get(h3).VirtAddr(): 1,
		},
		flipAddr:  arena.Get(h0).VirtAddr(),
		flipAfter: 2, // flips once curSlice 1's AddRandom call bumps the round
		flipTo:    1,
	}

	d := NewWithTester(slicesCount, availWays, linesPerSet, oracle)
	err := d.DetectAllSlices(arena, handles)

	var reassign *ReassignmentError
	require.ErrorAs(t, err, &reassign)
	require.Equal(t, h0, reassign.Handle)
}
