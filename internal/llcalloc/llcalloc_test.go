package llcalloc

import (
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/llcset/llcset/internal/cacheline"
	"github.com/llcset/llcset/internal/geometry"
	"github.com/llcset/llcset/internal/pool"
	"github.com/llcset/llcset/internal/slicedetect"
	"github.com/llcset/llcset/internal/translate"
)

func TestRemoveHandleDropsOnlyTarget(t *testing.T) {
	bucket := []cacheline.Handle{1, 2, 3, 4}
	got := removeHandle(bucket, 3)

	want := []cacheline.Handle{1, 2, 4}
	if len(got) != len(want) {
		t.Fatalf("removeHandle length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("removeHandle = %v, want %v", got, want)
		}
	}
}

func TestRemoveHandleMissingIsNoop(t *testing.T) {
	bucket := []cacheline.Handle{1, 2, 3}
	got := removeHandle(bucket, 99)
	if len(got) != 3 {
		t.Fatalf("removeHandle with missing target should be a no-op, got %v", got)
	}
}

// skipIfPagemapUnavailable mirrors internal/translate's own test: growing a
// bucket through the real allocator needs /proc/self/pagemap, which a
// sandboxed CI runner may not have permission to read.
func skipIfPagemapUnavailable(t *testing.T) {
	t.Helper()
	var x int64
	if _, err := translate.Physical(uintptr(unsafe.Pointer(&x))); err != nil {
		t.Skipf("pagemap unavailable in this sandbox: %v", err)
	}
}

// allSameSetTester is a trivial synthetic oracle (spec.md §8): every
// loaded candidate is reported as sharing one set, standing in for a
// single-slice hardware probe so AllocateSet's real pool/translate
// growth path can be exercised without real cache timing.
type allSameSetTester struct {
	addrs []uintptr
}

func (o *allSameSetTester) Clear()                       { o.addrs = o.addrs[:0] }
func (o *allSameSetTester) Add(addr uintptr)             { o.addrs = append(o.addrs, addr) }
func (o *allSameSetTester) DoubleRuns()                  {}
func (o *allSameSetTester) WarmupRun()                   {}
func (o *allSameSetTester) WarmupMiss(uintptr)           {}
func (o *allSameSetTester) FinishWarmup()                {}
func (o *allSameSetTester) IsOnSameSetWith(uintptr) bool { return true }

func (o *allSameSetTester) AddRandom(pool []uintptr, count int) {
	if count > len(pool) {
		count = len(pool)
	}
	o.addrs = append(o.addrs, pool[:count]...)
}

func (o *allSameSetTester) GetSameSetGroup() []uintptr {
	return append([]uintptr(nil), o.addrs...)
}

// TestAllocateOneInSliceSetGrowsUnderProvisionedBucket exercises spec.md
// §8 scenario 5: a bucket seeded with exactly GroupSize(0)-1 lines is
// too small to detect from (and under lines_per_set too, so
// allocateOneInSliceSet grows it by lines_per_set before the first
// detection pass); the allocator must end with a classified bucket
// well within the 10-retry budget.
func TestAllocateOneInSliceSetGrowsUnderProvisionedBucket(t *testing.T) {
	skipIfPagemapUnavailable(t)

	const linesPerSet = 4
	geom := geometry.Geometry{LineSize: 64, Sets: 1, Ways: 1, Slices: 1}

	p, err := pool.Open(uintptr(geom.LineSize), 4096)
	require.NoError(t, err)
	defer p.Close()

	a := &Allocator{
		geom:          geom,
		availableWays: 1,
		linesPerSet:   linesPerSet,
		pool:          p,
		arena:         cacheline.NewArena(16),
		byInSliceSet:  make(map[uint64][]cacheline.Handle),
		byFullSet:     make(map[uint64][]cacheline.Handle),
		log:           logrus.New(),
	}

	detector := slicedetect.NewWithTester(1, 1, linesPerSet, &allSameSetTester{})
	a.SetDetectorForTest(detector)

	seed := detector.GroupSize(0) - 1
	require.NoError(t, a.AllocateSet(0, seed))
	require.Len(t, a.byInSliceSet[0], seed)

	require.NoError(t, a.allocateOneInSliceSet(0))

	bucket := a.byInSliceSet[0]
	require.GreaterOrEqual(t, len(bucket), linesPerSet)
	for _, h := range bucket {
		id, ok := a.arena.Get(h).Slice()
		require.True(t, ok)
		require.Equal(t, uint32(0), id)
	}
}

// flipOnceTester is a ground-truth address→slice oracle that makes one
// address (flipAddr) misreport its slice starting at round flipAfter —
// a synthetic line whose slice id changes between detection iterations
// (spec.md §8 scenario 4). round counts AddRandom calls, one per
// curSlice iteration, so flipAfter pins exactly which iteration the
// flip takes effect in.
type flipOnceTester struct {
	truth map[uintptr]uint32

	flipAddr  uintptr
	flipAfter int
	flipTo    uint32

	round int
	addrs []uintptr
}

func (o *flipOnceTester) Clear()             { o.addrs = o.addrs[:0] }
func (o *flipOnceTester) Add(addr uintptr)   { o.addrs = append(o.addrs, addr) }
func (o *flipOnceTester) DoubleRuns()        {}
func (o *flipOnceTester) WarmupRun()         {}
func (o *flipOnceTester) WarmupMiss(uintptr) {}
func (o *flipOnceTester) FinishWarmup()      {}

func (o *flipOnceTester) AddRandom(pool []uintptr, count int) {
	o.round++
	if count > len(pool) {
		count = len(pool)
	}
	o.addrs = append(o.addrs, pool[:count]...)
}

func (o *flipOnceTester) sliceOf(addr uintptr) uint32 {
	if o.flipAfter > 0 && addr == o.flipAddr && o.round >= o.flipAfter {
		return o.flipTo
	}
	return o.truth[addr]
}

func (o *flipOnceTester) GetSameSetGroup() []uintptr {
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

func (o *flipOnceTester) IsOnSameSetWith(addr uintptr) bool {
	if len(o.addrs) == 0 {
		return false
	}
	return o.sliceOf(addr) == o.sliceOf(o.addrs[0])
}

// TestAllocateOneInSliceSetDiscardsReassignedLine exercises spec.md §8
// scenario 4 end to end through the allocator: once the detector raises
// a reassignment, allocateOneInSliceSet must discard exactly that line
// and converge with every remaining line correctly classified.
func TestAllocateOneInSliceSetDiscardsReassignedLine(t *testing.T) {
	const linesPerSet = 1

	arena := cacheline.NewArena(4)
	lines := make([]cacheline.Handle, 4)
	for i := range lines {
		addr := uintptr(0x2000 + i*64)
		lines[i] = arena.Add(cacheline.New(addr, uint64(addr), 64, 1))
	}
	h0, h1, h2, h3 := lines[0], lines[1], lines[2], lines[3]

	oracle := &flipOnceTester{
		truth: map[uintptr]uint32{
			arena.Get(h0).VirtAddr(): 0,
			arena.Get(h1).VirtAddr(): 0,
			arena.Get(h2).VirtAddr(): 1,
			arena.Get(h3).VirtAddr(): 1,
		},
		flipAddr:  arena.Get(h0).VirtAddr(),
		flipAfter: 2, // armed once curSlice 1's AddRandom call bumps the round
		flipTo:    1,
	}

	p, err := pool.Open(64, 4096)
	require.NoError(t, err)
	defer p.Close()

	offsets := make([]uintptr, 4)
	for i := range offsets {
		off, err := p.New()
		require.NoError(t, err)
		offsets[i] = off
	}

	a := &Allocator{
		geom:          geometry.Geometry{LineSize: 64, Sets: 1, Ways: 1, Slices: 2},
		availableWays: 1,
		linesPerSet:   linesPerSet,
		pool:          p,
		arena:         arena,
		offsets:       offsets,
		byInSliceSet:  map[uint64][]cacheline.Handle{0: {h0, h1, h2, h3}},
		byFullSet:     make(map[uint64][]cacheline.Handle),
		log:           logrus.New(),
	}
	a.SetDetectorForTest(slicedetect.NewWithTester(2, 1, linesPerSet, oracle))

	require.NoError(t, a.allocateOneInSliceSet(0))

	bucket := a.byInSliceSet[0]
	for _, h := range bucket {
		if h == h0 {
			t.Fatalf("discarded line h0 still present in bucket: %v", bucket)
		}
	}
	require.Len(t, bucket, 3)

	for _, h := range []cacheline.Handle{h1, h2, h3} {
		id, ok := arena.Get(h).Slice()
		require.Truef(t, ok, "handle %v left undetected", h)
		require.Equal(t, oracle.truth[arena.Get(h).VirtAddr()], id)
	}
}
