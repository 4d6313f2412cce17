//go:build amd64

package timing

// rdtsc reads the processor's time-stamp counter. Implemented in
// tsc_amd64.s — the two 32-bit halves RDTSC leaves in EDX:EAX are combined
// into a single uint64 by the assembly stub itself.
//
//go:noescape
func rdtscAsm() uint64

// mfenceAsm issues a full memory fence (MFENCE), ordering all prior loads
// and stores against everything that follows.
//
//go:noescape
func mfenceAsm()

// clflushAsm flushes the cache line containing addr from every level of
// cache on every core (clflush is globally visible, unlike clflushopt).
//
//go:noescape
func clflushAsm(addr uintptr)

// RDTSC returns the current cycle count. Pair two calls around an access to
// measure its latency in cycles.
func RDTSC() Cycles { return Cycles(rdtscAsm()) }

// MFENCE is a full memory barrier; it must bracket every timed access so
// the CPU cannot reorder the load past the surrounding RDTSC calls.
func MFENCE() { mfenceAsm() }

// CLFlush evicts the cache line containing addr from all cache levels.
func CLFlush(addr uintptr) { clflushAsm(addr) }

// Supported reports whether this build can execute the hot-path timing
// primitives. Only amd64 is implemented — the builder's physical-indexing
// assumption (spec Non-goals) already rules out the rest.
const Supported = true
