//go:build !amd64

package timing

// Supported reports whether this build can execute the hot-path timing
// primitives. Only amd64 is implemented — physically-indexed LLC slice
// detection is an x86-specific problem (spec Non-goals: no portability to
// caches without physical indexing), so other architectures get a clear
// "unsupported" stub rather than a silently wrong clock.
const Supported = false

// RDTSC panics on unsupported architectures. Callers must check Supported
// before touching the hot path.
func RDTSC() Cycles {
	panic("timing: RDTSC is only implemented for amd64")
}

// MFENCE panics on unsupported architectures.
func MFENCE() {
	panic("timing: MFENCE is only implemented for amd64")
}

// CLFlush panics on unsupported architectures.
func CLFlush(addr uintptr) {
	panic("timing: CLFlush is only implemented for amd64")
}
