// Package timing provides the monotonic and cycle-accurate primitives the
// set tester and touch worker need: a cycle counter, a full memory fence, a
// cache-line flush, and a gated interrupt disable/enable pair.
//
// The instruction-level primitives are Go-assembly stubs: tsc_amd64.s
// (RDTSC, MFENCE, CLFLUSH) and interrupts_linux_amd64.s (CLI, STI), the
// latter behind the iopl gate in interrupts_linux.go. Packages above this
// one still read line memory through unsafe pointers (internal/settester,
// internal/touch, internal/translate, internal/pool).
package timing

import "time"

// Cycles is a raw TSC delta, not a duration. It is only meaningful relative
// to other Cycles values measured with the same calibration.
type Cycles uint64

// Now returns the monotonic wall-clock instant, used for coarse-grained
// timeouts and duration reporting (never for cache-hit/miss discrimination —
// that needs rdtsc's sub-nanosecond resolution).
func Now() time.Time { return time.Now() }

// Since returns the elapsed wall-clock duration since start.
func Since(start time.Time) time.Duration { return time.Since(start) }
