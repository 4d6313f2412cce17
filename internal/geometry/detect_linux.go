//go:build linux

package geometry

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// cacheIndexRoot is where Linux exposes per-CPU cache topology. CPUID-based
// discovery is explicitly out of scope (spec.md §1); this reads the same
// facts the kernel already extracted from CPUID for us.
const cacheIndexRoot = "/sys/devices/system/cpu/cpu0/cache"

// Detect reads L, S, W from sysfs for the last (highest-index, i.e. LLC)
// unified or data cache entry under cacheIndexRoot, and estimates Z as the
// number of CPUs sharing that cache level (a starting guess — slice
// detection itself, not this function, is what actually discovers Z's
// hash-selected partitioning; see internal/slicedetect).
//
// Returns an error if sysfs doesn't expose cache topology (containers,
// non-Linux kernels, restricted sysfs mounts); callers should fall back to
// explicit --sets/--ways/--line-size/--slices flags in that case.
func Detect() (Geometry, error) {
	entries, err := os.ReadDir(cacheIndexRoot)
	if err != nil {
		return Geometry{}, fmt.Errorf("geometry: reading %s: %w", cacheIndexRoot, err)
	}

	var best Geometry
	var bestLevel = -1
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "index") {
			continue
		}
		dir := filepath.Join(cacheIndexRoot, e.Name())

		level, err := readInt(filepath.Join(dir, "level"))
		if err != nil {
			continue
		}
		kind, _ := readString(filepath.Join(dir, "type"))
		if kind == "Instruction" {
			continue // only data/unified caches matter for an LLC probe
		}
		if level <= bestLevel {
			continue
		}

		lineSize, err := readInt(filepath.Join(dir, "coherency_line_size"))
		if err != nil {
			continue
		}
		ways, err := readInt(filepath.Join(dir, "ways_of_associativity"))
		if err != nil {
			continue
		}
		numberOfSets, err := readInt(filepath.Join(dir, "number_of_sets"))
		if err != nil {
			continue
		}
		shared := readSharedCPUCount(filepath.Join(dir, "shared_cpu_list"))
		if shared == 0 {
			shared = runtime.NumCPU()
		}

		bestLevel = level
		best = Geometry{
			LineSize: uint32(lineSize),
			Sets:     uint32(numberOfSets),
			Ways:     uint32(ways),
			Slices:   uint32(shared),
		}
	}

	if bestLevel < 0 {
		return Geometry{}, fmt.Errorf("geometry: no usable cache level found under %s", cacheIndexRoot)
	}
	return best, nil
}

func readInt(path string) (int, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSharedCPUCount parses a cpulist like "0-11,24-35" into a CPU count.
// This is the closest sysfs gets to the slice count: the cache is shared by
// all CPUs whose slice hash can select a way in it. It's a heuristic upper
// bound, not a guarantee — slice detection corrects it empirically.
func readSharedCPUCount(path string) int {
	s, err := readString(path)
	if err != nil || s == "" {
		return 0
	}
	count := 0
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				continue
			}
			count += hiN - loN + 1
		} else {
			count++
		}
	}
	return count
}
