//go:build !linux

package geometry

import "errors"

// ErrDetectUnsupported is returned by Detect on non-Linux platforms, where
// there's no sysfs cache-topology tree to read. Callers fall back to
// explicit --sets/--ways/--line-size/--slices flags.
var ErrDetectUnsupported = errors.New("geometry: automatic detection requires linux")

func Detect() (Geometry, error) {
	return Geometry{}, ErrDetectUnsupported
}
