//go:build !(linux && amd64)

package timing

import "errors"

// ErrInterruptGateUnsupported is returned by DisableInterrupts on platforms
// other than linux/amd64, where raising IOPL from user space isn't
// available the way the builder needs it.
var ErrInterruptGateUnsupported = errors.New("timing: interrupt disable/enable requires linux/amd64")

func DisableInterrupts() error { return ErrInterruptGateUnsupported }

func EnableInterrupts() {}

func WithInterruptsDisabled(fn func()) error {
	fn()
	return nil
}
