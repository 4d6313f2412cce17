//go:build linux && amd64

package timing

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ioplOnce raises this process's I/O privilege level to 3 the first time
// interrupt disabling is requested, mirroring the original tool's
// unconditional iopl(3) call before its first cli. IOPL 3 is what makes
// CLI/STI from ring 3 legal instead of raising #GP.
var (
	ioplOnce sync.Once
	ioplErr  error
)

// cliAsm/stiAsm are defined in interrupts_linux_amd64.s.
//
//go:noescape
func cliAsm()

//go:noescape
func stiAsm()

func ensureIOPL() error {
	ioplOnce.Do(func() {
		// x86_64 Linux syscall number for iopl(2).
		const sysIOPL = 172
		_, _, errno := unix.Syscall(sysIOPL, 3, 0, 0)
		if errno != 0 {
			ioplErr = fmt.Errorf("timing: iopl(3): %w", errno)
		}
	})
	return ioplErr
}

// DisableInterrupts raises IOPL to 3 (once, lazily) and executes CLI on the
// calling OS thread, suppressing interrupt delivery to this core for as
// long as the caller holds it. The caller MUST have already called
// runtime.LockOSThread — disabling interrupts only makes sense bound to one
// specific core-resident thread — and MUST pair this with EnableInterrupts
// in a bounded window, never spanning a system call (see package touch).
func DisableInterrupts() error {
	if err := ensureIOPL(); err != nil {
		return err
	}
	cliAsm()
	return nil
}

// EnableInterrupts executes STI, re-enabling interrupt delivery.
func EnableInterrupts() {
	stiAsm()
}

// WithInterruptsDisabled runs fn with interrupts disabled on the calling
// OS thread, restoring them unconditionally afterward. The caller is
// responsible for runtime.LockOSThread.
func WithInterruptsDisabled(fn func()) error {
	if err := DisableInterrupts(); err != nil {
		return err
	}
	defer EnableInterrupts()
	fn()
	return nil
}
