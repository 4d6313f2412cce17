// Package translate resolves the physical address backing a virtual
// address in the current process, by reading /proc/self/pagemap. The
// set-mapping hash slice detection probes (internal/slicedetect) is
// keyed on physical address, not virtual, since the documented
// set-selection hash and the undocumented slice-selection hash are both
// functions of the physical address.
package translate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pageSize and pageShift are fixed at process start from the runtime's
// view of the system page size; x86_64 Linux is always 4096 in practice
// for this tool's target, but reading it keeps the arithmetic honest.
var (
	pageSize  = unix.Getpagesize()
	pageShift = bitsForPowerOfTwo(uint64(unix.Getpagesize()))
)

func bitsForPowerOfTwo(n uint64) uint {
	var shift uint
	for n > 1 {
		n >>= 1
		shift++
	}
	return shift
}

// entrySize is sizeof(uint64_t) per /proc/[pid]/pagemap entry (see
// Documentation/admin-guide/mm/pagemap.rst).
const entrySize = 8

// pfnMask clears the soft-dirty/exclusive/file/swap/present flag bits
// living in bits 55-63, keeping only the page-frame-number field in bits
// 0-54.
const pfnMask = 0x007F_FFFF_FFFF_FFFF

// presentBit (bit 63) indicates the entry resolved to a physical page.
const presentBit = 1 << 63

var (
	// ErrNotPresent is returned when the queried virtual page has no
	// backing physical frame (e.g. it has never been touched, or was
	// swapped out).
	ErrNotPresent = errors.New("translate: virtual page has no physical frame")
)

// Physical resolves the physical address corresponding to virtAddr,
// the address of some live Go value. The caller must ensure the
// backing memory cannot be moved by the Go runtime for the duration of
// this call (callers in this tool operate on pool-allocated,
// non-pointer-containing arenas for exactly this reason; see
// internal/pool).
func Physical(virtAddr uintptr) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, fmt.Errorf("translate: opening pagemap: %w", err)
	}
	defer f.Close()

	pageOffset := uint64(virtAddr) & uint64(pageSize-1)
	pageIndex := uint64(virtAddr) >> pageShift
	tableOffset := int64(pageIndex * entrySize)

	var buf [entrySize]byte
	if _, err := f.ReadAt(buf[:], tableOffset); err != nil {
		return 0, fmt.Errorf("translate: reading pagemap at offset %d: %w", tableOffset, err)
	}

	entry := binary.LittleEndian.Uint64(buf[:])
	if entry&presentBit == 0 {
		return 0, ErrNotPresent
	}

	pfn := entry & pfnMask
	return (pfn << pageShift) | pageOffset, nil
}

// LockResident pins the memory region [addr, addr+length) so the kernel
// cannot swap it out or migrate it, keeping a CacheLine's physical
// address stable for the lifetime of the run. Mirrors the original
// tool's reliance on a non-swappable resident working set.
func LockResident(addr uintptr, length uintptr) error {
	if err := unix.Mlock(addrToBytes(addr, length)); err != nil {
		return fmt.Errorf("translate: mlock: %w", err)
	}
	return nil
}

// Unlock reverses LockResident.
func Unlock(addr uintptr, length uintptr) error {
	if err := unix.Munlock(addrToBytes(addr, length)); err != nil {
		return fmt.Errorf("translate: munlock: %w", err)
	}
	return nil
}

// addrToBytes views an arbitrary pool-owned address range as a byte
// slice without a copy. Safe only for addresses backed by the
// non-moving arenas internal/pool hands out (never a regular Go heap
// pointer, which the garbage collector may relocate).
func addrToBytes(addr uintptr, length uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
