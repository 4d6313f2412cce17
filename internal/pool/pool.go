// Package pool implements a bump-pointer object arena over a single
// anonymous mmap region. Objects are fixed size and never individually
// freed; instead a page-granularity mark-and-sweep GC reclaims whole
// pages once every object on them has been zeroed by the caller. This
// mirrors the allocator the cache-line builder needs: millions of
// same-size CacheLine records that must live at stable, page-aligned
// virtual addresses for the lifetime of a detection run.
package pool

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// uintptrOf returns the absolute virtual address of a byte slice's
// backing array. Valid only for non-empty slices, which region always
// is (mmap never returns a zero-length region here).
func uintptrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// ErrExhausted is returned by New when the bump pointer has no room
// left for another object. GC releases physical pages but never moves
// the bump pointer back, so it does not make room for New.
var ErrExhausted = errors.New("pool: arena exhausted")

// ErrNotPageAligned is returned by Open if the kernel handed back a
// region that isn't page aligned, which should never happen for an
// anonymous mmap but is checked anyway since the whole allocator
// depends on the invariant.
var ErrNotPageAligned = errors.New("pool: mmap region is not page aligned")

// Pool is a fixed-object-size bump allocator backed by one mmap'd
// region. Not safe for concurrent use; callers serialize access (the
// line allocator drives one Pool from a single goroutine per call to
// AllocateSet).
type Pool struct {
	objectSize uintptr
	region     []byte
	pos        uintptr // offset of the next object to hand out
	gcPos      uintptr // offset GC last swept up to

	pageSize uintptr

	// pageOffset pins every returned object to the same in-page byte
	// offset, padding with zeroed filler objects as needed. Nil means
	// no pinning (objects pack back to back).
	pageOffset *uintptr

	freedPages int
}

// Open mmaps an anonymous, zero-filled region of size bytes and
// returns a Pool handing out fixed objectSize chunks from it.
func Open(objectSize uintptr, size int) (*Pool, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("pool: mmap: %w", err)
	}

	pageSize := uintptr(unix.Getpagesize())
	if uintptrOf(region)%pageSize != 0 {
		_ = unix.Munmap(region)
		return nil, ErrNotPageAligned
	}

	return &Pool{
		objectSize: objectSize,
		region:     region,
		pageSize:   pageSize,
	}, nil
}

// Close releases the backing mmap. The Pool must not be used afterward.
func (p *Pool) Close() error {
	if err := unix.Munmap(p.region); err != nil {
		return fmt.Errorf("pool: munmap: %w", err)
	}
	return nil
}

// SetPageOffset pins every subsequently-returned object to byte offset
// off within its containing page, skipping (and zeroing) any
// intervening slots that don't land there. Passing nil disables
// pinning. This is how the line allocator secures same-set-offset
// lines across many candidate physical pages (spec.md §4).
func (p *Pool) SetPageOffset(off *uintptr) {
	p.pageOffset = off
}

// New hands out the next object's address as a byte offset into the
// arena, growing pos past any padding SetPageOffset requires.
func (p *Pool) New() (uintptr, error) {
	if p.pageOffset != nil {
		for p.pos%p.pageSize != *p.pageOffset {
			if p.pos+p.objectSize > uintptr(len(p.region)) {
				return 0, ErrExhausted
			}
			p.zero(p.pos)
			p.pos += p.objectSize
		}
	}

	if p.pos+p.objectSize > uintptr(len(p.region)) {
		return 0, ErrExhausted
	}

	ret := p.pos
	p.pos += p.objectSize
	return ret, nil
}

// Delete zeroes the object at off. A zeroed object is eligible for
// whole-page reclamation on the next GC pass once every object sharing
// its page is also zero.
func (p *Pool) Delete(off uintptr) {
	p.zero(off)
}

func (p *Pool) zero(off uintptr) {
	obj := p.region[off : off+p.objectSize]
	for i := range obj {
		obj[i] = 0
	}
}

// Bytes returns the live slice backing offset off, length p.objectSize.
func (p *Pool) Bytes(off uintptr) []byte {
	return p.region[off : off+p.objectSize]
}

// Addr returns the absolute virtual address of the object at offset
// off, for translate.Physical and timing.CLFlush, both of which need a
// real pointer rather than an arena-relative offset.
func (p *Pool) Addr(off uintptr) uintptr {
	return uintptrOf(p.region) + off
}

// GC scans every whole page between the last GC position and the
// current bump pointer; any page whose bytes are all zero is returned
// to the kernel with MADV_DONTNEED. Mirrors ObjectPoll::GC: sweeping
// only ever walks forward, so a page is considered at most once.
func (p *Pool) GC() error {
	start := p.gcPos - p.gcPos%p.pageSize
	limit := p.pos - p.pos%p.pageSize // never touch the partially-filled tail page

	for off := start; off+p.pageSize <= limit; off += p.pageSize {
		if p.pageIsClear(off) {
			if err := unix.Madvise(p.region[off:off+p.pageSize], unix.MADV_DONTNEED); err != nil {
				return fmt.Errorf("pool: madvise: %w", err)
			}
			p.freedPages++
		}
	}

	p.gcPos = limit
	return nil
}

func (p *Pool) pageIsClear(off uintptr) bool {
	page := p.region[off : off+p.pageSize]
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}

// Allocated returns the number of bytes currently considered live:
// bump-pointer progress minus whatever whole pages GC has reclaimed.
func (p *Pool) Allocated() uintptr {
	return p.pos - uintptr(p.freedPages)*p.pageSize
}

// Cap returns the arena's total capacity in bytes.
func (p *Pool) Cap() int {
	return len(p.region)
}
