package cacheline

import "fmt"

// Handle indexes a CacheLine within an Arena; the first line added gets
// handle 0. NoHandle marks "no node" (an empty list, or the end of a
// non-circular walk during partition construction).
type Handle int32

// NoHandle is the sentinel for "no such line".
const NoHandle Handle = -1

// Arena owns the backing storage for every CacheLine a run allocates,
// plus the next-index each line uses for list membership — replacing
// the original tool's raw self-referential `next` pointer with a flat,
// append-only vector of line handles, per spec's own design note.
type Arena struct {
	lines []CacheLine
	next  []Handle
}

// NewArena preallocates capacity slots; Arena still grows past
// capacity via append if needed.
func NewArena(capacity int) *Arena {
	return &Arena{
		lines: make([]CacheLine, 0, capacity),
		next:  make([]Handle, 0, capacity),
	}
}

// Add appends a line to the arena and returns its handle. The line
// starts with no list membership (next == NoHandle).
func (a *Arena) Add(line CacheLine) Handle {
	a.lines = append(a.lines, line)
	a.next = append(a.next, NoHandle)
	return Handle(len(a.lines) - 1)
}

// Get returns a pointer to the line at h for in-place mutation (e.g.
// SetSlice).
func (a *Arena) Get(h Handle) *CacheLine {
	return &a.lines[h]
}

// Len returns the number of lines ever added to the arena.
func (a *Arena) Len() int { return len(a.lines) }

// Next returns the list successor of h, as set by the List that last
// appended it. Exposed for callers (internal/touch) that need to
// stride a ring without going through List.Walk.
func (a *Arena) Next(h Handle) Handle { return a.next[h] }

// List is a circular singly-linked list of CacheLine handles backed by
// a shared Arena: O(1) append, O(1) head/tail tracking, and a
// single-pass O(len) partition operation that never copies line data.
type List struct {
	arena      *Arena
	head, tail Handle
	len        int
}

// NewList returns an empty list bound to arena.
func NewList(arena *Arena) *List {
	return &List{arena: arena, head: NoHandle, tail: NoHandle}
}

// Len returns the number of lines currently in the list.
func (l *List) Len() int { return l.len }

// Head returns the first handle in the list, or NoHandle if empty.
func (l *List) Head() Handle { return l.head }

// Append adds h to the tail of the list in O(1), closing the circular
// link from the new tail back to the head.
func (l *List) Append(h Handle) {
	if l.head == NoHandle {
		l.head = h
		l.tail = h
		l.arena.next[h] = h // singleton circle: points to itself
		l.len = 1
		return
	}
	l.arena.next[l.tail] = h
	l.arena.next[h] = l.head
	l.tail = h
	l.len++
}

// Walk calls fn once per line in list order, stopping early if fn
// returns false. Safe on an empty list.
func (l *List) Walk(fn func(h Handle, line *CacheLine) bool) {
	if l.head == NoHandle {
		return
	}
	cur := l.head
	for i := 0; i < l.len; i++ {
		if !fn(cur, l.arena.Get(cur)) {
			return
		}
		cur = l.arena.next[cur]
	}
}

// Partition splits the list into n interleaved sub-lists (line 0 to
// sublist 0, line 1 to sublist 1, ..., wrapping), matching spec.md's
// "partition round-trip" property: re-walking every returned sub-list
// in round-robin order reproduces the original sequence. Each returned
// List is independently circular. len must divide evenly for every
// sub-list to come out the same size; spec.md's scenarios always
// arrange this, but Partition tolerates remainders by giving the first
// len%n sub-lists one extra element.
func (l *List) Partition(n int) ([]*List, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cacheline: partition count must be positive, got %d", n)
	}
	parts := make([]*List, n)
	for i := range parts {
		parts[i] = NewList(l.arena)
	}

	// Collect the handles first: Append rewrites the shared arena's next
	// links, so appending while walking would derail the walk itself.
	handles := make([]Handle, 0, l.len)
	l.Walk(func(h Handle, _ *CacheLine) bool {
		handles = append(handles, h)
		return true
	})
	for i, h := range handles {
		parts[i%n].Append(h)
	}
	return parts, nil
}

// Validate walks the full circle and confirms it closes after exactly
// Len steps and that every line's physical address still matches
// currentPhysAddr(line): the structural circular invariant plus the
// liveness check spec.md §8 calls out together.
func (l *List) Validate(currentPhysAddr func(CacheLine) uint64) error {
	if l.head == NoHandle {
		if l.len != 0 {
			return fmt.Errorf("cacheline: empty head with len %d", l.len)
		}
		return nil
	}

	cur := l.head
	for i := 0; i < l.len; i++ {
		line := l.arena.Get(cur)
		if currentPhysAddr != nil {
			if err := line.Validate(currentPhysAddr(*line)); err != nil {
				return err
			}
		}
		cur = l.arena.next[cur]
	}
	if cur != l.head {
		return fmt.Errorf("cacheline: list does not close after %d steps", l.len)
	}
	return nil
}
