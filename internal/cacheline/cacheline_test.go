package cacheline

import "testing"

func TestSetSliceRejectsReassignment(t *testing.T) {
	line := New(0, 4096, 64, 8)

	if err := line.SetSlice(2); err != nil {
		t.Fatalf("first SetSlice: %v", err)
	}
	if err := line.SetSlice(2); err == nil {
		t.Fatalf("expected ErrSliceReassignment on identical re-assignment, got nil")
	}
	if err := line.SetSlice(3); err == nil {
		t.Fatalf("expected ErrSliceReassignment on differing re-assignment, got nil")
	}
}

func TestFullSetBeforeAndAfterAssignment(t *testing.T) {
	line := New(0, 64*5, 64, 8) // inSliceSet = 5

	if _, ok := line.FullSet(); ok {
		t.Fatalf("FullSet should be unavailable before SetSlice")
	}
	if err := line.SetSlice(3); err != nil {
		t.Fatalf("SetSlice: %v", err)
	}
	full, ok := line.FullSet()
	if !ok {
		t.Fatalf("FullSet should be available after SetSlice")
	}
	if want := uint64(5 + 3*8); full != want {
		t.Fatalf("FullSet() = %d, want %d", full, want)
	}
}

func TestValidateDetectsAddressChange(t *testing.T) {
	line := New(0, 1024, 64, 8)
	if err := line.Validate(1024); err != nil {
		t.Fatalf("Validate on unchanged address: %v", err)
	}
	if err := line.Validate(2048); err == nil {
		t.Fatalf("expected ErrPhysicalAddrChanged")
	}
}

func TestListAppendAndPartitionRoundTrip(t *testing.T) {
	const total = 240
	const parts = 12

	arena := NewArena(total)
	list := NewList(arena)
	for i := 0; i < total; i++ {
		h := arena.Add(New(0, uint64(i*64), 64, 8))
		list.Append(h)
	}

	if list.Len() != total {
		t.Fatalf("Len() = %d, want %d", list.Len(), total)
	}
	if err := list.Validate(nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	sublists, err := list.Partition(parts)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if len(sublists) != parts {
		t.Fatalf("Partition returned %d lists, want %d", len(sublists), parts)
	}
	for i, sub := range sublists {
		if sub.Len() != total/parts {
			t.Fatalf("sublist %d has len %d, want %d", i, sub.Len(), total/parts)
		}
		if err := sub.Validate(nil); err != nil {
			t.Fatalf("sublist %d Validate: %v", i, err)
		}
	}

	// Round-robin re-interleave must reproduce the physical addresses
	// in original order.
	perSublist := make([][]uint64, parts)
	for i, sub := range sublists {
		sub.Walk(func(_ Handle, line *CacheLine) bool {
			perSublist[i] = append(perSublist[i], line.PhysAddr())
			return true
		})
	}
	var reassembled []uint64
	for i := 0; i < total/parts; i++ {
		for p := 0; p < parts; p++ {
			reassembled = append(reassembled, perSublist[p][i])
		}
	}
	for i, addr := range reassembled {
		if want := uint64(i * 64); addr != want {
			t.Fatalf("reassembled[%d] = %d, want %d", i, addr, want)
		}
	}
}
