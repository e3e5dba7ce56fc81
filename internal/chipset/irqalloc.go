package chipset

import "sync"

// SPIAllocator hands out shared peripheral interrupt lines, avoiding
// collisions between devices that need unique lines.
type SPIAllocator struct {
	mu       sync.Mutex
	next     uint32
	limit    uint32
	reserved map[uint32]struct{}
}

// NewSPIAllocator returns an allocator that hands out lines in
// [start, limit), skipping any line listed in reserved.
func NewSPIAllocator(start, limit uint32, reserved []uint32) *SPIAllocator {
	r := make(map[uint32]struct{}, len(reserved))
	for _, v := range reserved {
		r[v] = struct{}{}
	}
	return &SPIAllocator{
		next:     start,
		limit:    limit,
		reserved: r,
	}
}

// Allocate returns the next free line. The second return value is false
// when the allocator is exhausted.
func (a *SPIAllocator) Allocate() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.next < a.limit {
		if _, used := a.reserved[a.next]; !used {
			v := a.next
			a.reserved[v] = struct{}{}
			a.next++
			return v, true
		}
		a.next++
	}
	return 0, false
}
