// Package buddy implements a power-of-two buddy allocator over
// page-granular physical memory.
package buddy

import (
	"container/list"
	"fmt"
)

// PageSize is the size of the smallest allocatable block in bytes.
const PageSize = 4096

// An Allocator hands out blocks of 2^order pages from a fixed range of
// page indices. Allocation takes O(maxOrder) steps. Free coalesces
// buddies, but it checks the block against every free block and looks
// up each buddy by a scan of its free list, so it is linear in the
// number of free blocks, not O(log n).
//
// Page index 0 is claimed permanently at construction and never handed
// out, so the byte address 0 is a reliable allocation-failure sentinel
// for the layers above.
type Allocator struct {
	totalPages uint32
	maxOrder   uint8
	usage      uint64

	// freeLists[i] holds the start indices of free 2^i-page blocks.
	freeLists []*list.List
}

// NewAllocator creates an allocator managing page indices
// [0, totalPages). totalPages must be a positive multiple of
// 2^maxOrder.
func NewAllocator(totalPages uint32, maxOrder uint8) *Allocator {
	if totalPages == 0 || totalPages%(1<<maxOrder) != 0 {
		panic(fmt.Sprintf(
			"total page count %d is not a positive multiple of 2^%d",
			totalPages, maxOrder))
	}

	a := &Allocator{
		totalPages: totalPages,
		maxOrder:   maxOrder,
		freeLists:  make([]*list.List, maxOrder+1),
	}
	for i := range a.freeLists {
		a.freeLists[i] = list.New()
	}

	a.populateFreeLists()
	a.claimPageZero()

	return a
}

func (a *Allocator) populateFreeLists() {
	i := uint32(0)
	for order := int(a.maxOrder); order >= 0; order-- {
		blockPages := uint32(1) << order
		for i+blockPages <= a.totalPages {
			a.freeLists[order].PushBack(i)
			i += blockPages
		}
	}
}

func (a *Allocator) claimPageZero() {
	idx, ok := a.allocateIndex(0)
	if !ok || idx != 0 {
		panic("failed to reserve page 0 as the failure sentinel")
	}
	// Page 0 is never returned to a caller; it does not count as used.
	a.usage--
}

// Allocate returns the byte base address of a free 2^order-page block,
// or 0 if no block is available.
func (a *Allocator) Allocate(order uint8) uint64 {
	idx, ok := a.allocateIndex(order)
	if !ok {
		return 0
	}
	return uint64(idx) * PageSize
}

// Free returns the block starting at the given byte address to the
// allocator. The address must be page-aligned and the order must match
// the allocation. Freeing a block that overlaps a block that is free
// already (a double free or a free with the wrong order) panics.
func (a *Allocator) Free(base uint64, order uint8) {
	if base%PageSize != 0 {
		panic(fmt.Sprintf("freeing unaligned address 0x%x", base))
	}
	a.freeIndex(uint32(base/PageSize), order)
}

// Usage returns the number of bytes currently allocated.
func (a *Allocator) Usage() uint64 {
	return a.usage * PageSize
}

func (a *Allocator) allocateIndex(order uint8) (uint32, bool) {
	if order > a.maxOrder {
		return 0, false
	}

	curr := order
	for curr <= a.maxOrder && a.freeLists[curr].Len() == 0 {
		curr++
	}
	if curr > a.maxOrder {
		return 0, false
	}

	elem := a.freeLists[curr].Front()
	a.freeLists[curr].Remove(elem)
	block := elem.Value.(uint32)

	for curr > order {
		curr--
		upperHalf := block + (1 << curr)
		a.freeLists[curr].PushBack(upperHalf)
	}

	a.usage += 1 << order

	return block, true
}

func (a *Allocator) freeIndex(block uint32, order uint8) {
	end := block + 1<<order
	for o, l := range a.freeLists {
		for e := l.Front(); e != nil; e = e.Next() {
			start := e.Value.(uint32)
			if start < end && block < start+1<<o {
				panic(fmt.Sprintf(
					"freeing pages [%d, %d), which overlap a free block",
					block, end))
			}
		}
	}

	curr := order
	for curr < a.maxOrder {
		buddy := block ^ (1 << curr)
		elem := a.findFreeBlock(curr, buddy)
		if elem == nil {
			break
		}

		a.freeLists[curr].Remove(elem)
		if buddy < block {
			block = buddy
		}
		curr++
	}
	a.freeLists[curr].PushBack(block)

	if a.usage < 1<<order {
		panic("freeing more pages than are allocated")
	}
	a.usage -= 1 << order
}

func (a *Allocator) findFreeBlock(order uint8, idx uint32) *list.Element {
	for e := a.freeLists[order].Front(); e != nil; e = e.Next() {
		if e.Value.(uint32) == idx {
			return e
		}
	}
	return nil
}
