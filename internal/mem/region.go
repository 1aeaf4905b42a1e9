// Package mem implements the centralized memory manager: an owner-tagged
// bump allocator over a contiguous region with trailing-free compaction,
// plus the kernel process that serves allocation requests by message.
//
// Allocations grow downward from mallocStart toward mallocEnd. Every
// allocation is preceded by a node recording the previous top, the size,
// and the owning PID, so the scheduler can reclaim an entire process's
// memory in one call. Addresses handed out are offsets into the region, not
// host pointers.
package mem

import (
	"encoding/binary"

	"github.com/james-card/nanoos/internal/kernel"
)

// NodeSize is the number of metadata bytes placed immediately before every
// allocation: previous-top address (4), size (2), owner (1), pad (1).
const NodeSize = 8

// Addr is an address within the managed region. The zero Addr is the null
// pointer.
const NullAddr Addr = 0

type Addr = uint32

// Region is the contiguous span of RAM the memory manager owns. The window
// between mallocEnd (low) and mallocStart (high) is available for dynamic
// allocation; mallocNext is the current top of used space and only moves
// back up when the most recently allocated block is freed.
type Region struct {
	buf         []byte
	mallocStart Addr
	mallocEnd   Addr
	mallocNext  Addr
}

// NewRegion creates a region of the given size in bytes. The bounds are
// passed explicitly rather than discovered from the host stack; the region
// is placed by the caller at boot.
func NewRegion(size int) *Region {
	size &= ^7
	r := &Region{
		buf:         make([]byte, size),
		mallocStart: Addr(size),
		mallocEnd:   NodeSize,
	}
	r.mallocNext = r.mallocStart

	// The sentinel node under mallocStart carries a nonzero size so that
	// top-free compaction stops at the bottom of the region.
	r.setPrev(r.mallocStart, NullAddr)
	r.setSize(r.mallocStart, uint16(min(int(r.mallocStart-r.mallocEnd), 0xFFFF)))
	r.setOwner(r.mallocStart, kernel.ProcessIDNotSet)
	return r
}

// Node header accessors. The node for an address lives in the NodeSize
// bytes immediately below it.
func (r *Region) prev(a Addr) Addr       { return binary.LittleEndian.Uint32(r.buf[a-NodeSize:]) }
func (r *Region) setPrev(a, p Addr)      { binary.LittleEndian.PutUint32(r.buf[a-NodeSize:], p) }
func (r *Region) size(a Addr) uint16     { return binary.LittleEndian.Uint16(r.buf[a-NodeSize+4:]) }
func (r *Region) setSize(a Addr, s uint16) {
	binary.LittleEndian.PutUint16(r.buf[a-NodeSize+4:], s)
}
func (r *Region) owner(a Addr) kernel.ProcessID { return kernel.ProcessID(r.buf[a-NodeSize+6]) }
func (r *Region) setOwner(a Addr, o kernel.ProcessID) {
	r.buf[a-NodeSize+6] = byte(o)
}

// isDynamic reports whether a points into the managed window.
func (r *Region) isDynamic(a Addr) bool {
	return a != NullAddr && a <= r.mallocStart && a >= r.mallocEnd
}

// SizeOf returns the recorded size of an allocation, or 0 for the null
// address.
func (r *Region) SizeOf(a Addr) uint16 {
	if a == NullAddr {
		return 0
	}
	return r.size(a)
}

// OwnerOf returns the recorded owner of an allocation.
func (r *Region) OwnerOf(a Addr) kernel.ProcessID {
	if a == NullAddr {
		return kernel.ProcessIDNotSet
	}
	return r.owner(a)
}

// FreeMemory returns the number of free bytes below the current top.
func (r *Region) FreeMemory() uint32 {
	return uint32(r.mallocNext - r.mallocEnd)
}

// Bytes returns the backing slice for an allocation so callers sharing the
// kernel address space can read and write their data. The slice covers the
// recorded size of the node.
func (r *Region) Bytes(a Addr) []byte {
	if !r.isDynamic(a) {
		return nil
	}
	return r.buf[a : a+Addr(r.size(a))]
}

// compact raises mallocNext past every logically free node at the top of
// the heap. The sentinel node's nonzero size terminates the walk.
func (r *Region) compact() {
	for cur := r.mallocNext; cur != NullAddr && r.size(cur) == 0; cur = r.prev(cur) {
		r.mallocNext = r.prev(cur)
	}
}

// Free releases a previously allocated block. A free of an address outside
// the managed region is silently ignored, as is a double free. Freeing the
// top-of-heap block compacts past every trailing free node; freeing any
// other block leaves a hole until a later top free compacts past it.
func (r *Region) Free(a Addr) {
	if !r.isDynamic(a) {
		return
	}
	if r.size(a) == 0 {
		return
	}
	r.setSize(a, 0)
	r.setOwner(a, kernel.ProcessIDNotSet)
	if a == r.mallocNext {
		r.compact()
	}
}

// FreeByOwner releases every allocation owned by pid, then compacts the
// top of the heap. Only the scheduler may request this through the message
// interface.
func (r *Region) FreeByOwner(pid kernel.ProcessID) {
	for cur := r.mallocNext; cur != NullAddr; cur = r.prev(cur) {
		if r.owner(cur) == pid {
			r.setSize(cur, 0)
			r.setOwner(cur, kernel.ProcessIDNotSet)
		}
	}
	r.compact()
}

// AssignOwner re-tags an allocation with a new owning PID. Only the
// scheduler may request this through the message interface; the launch
// path does not request it.
func (r *Region) AssignOwner(a Addr, pid kernel.ProcessID) bool {
	if !r.isDynamic(a) {
		return false
	}
	r.setOwner(a, pid)
	return true
}

// Realloc adjusts the allocation at a to the requested size on behalf of
// pid. A null a allocates new memory; a zero size frees. Shrinking returns
// the same address without updating the recorded size. Growing the
// top-of-heap block extends it in place; growing any other block allocates
// new memory, copies, and frees the old. Returns NullAddr on exhaustion or
// on an address that was not allocated from this region.
func (r *Region) Realloc(a Addr, size uint32, pid kernel.ProcessID) Addr {
	size = (size + 7) &^ 7

	if size == 0 {
		r.Free(a)
		return NullAddr
	}
	if size > 0xFFFF {
		// Node sizes are recorded in 16 bits.
		return NullAddr
	}

	if r.isDynamic(a) {
		oldSize := uint32(r.size(a))
		if size <= oldSize {
			// Fitting into a block at least as large as the request.
			// The recorded size is deliberately not shrunk.
			return a
		}
		if a == r.mallocNext {
			// Top of heap: extend downward in place.
			if a+Addr(oldSize) >= Addr(size)+NodeSize &&
				a+Addr(oldSize)-Addr(size)-NodeSize >= r.mallocEnd {
				newAddr := a - Addr(size) + Addr(oldSize)
				prev := r.prev(a)
				owner := r.owner(a)
				copy(r.buf[newAddr:newAddr+Addr(oldSize)], r.buf[a:a+Addr(oldSize)])
				r.setSize(newAddr, uint16(size))
				r.setPrev(newAddr, prev)
				r.setOwner(newAddr, owner)
				r.mallocNext = newAddr
				return newAddr
			}
			return NullAddr
		}
	} else if a != NullAddr {
		// Not an address this allocator handed out.
		return NullAddr
	}

	if r.mallocNext < Addr(size)+NodeSize || r.mallocNext-Addr(size)-NodeSize < r.mallocEnd {
		// Exhausted.
		return NullAddr
	}

	newAddr := r.mallocNext - Addr(size) - NodeSize
	r.setSize(newAddr, uint16(size))
	r.setOwner(newAddr, pid)
	r.setPrev(newAddr, r.mallocNext)
	r.mallocNext = newAddr

	if a != NullAddr {
		copy(r.buf[newAddr:], r.buf[a:a+Addr(r.size(a))])
		r.Free(a)
	}

	return newAddr
}
