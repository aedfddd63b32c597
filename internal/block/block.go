package block

import "unsafe"

const (
	// Quantum is the allocation granularity in bytes.
	Quantum = quantum

	// Overhead is the distance from block start to user pointer at default
	// alignment: header, back-offset trailer and padding. The largest
	// payload a range of capacity C can serve is C - Overhead.
	Overhead = userDelta

	// MinCapacity is the smallest range an Allocator accepts.
	MinCapacity = 256

	// MaxCapacity keeps free-node size fields distinguishable from the
	// header magic during heap walks.
	MaxCapacity = blockMagic - 1
)

// Allocation describes a successful allocation.
type Allocation struct {
	// Offset of the user pointer from the range base.
	Offset uint64
	// ActualSize is the total block span, including header, padding and any
	// absorbed remainder.
	ActualSize uint64
}

// Stats is a point-in-time view of the allocator's accounting.
type Stats struct {
	Capacity         uint64
	Allocated        uint64
	Free             uint64
	FreeBlocks       uint64
	LargestFreeBlock uint64
	FragmentationPct uint8
}

// Allocator manages free space within one contiguous byte range.
type Allocator struct {
	buf       []byte
	cap       uint64
	allocated uint64
	freeNodes uint64

	small [numClasses]*smallNode

	root    *freeNode
	nilNode freeNode // shared sentinel: black, size 0
}

// New constructs an allocator over buf. The range must be quantum-aligned
// at both ends and hold at least MinCapacity bytes; the whole range starts
// out as a single free block.
func New(buf []byte) (*Allocator, error) {
	if len(buf) < MinCapacity || len(buf) > MaxCapacity {
		return nil, ErrInvalidCapacity
	}
	if len(buf)%quantum != 0 {
		return nil, ErrInvalidCapacity
	}
	if uintptr(unsafe.Pointer(&buf[0]))%quantum != 0 {
		return nil, ErrInvalidCapacity
	}

	a := &Allocator{
		buf: buf,
		cap: uint64(len(buf)),
	}
	a.nilNode.color = black
	a.nilNode.parent = &a.nilNode
	a.nilNode.left = &a.nilNode
	a.nilNode.right = &a.nilNode
	a.root = &a.nilNode

	n := a.nodeAt(0)
	n.size = a.cap
	a.insertNode(n)
	return a, nil
}

// Allocate carves a block of at least size bytes aligned to alignment and
// stamps its header with tag. A size of zero is treated as one byte. The
// returned payload is zeroed.
func (a *Allocator) Allocate(size, alignment uint64, tag string) (Allocation, error) {
	if !isPowerOfTwo(alignment) {
		return Allocation{}, ErrInvalidAlignment
	}
	if size == 0 {
		size = 1
	}
	effAlign := alignment
	if effAlign < quantum {
		effAlign = quantum
	}

	// Fast path: quantum-aligned requests small enough for a size class.
	if alignment <= quantum {
		total := userDelta + alignUp(size, quantum)
		if total <= maxSmall {
			cls := total/quantum - 1
			if head := a.small[cls]; head != nil {
				a.small[cls] = head.next
				a.freeNodes--
				off := a.offOfPtr(unsafe.Pointer(head))
				return a.commit(off, total, size, alignment, tag), nil
			}
		}
	}

	// Tree path. The fit requirement is exact at quantum alignment and a
	// conservative upper bound otherwise; over-reservation splits back out
	// as a remainder below.
	var need uint64
	if effAlign == quantum {
		need = userDelta + alignUp(size, quantum)
	} else {
		need = userDelta + effAlign + alignUp(size, quantum)
	}

	n := a.findFirstFit(need)
	if n == nil {
		return a.allocateFromLists(size, alignment, tag)
	}

	blockOff := a.offOf(n)
	blockSize := n.size
	a.deleteNode(n)

	userOff := alignUp(blockOff+headerSize+backoffSize, effAlign)
	start := alignDown(userOff-headerSize-backoffSize, quantum)
	if front := start - blockOff; front > 0 {
		a.freeChunk(blockOff, front)
	}
	span := alignUp(userOff-start+size, quantum)
	if tail := blockOff + blockSize - (start + span); tail > 0 {
		a.freeChunk(start+span, tail)
	}
	return a.commit(start, span, size, alignment, tag), nil
}

// allocateFromLists serves a request from a larger-than-exact size class
// after the tree came up empty. The whole class block is committed; the
// surplus is reported through ActualSize.
func (a *Allocator) allocateFromLists(size, alignment uint64, tag string) (Allocation, error) {
	if alignment > quantum {
		return Allocation{}, ErrOutOfMemory
	}
	total := userDelta + alignUp(size, quantum)
	if total > maxSmall {
		return Allocation{}, ErrOutOfMemory
	}
	for cls := total/quantum - 1; cls < numClasses; cls++ {
		head := a.small[cls]
		if head == nil {
			continue
		}
		a.small[cls] = head.next
		a.freeNodes--
		off := a.offOfPtr(unsafe.Pointer(head))
		return a.commit(off, (cls+1)*quantum, size, alignment, tag), nil
	}
	return Allocation{}, ErrOutOfMemory
}

// commit stamps the header and back-offset for a block spanning
// [off, off+span), zeroes the payload and updates the accounting.
func (a *Allocator) commit(off, span, size, alignment uint64, tag string) Allocation {
	h := a.headerAt(off)
	h.magic = blockMagic
	h.alignLog2 = log2u64(alignment)
	h.span = span
	h.requested = size
	h.setTag(tag)

	effAlign := alignment
	if effAlign < quantum {
		effAlign = quantum
	}
	userOff := alignUp(off+headerSize+backoffSize, effAlign)
	*(*uint32)(unsafe.Pointer(&a.buf[userOff-backoffSize])) = uint32(userOff - off)

	clear(a.buf[userOff : userOff+size])
	a.allocated += span
	return Allocation{Offset: userOff, ActualSize: span}
}

// Deallocate returns the block whose user pointer sits at off and reports
// the freed span. The back-offset trailer below off locates the header,
// whose magic must match. Failures leave the block alive.
func (a *Allocator) Deallocate(off uint64) (uint64, error) {
	if off < userDelta || off >= a.cap {
		return 0, ErrBadPointer
	}
	back := uint64(*(*uint32)(unsafe.Pointer(&a.buf[off-backoffSize])))
	if back < headerSize+backoffSize || back > off {
		return 0, ErrBadPointer
	}
	hoff := off - back
	if hoff%quantum != 0 {
		return 0, ErrBadPointer
	}
	h := a.headerAt(hoff)
	if h.magic != blockMagic {
		return 0, ErrBadPointer
	}
	span := h.span
	if span < userDelta || span%quantum != 0 || hoff+span > a.cap {
		return 0, ErrBadPointer
	}
	h.magic = 0
	a.allocated -= span

	if span <= maxSmall {
		a.pushSmall(hoff, span)
		return span, nil
	}

	// Reinsert into the tree, coalescing with address-adjacent tree
	// neighbours. Small-list blocks never coalesce.
	start, size := hoff, span
	if p := a.predecessorOf(hoff); p != nil && a.offOf(p)+p.size == start {
		start = a.offOf(p)
		size += p.size
		a.deleteNode(p)
	}
	if s := a.successorOf(hoff); s != nil && hoff+span == a.offOf(s) {
		size += s.size
		a.deleteNode(s)
	}
	n := a.nodeAt(start)
	n.size = size
	a.insertNode(n)
	return span, nil
}

// freeChunk routes a split remainder to the matching size class or the tree.
// Remainders are never adjacent to another tree node, so no coalescing is
// attempted.
func (a *Allocator) freeChunk(off, size uint64) {
	if size <= maxSmall {
		a.pushSmall(off, size)
		return
	}
	n := a.nodeAt(off)
	n.size = size
	a.insertNode(n)
}

func (a *Allocator) pushSmall(off, size uint64) {
	n := (*smallNode)(unsafe.Pointer(&a.buf[off]))
	n.size = size
	n.next = a.small[size/quantum-1]
	a.small[size/quantum-1] = n
	a.freeNodes++
}

func (a *Allocator) offOfPtr(p unsafe.Pointer) uint64 {
	return uint64(uintptr(p) - uintptr(unsafe.Pointer(&a.buf[0])))
}

// Capacity returns the total managed range in bytes.
func (a *Allocator) Capacity() uint64 { return a.cap }

// BytesAllocated returns the bytes held by live blocks, spans included.
func (a *Allocator) BytesAllocated() uint64 { return a.allocated }

// BytesFree returns the bytes available across all free structures.
func (a *Allocator) BytesFree() uint64 { return a.cap - a.allocated }

// FreeBlockCount returns the number of free blocks across lists and tree.
func (a *Allocator) FreeBlockCount() uint64 { return a.freeNodes }

// LargestFreeBlock returns the size of the largest contiguous free block.
func (a *Allocator) LargestFreeBlock() uint64 {
	largest := a.root.subtreeMax
	for cls := numClasses - 1; cls >= 0; cls-- {
		if a.small[cls] != nil {
			if s := uint64(cls+1) * quantum; s > largest {
				largest = s
			}
			break
		}
	}
	return largest
}

// FragmentationPct reports external fragmentation for this range:
// 100 - 100*largest/free, or 0 when nothing is free.
func (a *Allocator) FragmentationPct() uint8 {
	free := a.BytesFree()
	if free == 0 {
		return 0
	}
	return uint8(100 - 100*a.LargestFreeBlock()/free)
}

// Stats returns a point-in-time view of the accounting.
func (a *Allocator) Stats() Stats {
	return Stats{
		Capacity:         a.cap,
		Allocated:        a.allocated,
		Free:             a.BytesFree(),
		FreeBlocks:       a.freeNodes,
		LargestFreeBlock: a.LargestFreeBlock(),
		FragmentationPct: a.FragmentationPct(),
	}
}
