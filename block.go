package heapfence

import "unsafe"

// FenceLength is the number of canary bytes flanking every block's user
// payload on each side: leftFenceByte ('f') before, rightFenceByte ('F')
// after. Grounded on original_source/heap.h's FENCE_LENGTH.
const FenceLength = 3

const (
	leftFenceByte  byte = 'f'
	rightFenceByte byte = 'F'
)

// blockHeader is the descriptor embedded in-region immediately before a
// block's left fence. Field order follows original_source/heap.h's
// header_t (prev, next, mem_size, is_free, user_mem_ptr, control_sum):
// the checksum is always the last field so byte-sum computation can skip
// a single known trailing span.
type blockHeader struct {
	prev       uintptr // 0 when absent (registry head)
	next       uintptr // 0 when absent (registry tail)
	memSize    uint64  // user-visible payload size in bytes
	isFree     uint32
	_          uint32 // padding, keeps userMemPtr naturally aligned
	userMemPtr uintptr
	checksum   uint64 // descriptor_checksum: byte-sum of the other fields
}

var (
	descriptorSize  = unsafe.Sizeof(blockHeader{})
	checksumOffset  = unsafe.Offsetof(blockHeader{}.checksum)
	checksumWidth   = unsafe.Sizeof(blockHeader{}.checksum)
	descriptorAlign = unsafe.Alignof(blockHeader{})
)

// headerSize returns HEADER_SIZE(size): the total footprint of a block
// carrying a payload of size bytes, i.e. descriptor + both fences + the
// payload itself.
func headerSize(size uint64) uint64 {
	return uint64(descriptorSize) + 2*FenceLength + size
}

func blockAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func addrOf(b *blockHeader) uintptr {
	return uintptr(unsafe.Pointer(b))
}

// prevBlock and nextBlock translate the zero-means-absent uintptr links
// into typed pointers, the Go analogue of the original's NULL-checked
// Header__* traversal.
func (b *blockHeader) prevBlock() *blockHeader {
	if b.prev == 0 {
		return nil
	}
	return blockAt(b.prev)
}

func (b *blockHeader) nextBlock() *blockHeader {
	if b.next == 0 {
		return nil
	}
	return blockAt(b.next)
}

func (b *blockHeader) setPrev(p *blockHeader) {
	if p == nil {
		b.prev = 0
	} else {
		b.prev = addrOf(p)
	}
}

func (b *blockHeader) setNext(n *blockHeader) {
	if n == nil {
		b.next = 0
	} else {
		b.next = addrOf(n)
	}
}

// layoutUserMemPtr is the Layout Calculator's derivation of a descriptor's
// user pointer purely from its address, independent of the redundant
// stored field: b + descriptor_size + FENCE_LENGTH.
func layoutUserMemPtr(b *blockHeader) uintptr {
	return addrOf(b) + descriptorSize + FenceLength
}

// ctrlEnd, leftFenceEnd, userEnd and rightFenceEnd are the four structural
// boundaries the Pointer Classifier and Integrity Oracle both consult,
// named after get_pointer_type's local variables in the original source.
func (b *blockHeader) ctrlEnd() uintptr       { return addrOf(b) + descriptorSize }
func (b *blockHeader) leftFenceEnd() uintptr  { return b.ctrlEnd() + FenceLength }
func (b *blockHeader) userEnd() uintptr       { return b.userMemPtr + b.memSize }
func (b *blockHeader) rightFenceEnd() uintptr { return b.userEnd() + FenceLength }

func (b *blockHeader) leftFence() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b.ctrlEnd())), FenceLength)
}

func (b *blockHeader) rightFence() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b.userEnd())), FenceLength)
}

func (b *blockHeader) fillFences() {
	lf, rf := b.leftFence(), b.rightFence()
	for i := 0; i < FenceLength; i++ {
		lf[i] = leftFenceByte
		rf[i] = rightFenceByte
	}
}

// fencesIntact reports whether both fences currently hold exactly their
// expected canary bytes.
func (b *blockHeader) fencesIntact() bool {
	lf, rf := b.leftFence(), b.rightFence()
	for i := 0; i < FenceLength; i++ {
		if lf[i] != leftFenceByte || rf[i] != rightFenceByte {
			return false
		}
	}
	return true
}

// countCorrectFenceBytes mirrors compute_control_sum: it counts, byte by
// byte, how many fence positions currently hold their expected canary
// value, rather than treating the fence as all-or-nothing. A single
// flipped byte among six therefore yields 5, not 0 — matching the
// original's per-byte counter exactly.
func (b *blockHeader) countCorrectFenceBytes() int {
	n := 0
	lf, rf := b.leftFence(), b.rightFence()
	for i := 0; i < FenceLength; i++ {
		if lf[i] == leftFenceByte {
			n++
		}
		if rf[i] == rightFenceByte {
			n++
		}
	}
	return n
}
