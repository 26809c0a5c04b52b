package heapfence

import "unsafe"

// pagesNeeded returns the ceiling number of whole pages needed to cover
// extraBytes more of arena space.
func pagesNeeded(extraBytes uint64) int {
	return int((extraBytes + PageSize - 1) / PageSize)
}

// requestMoreSpace grows the owned region by pages whole pages and
// updates root bookkeeping. Mirrors request_more_space in the original
// source; failure leaves the heap state unchanged.
func (h *Heap) requestMoreSpace(pages int) bool {
	if pages <= 0 {
		pages = 1
	}
	if _, err := h.region.Sbrk(pages * PageSize); err != nil {
		pkgLogger.Debug().Err(err).Int("pages", pages).Msg("heapfence: request_more_space failed")
		return false
	}
	h.root.pages += uint64(pages)
	pkgLogger.Debug().Int("pages_added", pages).Uint64("pages_total", h.root.pages).Msg("heapfence: grew region")
	return true
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// heapEnd is the first address past the last owned page.
func (h *Heap) heapEnd() uintptr {
	return h.rootBase() + uintptr(h.root.pages)*PageSize
}

// initBlock writes a fresh descriptor at b's address, links it between
// prev and next (re-weaving and re-checksumming both neighbours, since
// their own descriptor bytes changed), fills fences, and updates root
// bookkeeping. Mirrors set_header in the original source, generalized to
// also keep the descriptor checksum of every touched header consistent.
func (h *Heap) initBlock(b *blockHeader, size uint64, prev, next *blockHeader) {
	b.isFree = 0
	b.memSize = size
	b.setPrev(prev)
	b.setNext(next)
	b.userMemPtr = layoutUserMemPtr(b)
	b.fillFences()
	refreshDescriptorChecksum(b)

	if prev != nil {
		prev.setNext(b)
		refreshDescriptorChecksum(prev)
	}
	if next != nil {
		next.setPrev(b)
		refreshDescriptorChecksum(next)
	}

	h.root.headersAllocated++
	h.root.fenceChecksum += fenceChecksumDelta
}

// splitBlock carves the front of a free block to satisfy newSize,
// shrinking cur in place and constructing a new free descriptor for the
// remainder. The remainder size uses the corrected formula spec.md §9
// calls out: prior_mem_size - HEADER_SIZE(new_mem_size), which accounts
// for the new descriptor and its two fences, not the naive
// prior_mem_size - new_mem_size some drafts used.
func (h *Heap) splitBlock(cur *blockHeader, newSize uint64) {
	priorSize := cur.memSize
	oldNext := cur.nextBlock()
	remainderSize := priorSize - headerSize(newSize)

	cur.memSize = newSize
	cur.isFree = 0
	cur.fillFences()
	refreshDescriptorChecksum(cur)

	newHeaderAddr := cur.userMemPtr + uintptr(newSize) + FenceLength
	newHeader := blockAt(newHeaderAddr)
	h.initBlock(newHeader, remainderSize, cur, oldNext)
	newHeader.isFree = 1
	refreshDescriptorChecksum(newHeader)

	pkgLogger.Debug().
		Uint64("prior_size", priorSize).
		Uint64("new_size", newSize).
		Uint64("remainder_size", remainderSize).
		Msg("heapfence: split")
}

// Malloc rejects size == 0 and overflow (HEADER_SIZE(size) < size).
// Returns 0 (absent) when Validate doesn't report OK. Search order is
// first-fit over the registry, considering only free blocks.
func (h *Heap) Malloc(size uint64) uintptr {
	if size == 0 {
		return 0
	}
	hs := headerSize(size)
	if hs < size {
		return 0
	}
	if h.Validate() != ValidateOK {
		return 0
	}

	pkgLogger.Debug().Uint64("size", size).Msg("heapfence: malloc")

	if h.headBlock() == nil {
		avail := h.root.pages*PageSize - uint64(rootSize)
		if avail < hs {
			if !h.requestMoreSpace(pagesNeeded(hs - avail)) {
				return 0
			}
			return h.Malloc(size)
		}
		b := blockAt(h.rootBase() + uintptr(rootSize))
		h.initBlock(b, size, nil, nil)
		h.setHead(b)
		return b.userMemPtr
	}

	for cur := h.headBlock(); cur != nil; cur = cur.nextBlock() {
		if cur.isFree == 0 {
			continue
		}
		switch {
		case cur.memSize == size:
			cur.isFree = 0
			refreshDescriptorChecksum(cur)
			return cur.userMemPtr
		case cur.memSize > hs+1:
			h.splitBlock(cur, size)
			return cur.userMemPtr
		case cur.memSize > size:
			cur.memSize = size
			cur.fillFences()
			cur.isFree = 0
			refreshDescriptorChecksum(cur)
			return cur.userMemPtr
		}
	}

	last := h.lastBlock()
	end := last.rightFenceEnd()
	freeTrailing := uint64(h.heapEnd() - end)
	if freeTrailing < hs {
		if !h.requestMoreSpace(pagesNeeded(hs - freeTrailing)) {
			return 0
		}
		return h.Malloc(size)
	}

	b := blockAt(end)
	h.initBlock(b, size, last, nil)
	return b.userMemPtr
}

// Calloc is Malloc(n*size) followed by zero-filling the user region.
// Overflow of n*size is treated as allocation failure.
func (h *Heap) Calloc(n, size uint64) uintptr {
	total := n * size
	if size != 0 && total/size != n {
		return 0
	}
	p := h.Malloc(total)
	if p == 0 {
		return 0
	}
	bzero(p, int(total))
	return p
}

// absorbNext merges cur.next into cur, dropping next's descriptor
// entirely. cur.next must be free. Used by both Free's forward coalesce
// and Realloc's successor-absorption branches.
func (h *Heap) absorbNext(cur *blockHeader) {
	next := cur.nextBlock()
	newNext := next.nextBlock()

	cur.memSize += headerSize(next.memSize)
	cur.setNext(newNext)
	if newNext != nil {
		newNext.setPrev(cur)
		refreshDescriptorChecksum(newNext)
	}

	h.root.headersAllocated--
	h.root.fenceChecksum -= fenceChecksumDelta

	cur.fillFences()
	refreshDescriptorChecksum(cur)

	pkgLogger.Debug().Uint64("new_size", cur.memSize).Msg("heapfence: coalesce")
}

func (h *Heap) reallocGeneric(ptr uintptr, count uint64, malloc func(uint64) uintptr) uintptr {
	switch {
	case ptr == 0 && count == 0:
		return 0
	case ptr == 0:
		return malloc(count)
	case count == 0:
		h.Free(ptr)
		return 0
	}

	if h.PointerType(ptr) != PointerValid {
		return 0
	}
	cur := blockAt(ptr - FenceLength - descriptorSize)

	if count < cur.memSize {
		cur.memSize = count
		cur.fillFences()
		refreshDescriptorChecksum(cur)
		return cur.userMemPtr
	}
	if count == cur.memSize {
		return cur.userMemPtr
	}

	// count > cur.memSize from here on.
	next := cur.nextBlock()
	if next == nil {
		delta := count - cur.memSize
		trailing := uint64(h.heapEnd() - cur.rightFenceEnd())
		if trailing < delta {
			if !h.requestMoreSpace(pagesNeeded(delta - trailing)) {
				return 0
			}
		}
		cur.memSize = count
		cur.fillFences()
		refreshDescriptorChecksum(cur)
		return cur.userMemPtr
	}

	if next.isFree != 0 {
		h.absorbNext(cur)
		switch {
		case cur.memSize > headerSize(count)+1:
			h.splitBlock(cur, count)
		case cur.memSize >= count:
			cur.memSize = count
			cur.fillFences()
			refreshDescriptorChecksum(cur)
		default:
			return h.reallocElsewhere(cur, count, malloc)
		}
		return cur.userMemPtr
	}

	return h.reallocElsewhere(cur, count, malloc)
}

func (h *Heap) reallocElsewhere(cur *blockHeader, count uint64, malloc func(uint64) uintptr) uintptr {
	oldUser, oldSize := cur.userMemPtr, cur.memSize
	newPtr := malloc(count)
	if newPtr == 0 {
		return 0
	}
	copySize := oldSize
	if count < copySize {
		copySize = count
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(newPtr)), copySize)
	src := unsafe.Slice((*byte)(unsafe.Pointer(oldUser)), copySize)
	copy(dst, src)
	h.Free(oldUser)
	return newPtr
}

// Realloc implements the ten branches of spec.md §4.2 in order.
func (h *Heap) Realloc(ptr uintptr, count uint64) uintptr {
	return h.reallocGeneric(ptr, count, h.Malloc)
}

// Free is a no-op unless Validate is not UNINITIALISED and ptr
// classifies as VALID. Coalesces with free neighbours per spec.md §4.6,
// then reclaims any trailing slack up to the next descriptor.
func (h *Heap) Free(ptr uintptr) {
	if h.Validate() == ValidateUninitialised {
		return
	}
	if h.PointerType(ptr) != PointerValid {
		return
	}

	b := blockAt(ptr - FenceLength - descriptorSize)
	b.isFree = 1
	refreshDescriptorChecksum(b)

	if prev := b.prevBlock(); prev != nil && prev.isFree != 0 {
		h.absorbNext(prev)
		b = prev
	}
	if next := b.nextBlock(); next != nil && next.isFree != 0 {
		h.absorbNext(b)
	}

	if next := b.nextBlock(); next != nil {
		b.memSize = uint64(addrOf(next) - b.userMemPtr - FenceLength)
		b.fillFences()
		refreshDescriptorChecksum(b)
	}

	pkgLogger.Debug().Uint64("size", b.memSize).Msg("heapfence: free")
}

// MallocAligned is Malloc with the additional constraint that the
// returned user pointer is a multiple of PageSize.
func (h *Heap) MallocAligned(size uint64) uintptr {
	if size == 0 {
		return 0
	}
	hs := headerSize(size)
	if hs < size {
		return 0
	}
	if h.Validate() != ValidateOK {
		return 0
	}

	if h.headBlock() == nil {
		return h.mallocAlignedEmpty(size)
	}

	for cur := h.headBlock(); cur != nil; cur = cur.nextBlock() {
		if cur.userMemPtr%PageSize != 0 || cur.isFree == 0 {
			continue
		}
		switch {
		case cur.memSize == size:
			cur.isFree = 0
			refreshDescriptorChecksum(cur)
			return cur.userMemPtr
		case cur.memSize > hs+1:
			h.splitBlock(cur, size)
			return cur.userMemPtr
		case cur.memSize > size:
			cur.memSize = size
			cur.fillFences()
			cur.isFree = 0
			refreshDescriptorChecksum(cur)
			return cur.userMemPtr
		}
	}

	return h.mallocAlignedAppend(size)
}

// mallocAlignedEmpty positions head so that its user pointer lands
// exactly on the second page boundary (heap_start + PageSize), leaving
// the descriptor in the tail of page 0, per spec.md §4.2.
func (h *Heap) mallocAlignedEmpty(size uint64) uintptr {
	headAddr := h.rootBase() + PageSize - descriptorSize - FenceLength
	hs := headerSize(size)
	avail := uint64(h.heapEnd() - headAddr)
	if avail < hs {
		if !h.requestMoreSpace(pagesNeeded(hs - avail)) {
			return 0
		}
		return h.mallocAlignedEmpty(size)
	}

	b := blockAt(headAddr)
	h.initBlock(b, size, nil, nil)
	h.setHead(b)
	return b.userMemPtr
}

// mallocAlignedAppend rounds the new descriptor's address up just enough
// that its user pointer lands on a page boundary; the unused span ahead
// of it becomes trailing slack a future Free of the prior last block
// will reclaim.
func (h *Heap) mallocAlignedAppend(size uint64) uintptr {
	last := h.lastBlock()
	minUserPtr := last.rightFenceEnd() + descriptorSize + FenceLength
	userPtr := alignUp(minUserPtr, PageSize)
	descAddr := userPtr - descriptorSize - FenceLength

	hs := headerSize(size)
	neededEnd := descAddr + uintptr(hs)
	if neededEnd > h.heapEnd() {
		if !h.requestMoreSpace(pagesNeeded(uint64(neededEnd - h.heapEnd()))) {
			return 0
		}
		return h.mallocAlignedAppend(size)
	}

	b := blockAt(descAddr)
	h.initBlock(b, size, last, nil)
	return b.userMemPtr
}

// CallocAligned is MallocAligned(n*size) followed by zero-filling.
func (h *Heap) CallocAligned(n, size uint64) uintptr {
	total := n * size
	if size != 0 && total/size != n {
		return 0
	}
	p := h.MallocAligned(total)
	if p == 0 {
		return 0
	}
	bzero(p, int(total))
	return p
}

// ReallocAligned is Realloc with MallocAligned substituted wherever the
// allocate-elsewhere branch applies; in-place branches never move the
// pointer, so an already page-aligned user pointer stays aligned.
func (h *Heap) ReallocAligned(ptr uintptr, count uint64) uintptr {
	return h.reallocGeneric(ptr, count, h.MallocAligned)
}
