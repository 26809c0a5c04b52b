package heapfence

// BlockInfo is a read-only snapshot of one descriptor, exposed for
// diagnostic dumps. Grounded on display_heap's per-iterator printf in
// original_source/heap.c.
type BlockInfo struct {
	UserMemPtr uintptr
	Size       uint64
	IsFree     bool
	Distance   int64 // calc_ptrs_distance(next, cur); 0 for the tail block
}

// HeapDump is a read-only snapshot of the root header and every live
// descriptor, in registry order.
type HeapDump struct {
	Pages            uint64
	HeadersAllocated uint64
	FenceChecksum    uint64
	Blocks           []BlockInfo
}

// Dump returns nil if the heap is absent, otherwise a snapshot suitable
// for diagnostic printing. It does not validate the heap first; callers
// that need that guarantee should check Validate themselves.
func (h *Heap) Dump() *HeapDump {
	if h == nil || h.root == nil {
		return nil
	}

	d := &HeapDump{
		Pages:            h.root.pages,
		HeadersAllocated: h.root.headersAllocated,
		FenceChecksum:    h.root.fenceChecksum,
	}
	for b := h.headBlock(); b != nil; b = b.nextBlock() {
		d.Blocks = append(d.Blocks, BlockInfo{
			UserMemPtr: b.userMemPtr,
			Size:       b.memSize,
			IsFree:     b.isFree != 0,
			Distance:   calcPtrsDistance(b.nextBlock(), b),
		})
	}
	return d
}

// calcPtrsDistance mirrors calc_ptrs_distance: the signed byte distance
// from b to a, or 0 when a is absent (the tail block has no successor to
// measure against).
func calcPtrsDistance(a, b *blockHeader) int64 {
	if a == nil {
		return 0
	}
	return int64(addrOf(a)) - int64(addrOf(b))
}
