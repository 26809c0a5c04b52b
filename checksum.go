package heapfence

import "unsafe"

// descriptorChecksum computes the byte-sum over b's descriptor image with
// the checksum field itself excluded, the Go equivalent of "sum of all
// other descriptor bytes". Grounded on original_source/heap.c's implicit
// control_sum contract (heap.h stores control_sum as the last header
// field; we keep that placement in blockHeader so the excluded span is a
// single, simple offset/width pair).
func descriptorChecksum(b *blockHeader) uint64 {
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(b)), descriptorSize)
	var sum uint64
	for i, by := range bytes {
		off := uintptr(i)
		if off >= checksumOffset && off < checksumOffset+checksumWidth {
			continue
		}
		sum += uint64(by)
	}
	return sum
}

// refreshDescriptorChecksum recomputes and stores b's checksum. Every
// mutation of a descriptor (state bit, size, links, user pointer) must be
// followed by a call to this before the descriptor is considered
// consistent again; the spec's §9 anomaly note ("realloc fails to update
// the descriptor checksum on the shrink path") is resolved by calling
// this on every in-place realloc branch.
func refreshDescriptorChecksum(b *blockHeader) {
	b.checksum = descriptorChecksum(b)
}

// descriptorChecksumValid reports whether b's stored checksum matches a
// fresh recomputation.
func descriptorChecksumValid(b *blockHeader) bool {
	return b.checksum == descriptorChecksum(b)
}

// fenceChecksumDelta is the heap-wide fence_checksum bookkeeping amount:
// 2*FenceLength per descriptor created or destroyed, per spec §4.3.
const fenceChecksumDelta = 2 * FenceLength

// recomputeFenceChecksum scans every live descriptor in the registry and
// counts fence bytes matching their expected canary value, the
// from-scratch equivalent of compute_control_sum in the original source.
// Used only by Validate; the root's stored fenceChecksum is otherwise
// maintained purely by arithmetic (+/- fenceChecksumDelta), never by
// rescanning, so a single wild write can be distinguished from a
// bookkeeping bug.
func recomputeFenceChecksum(head *blockHeader) int {
	n := 0
	for b := head; b != nil; b = b.nextBlock() {
		n += b.countCorrectFenceBytes()
	}
	return n
}
