// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2024 The heapfence Authors.

// Package arena is the Page Provider: a sbrk-style monotonic segment
// expander. It reserves one contiguous virtual region up front and hands
// out page-aligned growth within it via a moving break pointer, exactly
// like the classic unix sbrk(2) the block engine in the parent package
// is modelled on.
package arena

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
)

// PageSize is the fixed unit of growth and shrink. Every Sbrk delta the
// caller issues must be a multiple of PageSize.
const PageSize = 4096

var (
	osPageSize = os.Getpagesize()
	osPageMask = osPageSize - 1
)

// ErrExhausted is returned when a requested break movement would run off
// either end of the reserved region.
var ErrExhausted = errors.New("arena: reservation exhausted")

// Region is one contiguous, page-aligned span of memory obtained from the
// OS, together with a break pointer that advances (Sbrk > 0) or retreats
// (Sbrk < 0) inside it. A Region is not safe for concurrent use; callers
// serialize access themselves, matching the single-threaded heap root it
// backs.
type Region struct {
	raw   []byte
	base  uintptr
	brk   uintptr
	limit uintptr
}

// New reserves maxBytes of virtual address space, rounded up to a whole
// number of pages, and returns a Region with its break positioned at the
// start of the reservation (zero bytes committed to the caller yet).
func New(maxBytes int) (*Region, error) {
	if maxBytes <= 0 {
		maxBytes = PageSize
	}
	size := roundup(maxBytes, PageSize)
	b, err := mmap0(size)
	if err != nil {
		return nil, errors.Wrap(err, "arena: reserve region")
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	return &Region{
		raw:   b,
		base:  base,
		brk:   base,
		limit: base + uintptr(size),
	}, nil
}

// Sbrk moves the break by delta bytes and returns the address of the
// break before the move, mirroring custom_sbrk in the original C source:
// growth (delta > 0) returns the base address of the newly available
// span; shrink (delta < 0) hands back memory at the tail of the region.
// delta must be a multiple of PageSize. Returns ErrExhausted if the move
// would run past either end of the reservation.
func (r *Region) Sbrk(delta int) (uintptr, error) {
	if delta%PageSize != 0 {
		return 0, errors.Errorf("arena: delta %d is not page-aligned", delta)
	}
	prev := r.brk
	next := r.brk + uintptr(delta)
	if delta > 0 && next > r.limit {
		return 0, ErrExhausted
	}
	if delta < 0 && next < r.base {
		return 0, ErrExhausted
	}
	r.brk = next
	return prev, nil
}

// Bytes returns the number of bytes currently between the region base and
// the break, i.e. the portion of the reservation the heap root has grown
// into so far.
func (r *Region) Bytes() int { return int(r.brk - r.base) }

// Base is the fixed start address of the reservation.
func (r *Region) Base() uintptr { return r.base }

// Release returns the entire reservation to the OS. The Region must not
// be used afterwards.
func (r *Region) Release() error {
	if r.raw == nil {
		return nil
	}
	err := unmap(unsafe.Pointer(&r.raw[0]), len(r.raw))
	r.raw = nil
	r.base, r.brk, r.limit = 0, 0, 0
	if err != nil {
		return errors.Wrap(err, "arena: release region")
	}
	return nil
}

func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }
